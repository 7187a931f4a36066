package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "flipbook:lease:"

// Compare-and-delete / compare-and-expire so a run never touches a lease
// that expired and was taken over by another run.
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

type Redis struct {
	client *redis.Client
}

var _ Leaser = (*Redis)(nil)

func NewRedis(addr, password string, db int) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}
	return &Redis{client: client}, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func key(id uuid.UUID) string {
	return keyPrefix + id.String()
}

func (r *Redis) Acquire(ctx context.Context, id uuid.UUID, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, key(id), token, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("acquire lease: %w", err)
	}
	if !ok {
		return "", ErrHeld
	}
	return token, nil
}

func (r *Redis) Refresh(ctx context.Context, id uuid.UUID, token string, ttl time.Duration) error {
	n, err := refreshScript.Run(ctx, r.client, []string{key(id)}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("refresh lease: %w", err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

func (r *Redis) Release(ctx context.Context, id uuid.UUID, token string) error {
	n, err := releaseScript.Run(ctx, r.client, []string{key(id)}, token).Int()
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

func (r *Redis) Held(ctx context.Context, id uuid.UUID) (bool, error) {
	n, err := r.client.Exists(ctx, key(id)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("check lease: %w", err)
	}
	return n > 0, nil
}
