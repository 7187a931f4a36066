package queue_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"flipbook/internal/models"
	"flipbook/internal/queue"
)

func TestPool(t *testing.T) {
	t.Run("should run every accepted job", func(t *testing.T) {
		// given
		var (
			mu   sync.Mutex
			seen = map[uuid.UUID]bool{}
		)
		pool := queue.NewPool(3, 10, func(_ context.Context, job models.Job) error {
			mu.Lock()
			defer mu.Unlock()
			seen[job.MagazineID] = true
			return nil
		}, zerolog.Nop())
		pool.Start(context.Background())

		// when
		for i := 0; i < 20; i++ {
			require.NoError(t, pool.Enqueue(context.Background(), models.Job{MagazineID: uuid.New()}))
		}
		pool.Stop()

		// then
		require.Len(t, seen, 20)
	})

	t.Run("should never exceed the worker count", func(t *testing.T) {
		// given
		var running, peak atomic.Int32
		pool := queue.NewPool(2, 0, func(context.Context, models.Job) error {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			running.Add(-1)
			return nil
		}, zerolog.Nop())
		pool.Start(context.Background())

		// when
		for i := 0; i < 8; i++ {
			require.NoError(t, pool.Enqueue(context.Background(), models.Job{MagazineID: uuid.New()}))
		}
		pool.Stop()

		// then
		require.LessOrEqual(t, peak.Load(), int32(2))
	})

	t.Run("should survive failing and panicking handlers", func(t *testing.T) {
		// given
		var done atomic.Int32
		pool := queue.NewPool(1, 4, func(_ context.Context, job models.Job) error {
			defer done.Add(1)
			switch job.Reason {
			case "panic":
				panic("boom")
			case "fail":
				return errors.New("render failed")
			}
			return nil
		}, zerolog.Nop())
		pool.Start(context.Background())

		// when
		for _, reason := range []string{"panic", "fail", models.ReasonUpload} {
			require.NoError(t, pool.Enqueue(context.Background(), models.Job{MagazineID: uuid.New(), Reason: reason}))
		}
		pool.Stop()

		// then
		require.Equal(t, int32(3), done.Load())
	})

	t.Run("should refuse jobs after stop", func(t *testing.T) {
		// given
		pool := queue.NewPool(1, 1, func(context.Context, models.Job) error { return nil }, zerolog.Nop())
		pool.Start(context.Background())
		pool.Stop()

		// when
		err := pool.Enqueue(context.Background(), models.Job{MagazineID: uuid.New()})

		// then
		require.ErrorIs(t, err, queue.ErrClosed)
	})

	t.Run("should give up enqueueing when the context ends while full", func(t *testing.T) {
		// given
		release := make(chan struct{})
		pool := queue.NewPool(1, 0, func(context.Context, models.Job) error {
			<-release
			return nil
		}, zerolog.Nop())
		pool.Start(context.Background())
		require.NoError(t, pool.Enqueue(context.Background(), models.Job{MagazineID: uuid.New()}))
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		// when
		err := pool.Enqueue(ctx, models.Job{MagazineID: uuid.New()})

		// then
		require.ErrorIs(t, err, context.DeadlineExceeded)
		close(release)
		pool.Stop()
	})
}
