package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"flipbook/internal/models"
)

type Enqueuer interface {
	Enqueue(ctx context.Context, job models.Job) error
}

func encodeJob(job models.Job) (kafka.Message, error) {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	value, err := json.Marshal(job)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{Key: []byte(job.MagazineID.String()), Value: value}, nil
}

func decodeJob(msg kafka.Message) (models.Job, error) {
	var job models.Job
	if err := json.Unmarshal(msg.Value, &job); err != nil {
		return models.Job{}, err
	}
	if job.MagazineID == uuid.Nil {
		return models.Job{}, errors.New("job without magazine id")
	}
	return job, nil
}

// Producer publishes jobs keyed by magazine id, so runs for one magazine
// land on one partition.
type Producer struct {
	writer *kafka.Writer
}

func NewProducer(broker, topic string) *Producer {
	return &Producer{writer: kafka.NewWriter(kafka.WriterConfig{
		Brokers:  []string{broker},
		Topic:    topic,
		Balancer: &kafka.Hash{},
	})}
}

func (p *Producer) Enqueue(ctx context.Context, job models.Job) error {
	const op = "queue.Producer.Enqueue"
	msg, err := encodeJob(job)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

// Consumer moves jobs from the topic into the worker pool. An offset is
// committed once the pool has accepted its job.
type Consumer struct {
	reader *kafka.Reader
	pool   Enqueuer
	log    zerolog.Logger
}

func NewConsumer(broker, topic, group string, pool Enqueuer, log zerolog.Logger) *Consumer {
	return &Consumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers: []string{broker},
			Topic:   topic,
			GroupID: group,
		}),
		pool: pool,
		log:  log.With().Str("component", "kafka_consumer").Str("topic", topic).Logger(),
	}
}

// Run consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Error().Err(err).Msg("fetch message")
			continue
		}

		job, err := decodeJob(msg)
		if err != nil {
			c.log.Error().Err(err).Int64("offset", msg.Offset).Msg("dropping malformed job")
		} else if err := c.pool.Enqueue(ctx, job); err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrClosed) {
				return nil
			}
			c.log.Error().Err(err).Str("magazine_id", job.MagazineID.String()).Msg("hand job to pool")
			continue
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.log.Error().Err(err).Int64("offset", msg.Offset).Msg("commit offset")
		}
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
