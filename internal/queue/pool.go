// Package queue carries run jobs from the places that trigger them (upload,
// reprocess, sweep) to a bounded set of workers.
package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"flipbook/internal/models"
)

var ErrClosed = errors.New("queue is closed")

// Handler processes one job. Errors are logged, never retried here.
type Handler func(ctx context.Context, job models.Job) error

// Pool runs jobs on a fixed number of workers. Enqueue blocks while the
// buffer is full.
type Pool struct {
	workers int
	handler Handler
	jobs    chan models.Job
	log     zerolog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewPool(workers, buffer int, handler Handler, log zerolog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if buffer < 0 {
		buffer = 0
	}
	return &Pool{
		workers: workers,
		handler: handler,
		jobs:    make(chan models.Job, buffer),
		log:     log.With().Str("component", "worker_pool").Logger(),
	}
}

// Start launches the workers. Jobs still queued when ctx is cancelled are
// drained without running; the sweeper picks their magazines up later.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func(worker int) {
			defer p.wg.Done()
			for job := range p.jobs {
				if ctx.Err() != nil {
					continue
				}
				p.handle(ctx, worker, job)
			}
		}(i)
	}
	p.log.Info().Int("workers", p.workers).Msg("worker pool started")
}

func (p *Pool) handle(ctx context.Context, worker int, job models.Job) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Interface("panic", r).Str("magazine_id", job.MagazineID.String()).Msg("worker recovered from panic")
		}
	}()
	if err := p.handler(ctx, job); err != nil {
		p.log.Debug().Err(err).Int("worker", worker).Str("magazine_id", job.MagazineID.String()).Msg("job finished with error")
	}
}

func (p *Pool) Enqueue(ctx context.Context, job models.Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop refuses new jobs and waits for the workers to finish.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// Inline runs each job synchronously inside Enqueue. The recovery CLI uses
// it when no broker is configured.
type Inline Handler

func (h Inline) Enqueue(ctx context.Context, job models.Job) error {
	return h(ctx, job)
}
