package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"flipbook/internal/lease"
	"flipbook/internal/models"
)

type Enqueuer interface {
	Enqueue(ctx context.Context, job models.Job) error
}

// Sweeper re-enqueues runs stranded by a restart: processing records that
// stopped moving and pending records that never got picked up.
type Sweeper struct {
	store      Store
	leases     lease.Leaser
	queue      Enqueuer
	staleAfter time.Duration
	log        zerolog.Logger
	now        func() time.Time
	wg         sync.WaitGroup
}

func NewSweeper(store Store, leases lease.Leaser, queue Enqueuer, staleAfter time.Duration, log zerolog.Logger) *Sweeper {
	return &Sweeper{
		store:      store,
		leases:     leases,
		queue:      queue,
		staleAfter: staleAfter,
		log:        log.With().Str("component", "sweeper").Logger(),
		now:        time.Now,
	}
}

// Start sweeps every interval until ctx is done.
func (s *Sweeper) Start(ctx context.Context, interval time.Duration) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := s.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
					s.log.Error().Err(err).Msg("sweep failed")
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (s *Sweeper) Stop() {
	s.wg.Wait()
}

// Sweep enqueues a run for every stale record whose lease is free and
// returns the magazines it re-enqueued.
func (s *Sweeper) Sweep(ctx context.Context) ([]*models.Magazine, error) {
	before := s.now().Add(-s.staleAfter)

	processing, err := s.store.ListMagazines(ctx, models.MagazineFilter{Status: models.StatusProcessing, UpdatedBefore: before})
	if err != nil {
		return nil, err
	}
	pending, err := s.store.ListMagazines(ctx, models.MagazineFilter{Status: models.StatusPending, HasFile: true, UpdatedBefore: before})
	if err != nil {
		return nil, err
	}

	var requeued []*models.Magazine
	for _, m := range append(processing, pending...) {
		held, err := s.leases.Held(ctx, m.ID)
		if err != nil {
			s.log.Error().Err(err).Str("magazine_id", m.ID.String()).Msg("check lease")
			continue
		}
		if held {
			continue
		}
		job := models.Job{MagazineID: m.ID, FilePath: m.FilePath(), Reason: models.ReasonSweep, EnqueuedAt: s.now()}
		if err := s.queue.Enqueue(ctx, job); err != nil {
			s.log.Error().Err(err).Str("magazine_id", m.ID.String()).Msg("re-enqueue stale run")
			continue
		}
		s.log.Info().Str("magazine_id", m.ID.String()).Str("status", string(m.ProcessingStatus)).
			Time("updated_at", m.UpdatedAt).Msg("stale run re-enqueued")
		requeued = append(requeued, m)
	}
	return requeued, nil
}
