// Package recovery holds the administrator-triggered maintenance operations.
// Every operation works record by record: a failing record ends up in its
// own Result and never aborts the batch.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"flipbook/internal/models"
	"flipbook/internal/pathresolver"
	"flipbook/internal/pdf"
	"flipbook/internal/pipeline"
)

const (
	OpZeroPages = "zero-pages"
	OpCorrupted = "corrupted"
	OpFixPaths  = "fix-paths"
	OpRegen     = "regenerate"
	OpSweep     = "sweep"
)

var ErrUnknownOperation = errors.New("unknown recovery operation")

// Operations lists the batch operations accepted by Run.
var Operations = []string{OpZeroPages, OpCorrupted, OpFixPaths, OpRegen, OpSweep}

type Store interface {
	GetMagazine(ctx context.Context, id uuid.UUID) (*models.Magazine, error)
	ListMagazines(ctx context.Context, filter models.MagazineFilter) ([]*models.Magazine, error)
	SetTotalPages(ctx context.Context, id uuid.UUID, total int) error
	CountPages(ctx context.Context, id uuid.UUID) (int, error)
}

// Hooks let a caller follow a batch, e.g. to drive a progress bar.
type Hooks struct {
	OnStart  func(op string, total int)
	OnRecord func(Result)
}

type Service struct {
	store    Store
	counter  pipeline.PageCountResolver
	locator  pipeline.Locator
	resolver *pathresolver.Resolver
	queue    pipeline.Enqueuer
	sweeper  *pipeline.Sweeper
	hooks    Hooks
	log      zerolog.Logger
}

func NewService(store Store, counter pipeline.PageCountResolver, locator pipeline.Locator, resolver *pathresolver.Resolver,
	queue pipeline.Enqueuer, sweeper *pipeline.Sweeper, log zerolog.Logger) *Service {
	return &Service{
		store:    store,
		counter:  counter,
		locator:  locator,
		resolver: resolver,
		queue:    queue,
		sweeper:  sweeper,
		log:      log.With().Str("component", "recovery").Logger(),
	}
}

func (s *Service) SetHooks(h Hooks) {
	s.hooks = h
}

// Run dispatches a batch operation by name.
func (s *Service) Run(ctx context.Context, op string) (*Report, error) {
	switch op {
	case OpZeroPages:
		return s.ReprocessZeroPage(ctx)
	case OpCorrupted:
		return s.IdentifyCorrupted(ctx)
	case OpFixPaths:
		return s.FixFilePaths(ctx)
	case OpRegen:
		return s.Regenerate(ctx)
	case OpSweep:
		return s.SweepStale(ctx)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownOperation, op)
}

// batch applies fn to every magazine, turning errors and panics into
// OutcomeError entries.
func (s *Service) batch(ctx context.Context, op string, filter models.MagazineFilter,
	fn func(ctx context.Context, m *models.Magazine) Result) (*Report, error) {
	magazines, err := s.store.ListMagazines(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("recovery.%s: %w", op, err)
	}

	report := newReport(op)
	if s.hooks.OnStart != nil {
		s.hooks.OnStart(op, len(magazines))
	}
	for _, m := range magazines {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		res := s.one(ctx, m, fn)
		report.add(res)
		if s.hooks.OnRecord != nil {
			s.hooks.OnRecord(res)
		}
	}
	report.FinishedAt = time.Now()
	s.log.Info().Str("operation", op).Int("records", len(report.Results)).Interface("counts", report.Counts).Msg("recovery batch finished")
	return report, nil
}

func (s *Service) one(ctx context.Context, m *models.Magazine, fn func(context.Context, *models.Magazine) Result) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{Outcome: OutcomeError, Reason: fmt.Sprintf("panic: %v", r)}
		}
		res.MagazineID, res.Slug = m.ID, m.Slug
		if res.Outcome == OutcomeError {
			s.log.Warn().Str("magazine_id", m.ID.String()).Str("reason", res.Reason).Msg("recovery record failed")
		}
	}()
	return fn(ctx, m)
}

func failure(err error) Result {
	if errors.Is(err, models.ErrFileNotFound) {
		return Result{Outcome: OutcomeMissing, Reason: "missing", Detail: err.Error()}
	}
	return Result{Outcome: OutcomeError, Reason: err.Error()}
}

// ReprocessZeroPage recounts completed magazines stuck at zero pages. Pages
// are not rendered again.
func (s *Service) ReprocessZeroPage(ctx context.Context) (*Report, error) {
	var (
		probed   bool
		fallback pdf.PageCounter
	)
	filter := models.MagazineFilter{Status: models.StatusCompleted, ZeroPages: true}
	return s.batch(ctx, OpZeroPages, filter, func(ctx context.Context, m *models.Magazine) Result {
		path, _, err := s.resolver.Heal(ctx, m)
		if err != nil {
			return failure(err)
		}
		if !probed {
			probed = true
			if t, err := s.locator.Locate(ctx); err == nil {
				fallback = t
			} else {
				s.log.Warn().Err(err).Msg("no external tool, counting without fallback")
			}
		}
		total, err := s.counter.Resolve(ctx, path, fallback)
		if err != nil {
			return failure(err)
		}
		if err := s.store.SetTotalPages(ctx, m.ID, total); err != nil {
			return failure(err)
		}
		return Result{Outcome: OutcomeUpdated, Detail: fmt.Sprintf("total_pages=%d", total)}
	})
}

// corruption classifies a stored path without touching the record.
func (s *Service) corruption(m *models.Magazine) (reason string, err error) {
	path, err := s.resolver.Resolve(m.FilePath())
	if err != nil {
		return "", err
	}
	err = pdf.ValidateFile(path)
	switch models.KindOf(err) {
	case "":
		return "", err
	case models.KindEmptyFile:
		return "empty", nil
	case models.KindBadHeader:
		return "bad header", nil
	case models.KindBadTrailer:
		return "bad trailer", nil
	case models.KindFileNotFound:
		return "missing", nil
	}
	return "", err
}

// IdentifyCorrupted is a read-only audit of every stored source document.
func (s *Service) IdentifyCorrupted(ctx context.Context) (*Report, error) {
	return s.batch(ctx, OpCorrupted, models.MagazineFilter{HasFile: true}, func(_ context.Context, m *models.Magazine) Result {
		reason, err := s.corruption(m)
		if errors.Is(err, models.ErrFileNotFound) {
			return Result{Outcome: OutcomeCorrupted, Reason: "missing", Detail: m.FilePath()}
		}
		if err != nil {
			return failure(err)
		}
		if reason != "" {
			return Result{Outcome: OutcomeCorrupted, Reason: reason, Detail: m.FilePath()}
		}
		return Result{Outcome: OutcomeValid}
	})
}

// FixFilePaths heals every stored path that drifted.
func (s *Service) FixFilePaths(ctx context.Context) (*Report, error) {
	return s.batch(ctx, OpFixPaths, models.MagazineFilter{HasFile: true}, func(ctx context.Context, m *models.Magazine) Result {
		before := m.FilePath()
		resolved, changed, err := s.resolver.Heal(ctx, m)
		if err != nil {
			return failure(err)
		}
		if changed {
			return Result{Outcome: OutcomeUpdated, Detail: before + " -> " + resolved}
		}
		return Result{Outcome: OutcomeOK}
	})
}

// Regenerate flags magazines whose source is gone or broken while pages
// still exist. Rebuilding a PDF from page images is left to an operator.
func (s *Service) Regenerate(ctx context.Context) (*Report, error) {
	return s.batch(ctx, OpRegen, models.MagazineFilter{}, func(ctx context.Context, m *models.Magazine) Result {
		reason := "missing"
		if m.FilePath() != "" {
			r, err := s.corruption(m)
			switch {
			case errors.Is(err, models.ErrFileNotFound):
			case err != nil:
				return failure(err)
			case r == "":
				return Result{Outcome: OutcomeOK}
			default:
				reason = r
			}
		}
		pages, err := s.store.CountPages(ctx, m.ID)
		if err != nil {
			return failure(err)
		}
		if pages == 0 {
			return Result{Outcome: OutcomeSkipped, Reason: reason, Detail: "no pages to regenerate from"}
		}
		return Result{Outcome: OutcomeManual, Reason: reason, Detail: fmt.Sprintf("%d pages on record", pages)}
	})
}

// Reprocess queues a full run for one magazine.
func (s *Service) Reprocess(ctx context.Context, id uuid.UUID) (Result, error) {
	const op = "recovery.Reprocess"

	m, err := s.store.GetMagazine(ctx, id)
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", op, err)
	}
	if m.FilePath() == "" {
		return Result{}, fmt.Errorf("%s: %w", op, models.NewError(models.KindFileNotFound, "magazine has no stored file", nil))
	}
	job := models.Job{MagazineID: m.ID, FilePath: m.FilePath(), Reason: models.ReasonReprocess, EnqueuedAt: time.Now()}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		return Result{}, fmt.Errorf("%s: %w", op, err)
	}
	s.log.Info().Str("magazine_id", m.ID.String()).Msg("reprocess enqueued")
	return Result{MagazineID: m.ID, Slug: m.Slug, Outcome: OutcomeEnqueued}, nil
}

// SweepStale runs one sweep now.
func (s *Service) SweepStale(ctx context.Context) (*Report, error) {
	report := newReport(OpSweep)
	requeued, err := s.sweeper.Sweep(ctx)
	if err != nil {
		return nil, fmt.Errorf("recovery.%s: %w", OpSweep, err)
	}
	if s.hooks.OnStart != nil {
		s.hooks.OnStart(OpSweep, len(requeued))
	}
	for _, m := range requeued {
		res := Result{MagazineID: m.ID, Slug: m.Slug, Outcome: OutcomeEnqueued, Reason: string(m.ProcessingStatus)}
		report.add(res)
		if s.hooks.OnRecord != nil {
			s.hooks.OnRecord(res)
		}
	}
	report.FinishedAt = time.Now()
	return report, nil
}
