// Package pipeline turns an uploaded PDF into flipbook pages: it owns the
// magazine processing state machine and drives the external tool.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"flipbook/internal/lease"
	"flipbook/internal/models"
	"flipbook/internal/pathresolver"
	"flipbook/internal/pdf"
)

var tracer = otel.Tracer("flipbook-pipeline")

// ErrRunInProgress is returned when another run holds the magazine's lease.
var ErrRunInProgress = errors.New("a run for this magazine is already in progress")

type Store interface {
	GetMagazine(ctx context.Context, id uuid.UUID) (*models.Magazine, error)
	ListMagazines(ctx context.Context, filter models.MagazineFilter) ([]*models.Magazine, error)
	SetFilePath(ctx context.Context, id uuid.UUID, path string) error
	SetFileSize(ctx context.Context, id uuid.UUID, size int64) error
	StartRun(ctx context.Context, id uuid.UUID) error
	SetTotalPages(ctx context.Context, id uuid.UUID, total int) error
	SetProgress(ctx context.Context, id uuid.UUID, progress int) error
	CompleteRun(ctx context.Context, id uuid.UUID, path string, totalPages int) error
	FailRun(ctx context.Context, id uuid.UUID, message string) error
	DeletePages(ctx context.Context, id uuid.UUID) error
	SavePage(ctx context.Context, p *models.Page) error
}

// Toolchain is the external tool as seen by one run.
type Toolchain interface {
	Optimize(ctx context.Context, src, dst string) error
	PageCount(ctx context.Context, path string) (int, error)
	Render(ctx context.Context, src string, page, dpi int, out string) error
}

type Locator interface {
	Locate(ctx context.Context) (Toolchain, error)
}

type LocatorFunc func(ctx context.Context) (Toolchain, error)

func (f LocatorFunc) Locate(ctx context.Context) (Toolchain, error) { return f(ctx) }

type PageCountResolver interface {
	Resolve(ctx context.Context, path string, fallback pdf.PageCounter) (int, error)
}

type Options struct {
	Layout     Layout
	DisplayDPI int
	PreviewDPI int
	LeaseTTL   time.Duration
}

type Processor struct {
	store    Store
	locator  Locator
	counter  PageCountResolver
	resolver *pathresolver.Resolver
	leases   lease.Leaser
	opts     Options
	log      zerolog.Logger
}

func NewProcessor(store Store, locator Locator, counter PageCountResolver, resolver *pathresolver.Resolver,
	leases lease.Leaser, opts Options, log zerolog.Logger) *Processor {
	return &Processor{
		store:    store,
		locator:  locator,
		counter:  counter,
		resolver: resolver,
		leases:   leases,
		opts:     opts,
		log:      log.With().Str("component", "pipeline").Logger(),
	}
}

// Run executes one end-to-end run for job.MagazineID. Failures after the
// lease is taken are recorded on the magazine and also returned for logging.
func (p *Processor) Run(ctx context.Context, job models.Job) error {
	const op = "pipeline.Run"

	ctx, span := tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("magazine_id", job.MagazineID.String()),
		attribute.String("reason", job.Reason),
	))
	defer span.End()

	log := p.log.With().Str("magazine_id", job.MagazineID.String()).Str("reason", job.Reason).Logger()

	token, err := p.leases.Acquire(ctx, job.MagazineID, p.opts.LeaseTTL)
	if errors.Is(err, lease.ErrHeld) {
		log.Warn().Msg("run skipped, magazine is already being processed")
		return ErrRunInProgress
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := p.leases.Release(rctx, job.MagazineID, token); err != nil {
			log.Warn().Err(err).Msg("release lease")
		}
	}()

	m, err := p.store.GetMagazine(ctx, job.MagazineID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if finished(m, job) {
		log.Info().Str("status", string(m.ProcessingStatus)).Msg("run skipped, magazine already finished")
		return nil
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stopHeartbeat := p.heartbeat(runCtx, cancel, job.MagazineID, token, log)

	started := time.Now()
	run := &run{Processor: p, m: m, log: log}
	err = run.execute(runCtx, job)
	stopHeartbeat()
	if err == nil {
		log.Info().Int("pages", run.total).Dur("elapsed", time.Since(started)).Msg("run completed")
		return nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if cause := context.Cause(runCtx); errors.Is(cause, lease.ErrNotHeld) {
		// The record may belong to another run by now; leave it alone.
		log.Error().Err(cause).Msg("run abandoned")
		return cause
	}
	fctx := context.WithoutCancel(ctx)
	if ferr := p.store.FailRun(fctx, m.ID, err.Error()); ferr != nil {
		log.Error().Err(ferr).Msg("record failure")
	}
	log.Error().Err(err).Str("kind", string(models.KindOf(err))).Dur("elapsed", time.Since(started)).Msg("run failed")
	return err
}

// finished reports whether a non-reprocess job arrived for a magazine whose
// run already ended: a redelivered upload or a sweep that raced its job.
func finished(m *models.Magazine, job models.Job) bool {
	if job.Reason == models.ReasonReprocess {
		return false
	}
	return m.ProcessingStatus == models.StatusCompleted || m.ProcessingStatus == models.StatusFailed
}

// heartbeat refreshes the lease every third of its TTL until stop is
// called. Losing the lease cancels ctx with a cause wrapping lease.ErrNotHeld.
func (p *Processor) heartbeat(ctx context.Context, cancel context.CancelCauseFunc, id uuid.UUID, token string,
	log zerolog.Logger) (stop func()) {
	interval := p.opts.LeaseTTL / 3
	if interval <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				err := p.leases.Refresh(ctx, id, token, p.opts.LeaseTTL)
				if errors.Is(err, lease.ErrNotHeld) {
					cancel(fmt.Errorf("run lease lost: %w", err))
					return
				}
				if err != nil {
					log.Warn().Err(err).Msg("refresh lease")
				}
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// run holds the state of one execution; the located tool lives here and
// nowhere else.
type run struct {
	*Processor
	m   *models.Magazine
	log zerolog.Logger

	tool  Toolchain
	total int
}

func (r *run) execute(ctx context.Context, job models.Job) error {
	id := r.m.ID

	// Nothing is discarded until the source is known to be usable.
	source, err := r.locateSource(ctx, job)
	if err != nil {
		return err
	}
	if err := pdf.ValidateFile(source); err != nil {
		return err
	}

	finalPath := r.opts.Layout.FinalPath(r.m)
	pagesDir := r.opts.Layout.PagesDir(finalPath)
	workPath := r.opts.Layout.WorkPath(id)

	if err := r.begin(ctx, pagesDir, workPath); err != nil {
		return err
	}
	if info, err := os.Stat(source); err == nil {
		if err := r.store.SetFileSize(ctx, id, info.Size()); err != nil {
			return err
		}
	}

	r.tool, err = r.locator.Locate(ctx)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(workPath), 0o755); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	if err := r.tool.Optimize(ctx, source, workPath); err != nil {
		return err
	}

	r.total, err = r.counter.Resolve(ctx, workPath, r.tool)
	if err != nil {
		return err
	}
	if err := r.store.SetTotalPages(ctx, id, r.total); err != nil {
		return err
	}
	r.log.Info().Int("pages", r.total).Msg("rendering")

	if err := r.rasterize(ctx, workPath, pagesDir); err != nil {
		return err
	}

	if err := moveFile(source, finalPath); err != nil {
		return models.NewError(models.KindFileMoveFailed, fmt.Sprintf("move %s to %s", source, finalPath), err)
	}
	if err := r.store.CompleteRun(ctx, id, finalPath, r.total); err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Dir(workPath)); err != nil {
		r.log.Warn().Err(err).Msg("remove work dir")
	}
	return nil
}

// begin moves the magazine into processing and throws away everything a
// previous run left behind.
func (r *run) begin(ctx context.Context, pagesDir, workPath string) error {
	if err := r.store.StartRun(ctx, r.m.ID); err != nil {
		return err
	}
	if err := r.store.DeletePages(ctx, r.m.ID); err != nil {
		return err
	}
	for _, dir := range []string{pagesDir, filepath.Dir(workPath)} {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("discard previous artifacts: %w", err)
		}
	}
	return nil
}

// locateSource adopts the job's path only while the record has none, then
// resolves the stored path. A job never overrides a stored path: after a
// completed run the job still names the staging copy that was moved away.
func (r *run) locateSource(ctx context.Context, job models.Job) (string, error) {
	if r.m.FilePath() == "" && job.FilePath != "" {
		if err := r.store.SetFilePath(ctx, r.m.ID, job.FilePath); err != nil {
			return "", err
		}
		path := job.FilePath
		r.m.OriginalFilePath = &path
	}
	source, _, err := r.resolver.Heal(ctx, r.m)
	return source, err
}

// moveFile renames src to dst, copying when they sit on different devices.
func moveFile(src, dst string) error {
	if filepath.Clean(src) == filepath.Clean(dst) {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}
