// Package app wires the pipeline components from a Config. The HTTP service
// and the recovery CLI share it.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"flipbook/internal/ghostscript"
	"flipbook/internal/lease"
	"flipbook/internal/models"
	"flipbook/internal/pathresolver"
	"flipbook/internal/pdf"
	"flipbook/internal/pipeline"
	"flipbook/internal/recovery"
	"flipbook/internal/storage"
)

type App struct {
	Cfg       *models.Config
	Log       zerolog.Logger
	Layout    pipeline.Layout
	Store     *storage.Storage
	Leases    lease.Leaser
	Locator   pipeline.Locator
	Counter   *pdf.Resolver
	Resolver  *pathresolver.Resolver
	Processor *pipeline.Processor

	closers []func() error
}

func New(ctx context.Context, cfg *models.Config, log zerolog.Logger) (*App, error) {
	const op = "app.New"

	a := &App{Cfg: cfg, Log: log, Layout: pipeline.NewLayout(cfg.StoragePath)}

	store, err := storage.NewStorage(ctx, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	a.Store = store
	a.closers = append(a.closers, func() error { store.Close(); return nil })

	if cfg.Redis.Addr != "" {
		leases, err := lease.NewRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		a.Leases = leases
		a.closers = append(a.closers, leases.Close)
	} else {
		log.Warn().Msg("no redis configured, run leases are process-local")
		a.Leases = lease.NewMemory()
	}

	locator := ghostscript.NewLocator(
		ghostscript.StrategiesFromConfig(cfg.Ghostscript),
		ghostscript.ExecExecutor{},
		cfg.Ghostscript.ProbeTimeout,
		ghostscript.SettingsFromConfig(cfg.Ghostscript),
		log,
	)
	a.Locator = pipeline.LocatorFunc(func(ctx context.Context) (pipeline.Toolchain, error) {
		tool, err := locator.Locate(ctx)
		if err != nil {
			return nil, err
		}
		return tool, nil
	})

	a.Counter = pdf.NewResolver(pdf.FitzCounter{}, log)
	roots := append([]string{cfg.StoragePath}, cfg.AlternateRoots...)
	a.Resolver = pathresolver.New(roots, store, log)
	a.Processor = pipeline.NewProcessor(store, a.Locator, a.Counter, a.Resolver, a.Leases, pipeline.Options{
		Layout:     a.Layout,
		DisplayDPI: cfg.Ghostscript.DisplayDPI,
		PreviewDPI: cfg.Ghostscript.PreviewDPI,
		LeaseTTL:   cfg.LeaseTTL,
	}, log)
	return a, nil
}

// Handle is the worker entry point. A run skipped because another run holds
// the lease is not an error.
func (a *App) Handle(ctx context.Context, job models.Job) error {
	err := a.Processor.Run(ctx, job)
	if errors.Is(err, pipeline.ErrRunInProgress) {
		return nil
	}
	return err
}

// Recovery builds the sweeper and the recovery service on top of queue.
func (a *App) Recovery(queue pipeline.Enqueuer) (*recovery.Service, *pipeline.Sweeper) {
	sweeper := pipeline.NewSweeper(a.Store, a.Leases, queue, a.Cfg.Sweep.StaleAfter, a.Log)
	svc := recovery.NewService(a.Store, a.Counter, a.Locator, a.Resolver, queue, sweeper, a.Log)
	return svc, sweeper
}

func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}
