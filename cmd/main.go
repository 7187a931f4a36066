package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"flipbook/internal/app"
	"flipbook/internal/logger"
	"flipbook/internal/models"
	"flipbook/internal/pipeline"
	"flipbook/internal/queue"
	"flipbook/internal/server"
	"flipbook/internal/tracing"
)

func main() {
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}
	cfg, err := models.LoadConfig(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logg := logger.New(cfg.Log.Level, cfg.Log.Format, cfg.Tracing.ServiceName, os.Stdout)

	shutdownTracer, err := tracing.InitTracer(cfg.Tracing.ServiceName, cfg.Tracing.Endpoint, logg)
	if err != nil {
		logg.Fatal().Err(err).Msg("failed to init tracing")
	}

	ctx, cancel := context.WithCancel(context.Background())

	a, err := app.New(ctx, cfg, logg)
	if err != nil {
		logg.Fatal().Err(err).Msg("failed to init app")
	}
	defer a.Close()

	pool := queue.NewPool(cfg.Workers, cfg.Workers*4, a.Handle, logg)
	pool.Start(ctx)

	var (
		enqueuer pipeline.Enqueuer = pool
		producer *queue.Producer
		consumer *queue.Consumer
		consumed = make(chan struct{})
	)
	if cfg.Kafka.Broker != "" {
		producer = queue.NewProducer(cfg.Kafka.Broker, cfg.Kafka.Topic)
		consumer = queue.NewConsumer(cfg.Kafka.Broker, cfg.Kafka.Topic, cfg.Kafka.Group, pool, logg)
		enqueuer = producer
		go func() {
			defer close(consumed)
			if err := consumer.Run(ctx); err != nil {
				logg.Error().Err(err).Msg("kafka consumer stopped")
			}
		}()
	} else {
		logg.Warn().Msg("no kafka broker configured, jobs are queued in process")
		close(consumed)
	}

	rec, sweeper := a.Recovery(enqueuer)
	sweeper.Start(ctx, cfg.Sweep.Interval)

	srv := server.NewServer(cfg, a.Store, enqueuer, rec, a.Layout, logg)
	go func() {
		if err := srv.Start(); err != nil {
			logg.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	// Graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logg.Info().Msg("shutting down")

	stopCtx, stop := context.WithTimeout(context.Background(), 15*time.Second)
	defer stop()
	if err := srv.Stop(stopCtx); err != nil {
		logg.Error().Err(err).Msg("http shutdown")
	}
	cancel()
	sweeper.Stop()
	<-consumed
	if consumer != nil {
		consumer.Close()
	}
	pool.Stop()
	if producer != nil {
		producer.Close()
	}
	if err := shutdownTracer(stopCtx); err != nil {
		logg.Error().Err(err).Msg("tracer shutdown")
	}
}
