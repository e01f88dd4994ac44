package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/VanDung-dev/HieraChain-Scheduler/api"
	"github.com/VanDung-dev/HieraChain-Scheduler/config"
	"github.com/VanDung-dev/HieraChain-Scheduler/engine"
	"github.com/VanDung-dev/HieraChain-Scheduler/network"
)

func newServeCommand(configFile *string) *cobra.Command {
	var drainTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler with its HTTP, gRPC health and Arrow ingest servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, *configFile, drainTimeout)
		},
	}

	cmd.Flags().DurationVar(&drainTimeout, "drain-timeout", 30*time.Second, "time allowed for in-flight jobs on shutdown")
	return cmd
}

func serve(ctx context.Context, configFile string, drainTimeout time.Duration) error {
	cfg, log, cleanup, err := setup(configFile)
	if err != nil {
		return err
	}
	defer cleanup()

	var executor engine.Executor = engine.NewLocalExecutor(cfg.Scheduler.Pace)
	var cluster *network.Service
	if cfg.NetworkEnabled {
		cluster = network.NewService(cfg.Network, executor, log)
		if err := cluster.Start(); err != nil {
			return fmt.Errorf("failed to start network service: %w", err)
		}
		defer cluster.Stop()
		executor = cluster.Executor()
	}

	svc := &services{log: log}
	if err := svc.start(cfg, executor, cluster); err != nil {
		return err
	}

	log.WithFields(logrus.Fields{
		"http":    cfg.Server.HTTPAddr,
		"grpc":    svc.health.Addr(),
		"ingest":  svc.ingest.Addr(),
		"workers": cfg.Scheduler.Workers,
		"network": cfg.NetworkEnabled,
	}).Info("Scheduler service started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(svc.http.Start)
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		svc.shutdown(shutdownCtx)
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("Scheduler service stopped")
	return nil
}

// services are the long-running parts of serve. Everything started is
// recorded in stops so a failed start can be rolled back in reverse order.
type services struct {
	log logrus.FieldLogger

	scheduler *engine.Scheduler
	batcher   *engine.Batcher
	hub       *api.Hub
	health    *api.HealthServer
	ingest    *api.IngestServer
	http      *api.Server

	stops []func()
}

func (s *services) onStop(fn func()) {
	s.stops = append(s.stops, fn)
}

func (s *services) unwind() {
	for i := len(s.stops) - 1; i >= 0; i-- {
		s.stops[i]()
	}
	s.stops = nil
}

// start brings up the scheduler, batcher, stream hub, gRPC health and
// Arrow ingest servers. The HTTP server is built but not started. On error
// everything already running is stopped again.
func (s *services) start(cfg *config.Config, executor engine.Executor, cluster *network.Service) (err error) {
	defer func() {
		if err != nil {
			s.unwind()
		}
	}()

	ns := cfg.Server.MetricsNamespace
	metrics := api.NewMetrics(ns)

	s.scheduler = engine.New(cfg.Scheduler,
		engine.WithExecutor(executor),
		engine.WithLogger(s.log),
		engine.WithObserver(metrics),
	)
	if err := s.scheduler.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	s.onStop(func() {
		// Nothing has been submitted yet.
		_ = s.scheduler.Stop(context.Background())
	})

	s.batcher = engine.NewBatcher(cfg.Batch, s.scheduler, s.log)
	if err := s.batcher.Start(); err != nil {
		return fmt.Errorf("failed to start batcher: %w", err)
	}
	s.onStop(s.batcher.Stop)

	metrics.RegisterSchedulerGauges(ns, s.scheduler)
	metrics.RegisterBatcherGauges(ns, s.batcher)

	s.hub = api.NewHub(s.scheduler, cfg.Server.StreamInterval, s.log)
	s.hub.Start()
	s.onStop(s.hub.Stop)

	opts := []api.HandlerOption{
		api.WithLogger(s.log),
		api.WithMetrics(metrics),
		api.WithStream(s.hub),
	}
	if cluster != nil {
		opts = append(opts, api.WithCluster(cluster))
	}
	s.http = api.NewServer(cfg.Server.HTTPAddr, api.NewHandler(s.scheduler, s.batcher, opts...).Router())

	s.health = api.NewHealthServer(s.scheduler, time.Second, metrics, s.log)
	if err := s.health.StartAsync(cfg.Server.GRPCAddr); err != nil {
		return fmt.Errorf("failed to start health server: %w", err)
	}
	s.onStop(s.health.Stop)

	s.ingest = api.NewIngestServer(api.NewIngestHandler(s.batcher, metrics), s.log,
		api.WithMaxFrameSize(cfg.Server.IngestMaxFrame))
	if err := s.ingest.StartAsync(cfg.Server.IngestAddr); err != nil {
		return fmt.Errorf("failed to start ingest server: %w", err)
	}
	s.onStop(s.ingest.Stop)
	return nil
}

// shutdown stops intake first, then drains the scheduler within ctx.
func (s *services) shutdown(ctx context.Context) {
	s.ingest.Stop()
	if err := s.http.Stop(ctx); err != nil {
		s.log.WithError(err).Warn("HTTP shutdown incomplete")
	}
	// Stopping the batcher flushes pending transactions while the
	// scheduler still accepts them.
	s.batcher.Stop()
	if err := s.scheduler.Stop(ctx); err != nil {
		s.log.WithError(err).Warn("Scheduler drain incomplete")
	}
	s.hub.Stop()
	s.health.Stop()
	s.stops = nil
}
