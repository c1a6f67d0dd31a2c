package main

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/07raghavan/chatak-eco-soundscape-sub002/internal/core"
	"github.com/07raghavan/chatak-eco-soundscape-sub002/internal/metrics"
	"github.com/07raghavan/chatak-eco-soundscape-sub002/internal/pipeline"
	"github.com/07raghavan/chatak-eco-soundscape-sub002/internal/progress"
	"github.com/07raghavan/chatak-eco-soundscape-sub002/internal/scheduler"
	"github.com/07raghavan/chatak-eco-soundscape-sub002/internal/server"
	"github.com/07raghavan/chatak-eco-soundscape-sub002/internal/store"
	"github.com/07raghavan/chatak-eco-soundscape-sub002/internal/worker"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	cfg := server.LoadConfig()
	if cfg.APIKey == "" && !cfg.AllowInsecure {
		slog.Error("refusing to start without API authentication",
			"hint", "set CHATAK_API_KEY or CHATAK_INSECURE_NO_AUTH=true for local development")
		os.Exit(1)
	}
	if cfg.APIKey == "" {
		slog.Warn("running without authentication, intended for local development only")
	}

	st, err := store.Open(store.Options{
		Driver:             cfg.DBDriver,
		DSN:                cfg.DBDSN,
		DefaultMaxAttempts: cfg.DefaultMaxAttempts,
	})
	if err != nil {
		slog.Error("failed to open job store", "error", err)
		os.Exit(1)
	}
	defer st.Close()
	slog.Info("job store ready", "driver", st.Driver())

	metrics.Init(core.Version, st.Driver())

	// Worker with the audio pipeline handlers.
	wk := worker.New(st, cfg.RetryPolicy)
	handlers := pipeline.NewHandlers(
		pipeline.NewDirLibrary(cfg.AudioDir),
		pipeline.NewPythonRunner(cfg.PythonBin, cfg.ScriptDir),
		cfg.OutputDir,
	)
	if len(cfg.WorkerTypes) > 0 {
		err = handlers.RegisterTypes(wk, cfg.WorkerTypes)
	} else {
		err = handlers.RegisterAll(wk)
	}
	if err != nil {
		slog.Error("failed to register pipeline handlers", "error", err)
		os.Exit(1)
	}
	if cfg.WorkerAutostart {
		if err := wk.Start(cfg.WorkerInterval); err != nil {
			slog.Error("failed to start worker", "error", err)
			os.Exit(1)
		}
	}

	// Background maintenance: reaper plus recurring schedules.
	sched := scheduler.New(st, scheduler.Options{
		Interval:   cfg.SchedulerInterval,
		StaleAfter: cfg.StaleThreshold,
	})
	sched.Start()

	router := server.NewRouter(server.Deps{
		Store:     st,
		Worker:    wk,
		Scheduler: sched,
		Watcher:   progress.NewWatcher(st, cfg.StreamInterval),
		Config:    cfg,
	})
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		slog.Info("job server listening", "port", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	grpcServer, healthSrv := server.NewGRPCServer()
	go func() {
		lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
		if err != nil {
			slog.Error("failed to listen for gRPC", "port", cfg.GRPCPort, "error", err)
			os.Exit(1)
		}
		slog.Info("gRPC health server listening", "port", cfg.GRPCPort)
		if err := grpcServer.Serve(lis); err != nil {
			slog.Error("gRPC server error", "error", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server")
	healthSrv.SetServingStatus(server.HealthServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	sched.Stop()
	wk.Stop()
	grpcServer.GracefulStop()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	slog.Info("server stopped")
}
