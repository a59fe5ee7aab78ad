// Command radarsim drives the radar engines against a scenario and serves the results.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"driftpursuit/radarcore/internal/config"
	"driftpursuit/radarcore/internal/httpapi"
	"driftpursuit/radarcore/internal/logging"
)

const (
	shutdownTimeout  = 10 * time.Second
	cleanupInterval  = time.Hour
	readHeaderBudget = 5 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logging:", err)
		os.Exit(1)
	}
	logging.ReplaceGlobals(logger)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("radarsim exited", logging.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	var scenario *config.Scenario
	if cfg.ScenarioPath != "" {
		loaded, err := config.LoadScenario(cfg.ScenarioPath)
		if err != nil {
			return err
		}
		scenario = loaded
	}

	h, err := newHost(cfg, scenario, logger)
	if err != nil {
		return err
	}

	handlers := httpapi.Options{
		Logger:      logger,
		Readiness:   h,
		Radar:       h.filter,
		Ticks:       h.monitor.Snapshot,
		Objects:     h.store.Len,
		Feed:        h.hub,
		AdminToken:  cfg.AdminToken,
		RateLimiter: httpapi.NewSlidingWindowLimiter(cfg.ReplayFlushWindow, cfg.ReplayFlushBurst, nil),
	}
	if h.recorder != nil {
		handlers.Replay = h
		handlers.ReplayStats = h.replayStats
		handlers.ReplayStorage = h.replayStorage
		go h.cleaner.Run(ctx, cleanupInterval)
	}
	server := &http.Server{
		Addr:              cfg.Address,
		Handler:           httpapi.NewHandlerSet(handlers).NewRouter(),
		ReadHeaderTimeout: readHeaderBudget,
	}

	//1.- Bind both listeners before ticking so address errors surface immediately.
	listener, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		_ = h.Close()
		return fmt.Errorf("listen %s: %w", cfg.Address, err)
	}
	grpcServer, checker := newGRPCServer(cfg.GRPCSharedSecret, logger)
	var grpcListener net.Listener
	if cfg.GRPCAddress != "" {
		grpcListener, err = net.Listen("tcp", cfg.GRPCAddress)
		if err != nil {
			listener.Close()
			_ = h.Close()
			return fmt.Errorf("listen grpc %s: %w", cfg.GRPCAddress, err)
		}
	}

	serveErr := make(chan error, 2)
	go func() {
		logger.Info("http listening", logging.String("addr", cfg.Address))
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("http server: %w", err)
		}
	}()
	if grpcListener != nil {
		go func() {
			logger.Info("grpc health listening", logging.String("addr", cfg.GRPCAddress))
			if err := grpcServer.Serve(grpcListener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				serveErr <- fmt.Errorf("grpc server: %w", err)
			}
		}()
	}

	//2.- Prime one pass synchronously so readiness flips as soon as the loop starts.
	h.loop.RunOnce()
	h.loop.Start(ctx)
	setServing(checker, true)
	logger.Info("radar loop started", logging.Float64("tick_hz", cfg.TickHz), logging.Int("objects", h.store.Len()))

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case runErr = <-serveErr:
	}

	//3.- Unwind in reverse dependency order: stop ticking, drain transports, then release engines.
	setServing(checker, false)
	h.loop.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	checker.Shutdown()
	grpcServer.GracefulStop()
	if err := server.Shutdown(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("http shutdown: %w", err))
	}
	if err := h.Close(); err != nil {
		runErr = errors.Join(runErr, err)
	}
	if h.recorder != nil {
		stats := h.recorder.Snapshot()
		logger.Info("replay session closed", logging.Int64("events", stats.Events), logging.Int64("frames", stats.Frames))
	}
	return runErr
}

var (
	_ httpapi.ReadinessProvider = (*host)(nil)
	_ httpapi.ReplayFlusher     = (*host)(nil)
)
