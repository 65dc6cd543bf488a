// Package app wires up and runs the agent services.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jobscope/jobscope-agent/internal/agent"
	"github.com/jobscope/jobscope-agent/internal/config"
	"github.com/jobscope/jobscope-agent/internal/gpu"
	"github.com/jobscope/jobscope-agent/internal/httpserver"
)

const shutdownTimeout = 10 * time.Second

// Run bootstraps the agent lifecycle.
func Run(ctx context.Context, baseLogger *slog.Logger, cfg config.Config) error {
	appLogger := baseLogger.With("component", "app")

	gpuManager := gpu.NewManager(baseLogger.With("component", "gpu"))
	defer gpuManager.Close()

	devices := gpuManager.Devices()
	appLogger.Info("gpu inventory", "count", len(devices))

	sampler, err := agent.New(cfg, baseLogger, devices)
	if err != nil {
		return fmt.Errorf("init agent: %w", err)
	}

	// One-shot mode has no server component: take the snapshot and exit.
	if !cfg.Continuous {
		return sampler.Run(ctx)
	}

	agentCtx, agentCancel := context.WithCancel(ctx)
	defer agentCancel()

	agentErrCh := make(chan error, 1)
	go func() {
		agentErrCh <- sampler.Run(agentCtx)
	}()

	if !cfg.EnableHTTP {
		select {
		case err := <-agentErrCh:
			return err
		case <-ctx.Done():
			appLogger.Info("shutdown initiated", "reason", ctx.Err())
			agentCancel()
			return <-agentErrCh
		}
	}

	srv := httpserver.New(cfg, baseLogger, sampler)

	appLogger.Info("starting HTTP server", "listen_addr", cfg.ListenAddr)

	srvErrCh := make(chan error, 1)
	go func() {
		srvErrCh <- srv.Start()
	}()

	for {
		select {
		case err := <-agentErrCh:
			agentErrCh = nil
			if err != nil && !errors.Is(err, context.Canceled) {
				shutdownHTTP(srv, appLogger)
				<-srvErrCh
				return err
			}
		case err := <-srvErrCh:
			agentCancel()
			if err != nil {
				return err
			}
			if agentErrCh != nil {
				if agentErr := <-agentErrCh; agentErr != nil && !errors.Is(agentErr, context.Canceled) {
					return agentErr
				}
			}
			return nil
		case <-ctx.Done():
			appLogger.Info("shutdown initiated", "reason", ctx.Err())

			if err := shutdownHTTP(srv, appLogger); err != nil {
				return err
			}
			if err := <-srvErrCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}

			agentCancel()
			if agentErrCh != nil {
				if agentErr := <-agentErrCh; agentErr != nil && !errors.Is(agentErr, context.Canceled) {
					return agentErr
				}
			}

			appLogger.Info("shutdown complete")
			return nil
		}
	}
}

func shutdownHTTP(srv *httpserver.Server, logger *slog.Logger) error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
