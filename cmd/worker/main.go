// Command worker consumes verification tasks and sends the emails.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/baechuer/real-time-ressys/services/verify-service/internal/bootstrap"
	"github.com/baechuer/real-time-ressys/services/verify-service/internal/logger"
)

const stopGrace = 20 * time.Second

// app is what bootstrap.App provides: Start blocks until Stop or a fatal error.
type app interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type buildFunc func() (app, func(), error)

// Run starts the worker and, once ctx is done, stops it so in-flight
// deliveries are settled before the broker connection closes.
func Run(ctx context.Context, build buildFunc, grace time.Duration, lg zerolog.Logger) int {
	a, cleanup, err := build()
	if err != nil {
		lg.Error().Err(err).Msg("startup failed")
		return 1
	}
	defer cleanup()

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	startErr := make(chan error, 1)
	go func() { startErr <- a.Start(runCtx) }()

	select {
	case err := <-startErr:
		if err == nil || errors.Is(err, context.Canceled) {
			return 0
		}
		lg.Error().Err(err).Msg("worker exited")
		return 1
	case <-ctx.Done():
		lg.Info().Msg("stopping worker")
	}

	sctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := a.Stop(sctx); err != nil {
		lg.Error().Err(err).Dur("grace", grace).Msg("worker did not drain in time")
		return 1
	}
	return 0
}

func main() {
	logger.Init("verify-worker")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	build := func() (app, func(), error) {
		a, cleanup, err := bootstrap.NewApp()
		if err != nil {
			return nil, nil, err
		}
		return a, cleanup, nil
	}
	os.Exit(Run(ctx, build, stopGrace, zlog.Logger))
}
