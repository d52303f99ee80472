// Command api serves registration, email verification and login.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/baechuer/real-time-ressys/services/verify-service/internal/bootstrap"
	"github.com/baechuer/real-time-ressys/services/verify-service/internal/logger"
)

const shutdownGrace = 15 * time.Second

// server is the slice of *http.Server that Run drives.
type server interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
	Close() error
}

type buildFunc func() (server, func(), error)

// Run serves until ctx is done or the listener fails and returns the exit code.
// In-flight requests get grace to finish before connections are cut.
func Run(ctx context.Context, build buildFunc, grace time.Duration, lg zerolog.Logger) int {
	srv, cleanup, err := build()
	if err != nil {
		lg.Error().Err(err).Msg("startup failed")
		return 1
	}
	defer cleanup()

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe() }()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return 0
		}
		lg.Error().Err(err).Msg("listener failed")
		return 1
	case <-ctx.Done():
		lg.Info().Msg("draining http server")
	}

	sctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		lg.Warn().Err(err).Dur("grace", grace).Msg("drain incomplete; closing connections")
		_ = srv.Close()
	}
	return 0
}

func main() {
	logger.Init("verify-api")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	build := func() (server, func(), error) {
		srv, cleanup, err := bootstrap.NewServer()
		if err != nil {
			return nil, nil, err
		}
		zlog.Info().Str("addr", srv.Addr).Msg("verify-api listening")
		return srv, cleanup, nil
	}
	os.Exit(Run(ctx, build, shutdownGrace, zlog.Logger))
}
