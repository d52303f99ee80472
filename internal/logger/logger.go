package logger

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	appCtx "github.com/baechuer/real-time-ressys/services/verify-service/internal/pkg/context"
)

// Logger is the process logger. It stays a no-op until Init runs so tests
// that never initialise logging stay quiet.
var Logger = zerolog.Nop()

// Init configures Logger for the named binary from LOG_* env vars, writing to stdout.
func Init(service string) {
	InitWithWriter(os.Stdout, service)
}

// InitWithWriter reads LOG_LEVEL (default info), LOG_FORMAT (json|console,
// default console), LOG_COLOR=0 and LOG_CALLER=1.
func InitWithWriter(w io.Writer, service string) {
	level, err := zerolog.ParseLevel(strings.ToLower(env("LOG_LEVEL", "info")))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var out io.Writer = w
	if env("LOG_FORMAT", "console") != "json" {
		out = zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.RFC3339,
			NoColor:    env("LOG_COLOR", "") == "0",
		}
	}

	zc := zerolog.New(out).Level(level).With().Timestamp()
	if service != "" {
		zc = zc.Str("service", service)
	}
	if env("LOG_CALLER", "") == "1" {
		zc = zc.Caller()
	}

	Logger = zc.Logger()
	zlog.Logger = Logger
}

// WithCtx returns Logger annotated with whichever correlation ids ctx holds.
func WithCtx(ctx context.Context) *zerolog.Logger {
	zc := Logger.With()
	if rid := appCtx.RequestIDFrom(ctx); rid != "" {
		zc = zc.Str("request_id", rid)
	}
	if mid := appCtx.MessageIDFrom(ctx); mid != "" {
		zc = zc.Str("message_id", mid)
	}
	l := zc.Logger()
	return &l
}

func env(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
