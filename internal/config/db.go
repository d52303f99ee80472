package config

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jackc/pgx/v5/tracelog"
	zlog "github.com/rs/zerolog/log"
)

// NewDB opens a *sql.DB on the pgx driver and pings it so startup fails fast
// when Postgres is unreachable. debug traces every query at debug level.
func NewDB(dsn string, debug bool) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("empty DB DSN")
	}
	pcfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse DB_ADDR: %w", err)
	}
	if debug {
		pcfg.Tracer = &tracelog.TraceLog{
			Logger:   tracelog.LoggerFunc(logQuery),
			LogLevel: tracelog.LogLevelDebug,
		}
	}

	db := stdlib.OpenDB(*pcfg)
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	zlog.Info().
		Str("host", pcfg.Host).
		Uint16("port", pcfg.Port).
		Str("database", pcfg.Database).
		Bool("trace", debug).
		Msg("db connected")
	return db, nil
}

func logQuery(_ context.Context, level tracelog.LogLevel, msg string, data map[string]any) {
	ev := zlog.Debug()
	switch {
	case level <= tracelog.LogLevelError:
		ev = zlog.Error()
	case level == tracelog.LogLevelWarn:
		ev = zlog.Warn()
	}
	ev.Str("component", "pgx").Fields(data).Msg(msg)
}
