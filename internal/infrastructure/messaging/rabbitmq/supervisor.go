package rabbitmq

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

type consumerClient interface {
	Connect(ctx context.Context) error
	Consume(ctx context.Context, handler Handler) error
}

// Supervise keeps handler consuming until ctx is cancelled, reconnecting with
// exponential backoff when the delivery stream drops.
func Supervise(ctx context.Context, c consumerClient, handler Handler, lg zerolog.Logger) error {
	lg = lg.With().Str("component", "consumer_supervisor").Logger()

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := c.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			lg.Error().Err(err).Dur("backoff", backoff).Msg("connect failed; retrying")
			if !sleepOrDone(ctx, backoff) {
				return nil
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}

		start := time.Now()
		err := c.Consume(ctx, handler)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(start) > maxBackoff {
			backoff = time.Second
		}

		lg.Warn().Err(err).Dur("backoff", backoff).Msg("consume ended; reconnecting")
		if !sleepOrDone(ctx, backoff) {
			return nil
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
