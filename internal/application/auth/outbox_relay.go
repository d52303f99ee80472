package auth

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/baechuer/real-time-ressys/services/verify-service/internal/domain"
	"github.com/baechuer/real-time-ressys/services/verify-service/internal/metrics"
)

/*
OutboxRelay
-----------
Republishes verification tasks whose synchronous publish during Register failed
(broker down, confirm timeout, process crash between commit and publish).

Only rows older than MinAge are picked up so the relay does not race a Register
call that is still publishing.
*/
type OutboxRelay struct {
	outbox OutboxStore
	pub    TaskPublisher

	interval time.Duration
	limit    int
	minAge   time.Duration
	now      func() time.Time
	lg       zerolog.Logger
}

type RelayConfig struct {
	Interval time.Duration
	Limit    int
	MinAge   time.Duration
}

func NewOutboxRelay(outbox OutboxStore, pub TaskPublisher, cfg RelayConfig, lg zerolog.Logger) *OutboxRelay {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 50
	}
	if cfg.MinAge <= 0 {
		cfg.MinAge = 5 * time.Second
	}
	return &OutboxRelay{
		outbox:   outbox,
		pub:      pub,
		interval: cfg.Interval,
		limit:    cfg.Limit,
		minAge:   cfg.MinAge,
		now:      time.Now,
		lg:       lg.With().Str("component", "outbox_relay").Logger(),
	}
}

// Run polls until ctx is cancelled.
func (r *OutboxRelay) Run(ctx context.Context) error {
	r.lg.Info().Dur("interval", r.interval).Msg("outbox relay started")

	t := time.NewTicker(r.interval)
	defer t.Stop()

	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.lg.Warn().Err(err).Msg("outbox relay pass failed")
		}

		select {
		case <-ctx.Done():
			r.lg.Info().Msg("outbox relay stopped")
			return nil
		case <-t.C:
		}
	}
}

// RunOnce publishes one batch and returns how many tasks reached the broker.
// It stops at the first publish failure; the broker is most likely still down.
func (r *OutboxRelay) RunOnce(ctx context.Context) (int, error) {
	msgs, err := r.outbox.PendingOutbox(ctx, r.now().Add(-r.minAge), r.limit)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, m := range msgs {
		if m.AccountVerified {
			// The link would point at a token that no longer exists.
			r.discard(ctx, m, "already_verified", "account already verified")
			continue
		}

		task, err := domain.DecodeVerificationTask(m.Payload)
		if err != nil {
			r.lg.Error().Err(err).Str("outbox_id", m.ID).Str("account_id", m.AccountID).Msg("outbox row has unusable payload")
			r.discard(ctx, m, "bad_payload", err.Error())
			continue
		}

		if err := r.pub.Publish(ctx, task); err != nil {
			return published, err
		}

		if err := r.outbox.MarkOutboxPublished(ctx, m.AccountID); err != nil {
			r.lg.Warn().Err(err).Str("account_id", m.AccountID).Msg("outbox mark failed after relay publish")
		}
		published++
	}

	if published > 0 {
		metrics.RecordOutboxRelayed(published)
		r.lg.Info().Int("published", published).Msg("outbox relay flushed tasks")
	}
	return published, nil
}

func (r *OutboxRelay) discard(ctx context.Context, m domain.OutboxMessage, reason, detail string) {
	if err := r.outbox.MarkOutboxDiscarded(ctx, m.AccountID, reason+": "+detail); err != nil {
		r.lg.Warn().Err(err).Str("outbox_id", m.ID).Str("account_id", m.AccountID).Msg("outbox discard failed")
		return
	}
	metrics.RecordOutboxDiscarded(reason)
	r.lg.Info().Str("outbox_id", m.ID).Str("account_id", m.AccountID).Str("reason", reason).Msg("outbox row discarded")
}
