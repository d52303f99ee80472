package rabbitmq

import (
	"context"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/baechuer/real-time-ressys/services/verify-service/internal/application/notify"
	"github.com/baechuer/real-time-ressys/services/verify-service/internal/domain"
	"github.com/baechuer/real-time-ressys/services/verify-service/internal/metrics"
	appCtx "github.com/baechuer/real-time-ressys/services/verify-service/internal/pkg/context"
)

const (
	headerAttempt   = "x-attempt"
	headerDLQReason = "x-dlq-reason"
	headerLastError = "x-last-error"
	headerOrigQueue = "x-original-queue"

	reasonBadPayload  = "bad_payload"
	reasonNonRetry    = "non_retriable"
	reasonMaxAttempts = "max_attempts_exceeded"

	maxErrHeaderLen = 256
)

// TaskHandler is the app-layer contract the worker calls.
type TaskHandler interface {
	HandleTask(ctx context.Context, task domain.VerificationTask) error
}

// Republisher is the publish contract used by Worker.
// It is an interface so unit tests can inject a fake without real AMQP channels.
type Republisher interface {
	PublishRaw(ctx context.Context, queue string, body []byte, headers amqp.Table) error
}

type WorkerConfig struct {
	Queue       string
	MaxAttempts int
}

/*
Worker
------
Resolves every delivery to exactly one Outcome:
  - sent                         -> Ack
  - bad payload                  -> DLQ (bad_payload), Ack
  - permanent send error         -> DLQ (non_retriable), Ack
  - transient, attempts left     -> <queue>.retry with x-attempt+1, Ack
  - transient, attempts used up  -> DLQ (max_attempts_exceeded), Ack
  - retry/DLQ publish failed     -> Requeue
*/
type Worker struct {
	pub         Republisher
	h           TaskHandler
	queue       string
	maxAttempts int
	lg          zerolog.Logger
}

func NewWorker(pub Republisher, h TaskHandler, cfg WorkerConfig, lg zerolog.Logger) *Worker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Queue == "" {
		cfg.Queue = "email_queue"
	}
	return &Worker{
		pub:         pub,
		h:           h,
		queue:       cfg.Queue,
		maxAttempts: cfg.MaxAttempts,
		lg:          lg.With().Str("component", "verify_worker").Logger(),
	}
}

// Handle implements Handler.
func (w *Worker) Handle(ctx context.Context, d amqp.Delivery) Outcome {
	metrics.RecordConsumed()
	if d.MessageId != "" {
		ctx = appCtx.WithMessageID(ctx, d.MessageId)
	}

	task, err := domain.DecodeVerificationTask(d.Body)
	if err != nil {
		return w.deadLetter(ctx, d, reasonBadPayload, err)
	}

	start := time.Now()
	err = w.h.HandleTask(ctx, task)
	metrics.ObserveSend(time.Since(start))

	if err == nil {
		metrics.RecordOutcome(metrics.OutcomeSent)
		w.lg.Info().Str("message_id", d.MessageId).Dur("took", time.Since(start)).Msg("task processed")
		return Ack
	}

	switch {
	case domain.Is(err, reasonBadPayload):
		return w.deadLetter(ctx, d, reasonBadPayload, err)
	case notify.IsPermanent(err):
		return w.deadLetter(ctx, d, reasonNonRetry, err)
	}

	// attempt counts earlier failed deliveries; this one makes attempt+1.
	attempt := getAttempt(d.Headers)
	next := attempt + 1
	if next >= w.maxAttempts {
		return w.deadLetter(ctx, d, reasonMaxAttempts, err)
	}

	h := copyHeaders(d.Headers)
	h[headerAttempt] = int32(next)
	h[headerLastError] = truncate(err.Error(), maxErrHeaderLen)

	if pubErr := w.pub.PublishRaw(ctx, w.queue+".retry", d.Body, h); pubErr != nil {
		w.lg.Error().Err(pubErr).Int("attempt", next).Msg("retry republish failed; requeue")
		metrics.RecordOutcome(metrics.OutcomeRequeued)
		return Requeue
	}

	metrics.RecordOutcome(metrics.OutcomeRetried)
	w.lg.Warn().Err(err).Int("attempt", next).Int("max_attempts", w.maxAttempts).Msg("retriable failure: sent to retry queue")
	return Ack
}

func (w *Worker) deadLetter(ctx context.Context, d amqp.Delivery, reason string, cause error) Outcome {
	h := copyHeaders(d.Headers)
	h[headerDLQReason] = reason
	h[headerOrigQueue] = w.queue
	if cause != nil {
		h[headerLastError] = truncate(cause.Error(), maxErrHeaderLen)
	}

	if err := w.pub.PublishRaw(ctx, w.queue+".dlq", d.Body, h); err != nil {
		w.lg.Error().Err(err).Str("reason", reason).Msg("dlq republish failed; requeue")
		metrics.RecordOutcome(metrics.OutcomeRequeued)
		return Requeue
	}

	metrics.RecordDLQ(reason)
	w.lg.Error().Err(cause).Str("reason", reason).Str("message_id", d.MessageId).Msg("sent to DLQ")
	return Ack
}

func getAttempt(h amqp.Table) int {
	if h == nil {
		return 0
	}
	v, ok := h[headerAttempt]
	if !ok {
		return 0
	}
	switch t := v.(type) {
	case int:
		return t
	case int16:
		return int(t)
	case int32:
		return int(t)
	case int64:
		return int(t)
	case float64:
		return int(t)
	case string:
		n, _ := strconv.Atoi(t)
		return n
	default:
		return 0
	}
}

func copyHeaders(in amqp.Table) amqp.Table {
	out := amqp.Table{}
	for k, v := range in {
		out[k] = v
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}

// ResetAttemptHeaders prepares a dead-lettered message for replay to the main queue.
func ResetAttemptHeaders(in amqp.Table) amqp.Table {
	out := copyHeaders(in)
	delete(out, headerAttempt)
	delete(out, headerDLQReason)
	delete(out, headerLastError)
	delete(out, headerOrigQueue)
	// broker-added dead-letter history
	delete(out, "x-death")
	delete(out, "x-first-death-exchange")
	delete(out, "x-first-death-queue")
	delete(out, "x-first-death-reason")
	return out
}

// DLQReason reads the reason header written by the worker, or the broker's
// first-death reason for messages rejected without one.
func DLQReason(h amqp.Table) string {
	if v, ok := h[headerDLQReason].(string); ok {
		return v
	}
	if v, ok := h["x-first-death-reason"].(string); ok {
		return v
	}
	return "unknown"
}
