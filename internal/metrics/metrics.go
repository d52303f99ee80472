package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Worker
	tasksConsumedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "verify_tasks_consumed_total",
			Help: "Total number of verification tasks delivered to the worker",
		},
	)

	taskOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verify_task_outcomes_total",
			Help: "Verification task outcomes (sent, retried, dead_lettered, requeued)",
		},
		[]string{"outcome"},
	)

	dlqMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verify_dlq_messages_total",
			Help: "Total number of verification tasks sent to the DLQ",
		},
		[]string{"reason"},
	)

	emailSendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "verify_email_send_duration_seconds",
			Help:    "Verification email send duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
	)

	// API
	registrationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verify_registrations_total",
			Help: "Accounts registered, by whether the verification task was queued synchronously",
		},
		[]string{"queued"},
	)

	outboxRelayedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "verify_outbox_relayed_total",
			Help: "Verification tasks published by the outbox relay",
		},
	)

	outboxDiscardedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verify_outbox_discarded_total",
			Help: "Outbox rows the relay gave up on (bad_payload, already_verified)",
		},
		[]string{"reason"},
	)
)

const (
	OutcomeSent         = "sent"
	OutcomeRetried      = "retried"
	OutcomeDeadLettered = "dead_lettered"
	OutcomeRequeued     = "requeued"
)

func RecordConsumed() { tasksConsumedTotal.Inc() }

func RecordOutcome(outcome string) { taskOutcomesTotal.WithLabelValues(outcome).Inc() }

func RecordDLQ(reason string) {
	dlqMessagesTotal.WithLabelValues(reason).Inc()
	taskOutcomesTotal.WithLabelValues(OutcomeDeadLettered).Inc()
}

func ObserveSend(d time.Duration) { emailSendDuration.Observe(d.Seconds()) }

func RecordRegistration(queued bool) {
	label := "false"
	if queued {
		label = "true"
	}
	registrationsTotal.WithLabelValues(label).Inc()
}

func RecordOutboxRelayed(n int) { outboxRelayedTotal.Add(float64(n)) }

func RecordOutboxDiscarded(reason string) { outboxDiscardedTotal.WithLabelValues(reason).Inc() }

// Handler serves the default registry.
func Handler() http.Handler { return promhttp.Handler() }
