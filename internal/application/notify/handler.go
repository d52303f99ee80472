package notify

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/baechuer/real-time-ressys/services/verify-service/internal/domain"
	appCtx "github.com/baechuer/real-time-ressys/services/verify-service/internal/pkg/context"
)

// Sender delivers one rendered email. Implementations return TemporaryError or
// PermanentError so the worker can pick retry or dead-letter.
type Sender interface {
	Send(ctx context.Context, to, subject, htmlBody, textBody string) error
}

type IdempotencyStore interface {
	// Seen returns true if key already marked as sent.
	Seen(ctx context.Context, key string) (bool, error)

	// MarkSent marks key as sent with TTL. Marking an existing key is not an error.
	MarkSent(ctx context.Context, key string, ttl time.Duration) error
}

type Config struct {
	// VerifyBaseURL is the public verify route; the token is appended as the last path segment.
	VerifyBaseURL  string
	IdempotencyTTL time.Duration
}

type Service struct {
	sender  Sender
	idem    IdempotencyStore // nil => disabled
	ttl     time.Duration
	baseURL string
	lg      zerolog.Logger
}

func NewService(sender Sender, idem IdempotencyStore, cfg Config, lg zerolog.Logger) *Service {
	ttl := cfg.IdempotencyTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{
		sender:  sender,
		idem:    idem,
		ttl:     ttl,
		baseURL: strings.TrimRight(cfg.VerifyBaseURL, "/"),
		lg:      lg.With().Str("component", "notify_service").Logger(),
	}
}

// HandleTask sends the verification email for task.
// A task whose token was already mailed is skipped. Idempotency store failures
// are logged and do not block the send; a duplicate email beats a lost one.
func (s *Service) HandleTask(ctx context.Context, task domain.VerificationTask) error {
	if err := task.Validate(); err != nil {
		return err
	}

	key := IdempotencyKey(task.Token)
	lg := s.logFor(ctx)

	if s.idem != nil {
		seen, err := s.idem.Seen(ctx, key)
		if err != nil {
			lg.Warn().Err(err).Str("key", key).Msg("idempotency check failed; sending anyway")
		} else if seen {
			lg.Info().Str("email", task.Email).Msg("idempotent skip (already sent)")
			return nil
		}
	}

	link := VerifyLink(s.baseURL, task.Token)
	msg, err := renderVerifyEmail(link)
	if err != nil {
		return PermanentError{Msg: "render verify email: " + err.Error()}
	}

	if err := s.sender.Send(ctx, task.Email, msg.Subject, msg.HTML, msg.Text); err != nil {
		return err
	}

	if s.idem != nil {
		if err := s.idem.MarkSent(ctx, key, s.ttl); err != nil {
			lg.Warn().Err(err).Str("key", key).Msg("idempotency mark failed (send already succeeded)")
		}
	}

	lg.Info().Str("email", task.Email).Msg("verify email sent")
	return nil
}

func (s *Service) logFor(ctx context.Context) *zerolog.Logger {
	l := s.lg
	if mid := appCtx.MessageIDFrom(ctx); mid != "" {
		l = l.With().Str("message_id", mid).Logger()
	}
	return &l
}

func IdempotencyKey(token string) string {
	return "verify:sent:" + token
}

// VerifyLink appends the escaped token to base.
func VerifyLink(base, token string) string {
	return strings.TrimRight(base, "/") + "/" + url.PathEscape(token)
}
