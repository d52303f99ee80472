package email

import (
	"context"
	"crypto/tls"
	"errors"
	"net/textproto"
	"regexp"
	"strings"
	"time"

	mail "github.com/go-mail/mail"
	"github.com/rs/zerolog"

	"github.com/baechuer/real-time-ressys/services/verify-service/internal/application/notify"
)

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Timeout  time.Duration
	// Insecure allows plaintext when the server offers no STARTTLS (local mailcatcher).
	Insecure bool
}

// SMTPSender opens one connection per message; it holds no connection state
// and is safe for concurrent use.
type SMTPSender struct {
	lg     zerolog.Logger
	cfg    SMTPConfig
	dialer *mail.Dialer
}

func NewSMTPSender(cfg SMTPConfig, lg zerolog.Logger) *SMTPSender {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	d := mail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	d.Timeout = cfg.Timeout
	d.TLSConfig = &tls.Config{ServerName: cfg.Host, InsecureSkipVerify: cfg.Insecure}
	d.StartTLSPolicy = mail.MandatoryStartTLS
	if cfg.Insecure {
		d.StartTLSPolicy = mail.OpportunisticStartTLS
	}
	if cfg.Port == 465 {
		d.SSL = true
	}

	return &SMTPSender{
		lg:     lg.With().Str("component", "smtp_sender").Logger(),
		cfg:    cfg,
		dialer: d,
	}
}

func (s *SMTPSender) Send(ctx context.Context, to, subject, htmlBody, textBody string) error {
	if err := ctx.Err(); err != nil {
		return notify.TemporaryError{Msg: "send aborted: " + err.Error()}
	}

	m := mail.NewMessage()
	m.SetHeader("From", s.cfg.From)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)

	// Text fallback + HTML alternative
	if textBody != "" {
		m.SetBody("text/plain", textBody)
		if htmlBody != "" {
			m.AddAlternative("text/html", htmlBody)
		}
	} else {
		m.SetBody("text/html", htmlBody)
	}

	s.lg.Debug().Str("host", s.cfg.Host).Int("port", s.cfg.Port).Str("to", to).Msg("attempting smtp send")

	if err := s.dialer.DialAndSend(m); err != nil {
		s.lg.Error().Err(err).Str("to", to).Msg("smtp send failed")
		return classify(err)
	}

	s.lg.Info().Str("to", to).Msg("smtp send ok")
	return nil
}

// replyCode finds an SMTP reply code at the start of a message or after ": ".
var replyCode = regexp.MustCompile(`(?:^|: )([45])\d\d[ -]`)

// classify maps an SMTP failure to notify.PermanentError (5xx replies, auth
// rejection, bad address) or notify.TemporaryError (everything else).
// DialAndSend reports RCPT/DATA failures as *mail.SendError, which does not
// unwrap, so its Cause is inspected directly.
func classify(err error) error {
	cause := err
	var se *mail.SendError
	if errors.As(err, &se) && se.Cause != nil {
		cause = se.Cause
	}

	var te *textproto.Error
	if errors.As(cause, &te) {
		if te.Code >= 500 {
			return notify.PermanentError{Msg: "smtp rejected: " + err.Error()}
		}
		return notify.TemporaryError{Msg: "smtp deferred: " + err.Error()}
	}

	msg := err.Error()
	if containsAny(msg, "5.7.8", "authentication failed", "Username and Password not accepted", "mail: invalid address", "mail: no address") {
		return notify.PermanentError{Msg: "smtp permanent failure: " + msg}
	}
	if m := replyCode.FindStringSubmatch(cause.Error()); m != nil && m[1] == "5" {
		return notify.PermanentError{Msg: "smtp rejected: " + msg}
	}
	return notify.TemporaryError{Msg: "smtp transient failure: " + msg}
}

func containsAny(s string, subs ...string) bool {
	for _, x := range subs {
		if x != "" && strings.Contains(s, x) {
			return true
		}
	}
	return false
}
