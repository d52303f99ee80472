package email

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/baechuer/real-time-ressys/services/verify-service/internal/application/notify"
)

// FakeSender is a development/testing sender that logs instead of mailing.
//
// Mode:
//   - "none" (default): always succeed
//   - "transient": fail FailFirst calls with a TemporaryError, then succeed
//     (every call when FailFirst is 0)
//   - "permanent": always return a PermanentError
type FakeSender struct {
	lg zerolog.Logger

	mode      string
	failFirst int

	mu    sync.Mutex
	calls int
	sent  []FakeMail
}

type FakeMail struct {
	To      string
	Subject string
	HTML    string
	Text    string
}

func NewFakeSender(mode string, failFirst int, lg zerolog.Logger) *FakeSender {
	return &FakeSender{
		lg:        lg.With().Str("component", "fake_sender").Logger(),
		mode:      mode,
		failFirst: failFirst,
	}
}

func (s *FakeSender) Send(ctx context.Context, to, subject, htmlBody, textBody string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++

	switch s.mode {
	case "transient":
		if s.failFirst == 0 || s.calls <= s.failFirst {
			return notify.TemporaryError{Msg: fmt.Sprintf("fake transient failure (call %d)", s.calls)}
		}
	case "permanent":
		return notify.PermanentError{Msg: "fake permanent failure"}
	}

	s.sent = append(s.sent, FakeMail{To: to, Subject: subject, HTML: htmlBody, Text: textBody})
	s.lg.Info().Str("to", to).Str("subject", subject).Msg("FAKE send email")
	return nil
}

func (s *FakeSender) Sent() []FakeMail {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]FakeMail(nil), s.sent...)
}

func (s *FakeSender) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
