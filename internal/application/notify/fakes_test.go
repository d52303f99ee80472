package notify

import (
	"context"
	"errors"
	"sync"
	"time"
)

type sentMail struct {
	to, subject, html, text string
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentMail
	err  error
}

func (s *fakeSender) Send(ctx context.Context, to, subject, htmlBody, textBody string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, sentMail{to: to, subject: subject, html: htmlBody, text: textBody})
	return nil
}

func (s *fakeSender) Sent() []sentMail {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentMail(nil), s.sent...)
}

type fakeIdem struct {
	mu sync.Mutex

	seen map[string]bool

	seenErr error
	markErr error

	markCalls   int
	lastMarkTTL time.Duration
}

func newFakeIdem() *fakeIdem {
	return &fakeIdem{seen: map[string]bool{}}
}

func (s *fakeIdem) Seen(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.seenErr != nil {
		return false, s.seenErr
	}
	return s.seen[key], nil
}

func (s *fakeIdem) MarkSent(ctx context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.markCalls++
	s.lastMarkTTL = ttl
	if s.markErr != nil {
		return s.markErr
	}
	s.seen[key] = true
	return nil
}

var errBoom = errors.New("boom")
