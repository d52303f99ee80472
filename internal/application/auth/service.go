package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/baechuer/real-time-ressys/services/verify-service/internal/domain"
)

// verificationTokenBytes gives 256 bits of entropy per token.
const verificationTokenBytes = 32

type Service struct {
	accounts AccountStore
	outbox   OutboxStore
	hasher   PasswordHasher
	signer   TokenSigner
	pub      TaskPublisher

	sessionTTL time.Duration
	audit      func(action string, fields map[string]string)
	now        func() time.Time
	newToken   func() (string, error)
	lg         zerolog.Logger
}

type Config struct {
	SessionTTL time.Duration
}

func NewService(
	accounts AccountStore,
	outbox OutboxStore,
	hasher PasswordHasher,
	signer TokenSigner,
	pub TaskPublisher,
	cfg Config,
	lg zerolog.Logger,
) *Service {
	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Service{
		accounts:   accounts,
		outbox:     outbox,
		hasher:     hasher,
		signer:     signer,
		pub:        pub,
		sessionTTL: ttl,
		audit:      func(string, map[string]string) {},
		now:        time.Now,
		newToken:   func() (string, error) { return newOpaqueToken(verificationTokenBytes) },
		lg:         lg.With().Str("component", "auth_service").Logger(),
	}
}

func (s *Service) WithAudit(fn func(action string, fields map[string]string)) *Service {
	if fn != nil {
		s.audit = fn
	}
	return s
}

type RegisterResult struct {
	Account domain.Account
	// Queued is false when the account was created but the task is still waiting
	// in the outbox for the relay.
	Queued bool
}

type LoginResult struct {
	Account   domain.Account
	Token     string
	ExpiresIn int64 // seconds
}

// newOpaqueToken returns a URL-safe opaque token.
func newOpaqueToken(bytesLen int) (string, error) {
	if bytesLen <= 0 {
		return "", errors.New("invalid token length")
	}
	b := make([]byte, bytesLen)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
