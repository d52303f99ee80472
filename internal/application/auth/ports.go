package auth

import (
	"context"
	"time"

	"github.com/baechuer/real-time-ressys/services/verify-service/internal/domain"
)

/*
AccountStore
------------
Persistence port for accounts.
CreateUser must also record the account's verification task in the outbox,
atomically with the account row.
*/
type AccountStore interface {
	CreateUser(ctx context.Context, email, passwordHash, token string) (domain.Account, error)
	// FindByVerificationToken matches the token exactly (case-sensitive).
	// Returns domain.ErrInvalidToken when no account currently holds it.
	FindByVerificationToken(ctx context.Context, token string) (domain.Account, error)
	FindByEmail(ctx context.Context, email string) (domain.Account, error)
	// Save persists the verification state. It refuses to overwrite an account
	// that is already verified, so a token can only be consumed once.
	Save(ctx context.Context, a domain.Account) error
	List(ctx context.Context) ([]domain.Account, error)
}

/*
OutboxStore
-----------
Pending verification tasks that still need to reach the broker.
*/
type OutboxStore interface {
	PendingOutbox(ctx context.Context, createdBefore time.Time, limit int) ([]domain.OutboxMessage, error)
	MarkOutboxPublished(ctx context.Context, accountID string) error
	// MarkOutboxDiscarded takes a pending row out of the relay for good.
	MarkOutboxDiscarded(ctx context.Context, accountID, reason string) error
}

/*
TaskPublisher
-------------
Puts a verification task on the durable queue.
The worker process consumes it and sends the email.
*/
type TaskPublisher interface {
	Publish(ctx context.Context, task domain.VerificationTask) error
}

type PasswordHasher interface {
	Hash(password string) (string, error)
	Compare(hash string, password string) error // nil if match
}

type TokenSigner interface {
	SignSessionToken(accountID, email string, ttl time.Duration) (string, error)
}
