// Package memory is a process-local account store for development and tests.
// It keeps the same contract as the Postgres store, including the outbox row
// written with each account.
package memory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/baechuer/real-time-ressys/services/verify-service/internal/domain"
)

var errTokenCollision = errors.New("verification token already in use")

type AccountRepo struct {
	mu sync.RWMutex

	byID    map[string]domain.Account
	byEmail map[string]string // email -> id
	byToken map[string]string // token -> id
	outbox  map[string]domain.OutboxMessage

	now func() time.Time
}

func NewAccountRepo() *AccountRepo {
	return &AccountRepo{
		byID:    map[string]domain.Account{},
		byEmail: map[string]string{},
		byToken: map[string]string{},
		outbox:  map[string]domain.OutboxMessage{},
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (r *AccountRepo) CreateUser(ctx context.Context, email, passwordHash, token string) (domain.Account, error) {
	email = domain.NormalizeEmail(email)
	if email == "" {
		return domain.Account{}, domain.ErrMissingField("email")
	}
	if passwordHash == "" {
		return domain.Account{}, domain.ErrMissingField("password_hash")
	}
	if token == "" {
		return domain.Account{}, domain.ErrMissingField("verification_token")
	}

	payload, err := domain.VerificationTask{Email: email, Token: token}.Encode()
	if err != nil {
		return domain.Account{}, domain.ErrInternal(err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byEmail[email]; ok {
		return domain.Account{}, domain.ErrEmailAlreadyExists()
	}
	if _, ok := r.byToken[token]; ok {
		return domain.Account{}, domain.ErrInternal(errTokenCollision)
	}

	now := r.now()
	a := domain.Account{
		ID:                uuid.NewString(),
		Email:             email,
		PasswordHash:      passwordHash,
		VerificationToken: token,
		CreatedAt:         now,
	}
	r.byID[a.ID] = a
	r.byEmail[email] = a.ID
	r.byToken[token] = a.ID
	r.outbox[a.ID] = domain.OutboxMessage{
		ID:        uuid.NewString(),
		AccountID: a.ID,
		Payload:   payload,
		Status:    domain.OutboxPending,
		CreatedAt: now,
	}
	return a, nil
}

func (r *AccountRepo) FindByVerificationToken(ctx context.Context, token string) (domain.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byToken[token]
	if !ok || token == "" {
		return domain.Account{}, domain.ErrInvalidToken()
	}
	return r.byID[id], nil
}

func (r *AccountRepo) FindByEmail(ctx context.Context, email string) (domain.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byEmail[domain.NormalizeEmail(email)]
	if !ok {
		return domain.Account{}, domain.ErrAccountNotFound()
	}
	return r.byID[id], nil
}

// Save only updates accounts that are still unverified, which makes
// consuming a token a one-shot operation under concurrency.
func (r *AccountRepo) Save(ctx context.Context, a domain.Account) error {
	if strings.TrimSpace(a.ID) == "" {
		return domain.ErrMissingField("id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.byID[a.ID]
	if !ok || cur.Verified {
		return domain.ErrInvalidToken()
	}

	if cur.VerificationToken != a.VerificationToken {
		delete(r.byToken, cur.VerificationToken)
		if a.VerificationToken != "" {
			r.byToken[a.VerificationToken] = a.ID
		}
	}
	cur.VerificationToken = a.VerificationToken
	cur.Verified = a.Verified
	cur.VerifiedAt = a.VerifiedAt
	r.byID[a.ID] = cur
	return nil
}

// List returns accounts newest first.
func (r *AccountRepo) List(ctx context.Context) ([]domain.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Account, 0, len(r.byID))
	for _, a := range r.byID {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (r *AccountRepo) PendingOutbox(ctx context.Context, createdBefore time.Time, limit int) ([]domain.OutboxMessage, error) {
	if limit <= 0 {
		limit = 50
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []domain.OutboxMessage
	for _, m := range r.outbox {
		if m.Status == domain.OutboxPending && m.CreatedAt.Before(createdBefore) {
			m.AccountVerified = r.byID[m.AccountID].Verified
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *AccountRepo) MarkOutboxPublished(ctx context.Context, accountID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.outbox[accountID]
	if !ok {
		return domain.ErrAccountNotFound()
	}
	m.Status = domain.OutboxPublished
	m.Attempts++
	r.outbox[accountID] = m
	return nil
}

func (r *AccountRepo) MarkOutboxDiscarded(ctx context.Context, accountID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.outbox[accountID]
	if !ok || m.Status != domain.OutboxPending {
		return domain.ErrAccountNotFound()
	}
	m.Status = domain.OutboxDiscarded
	r.outbox[accountID] = m
	return nil
}

// Ping always succeeds.
func (r *AccountRepo) Ping(ctx context.Context) error { return nil }
