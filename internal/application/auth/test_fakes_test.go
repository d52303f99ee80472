package auth

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/baechuer/real-time-ressys/services/verify-service/internal/domain"
)

type auditEntry struct {
	action string
	fields map[string]string
}

/*
fakeStore implements AccountStore and OutboxStore.
*/
type fakeStore struct {
	mu sync.Mutex

	seq     int
	byID    map[string]domain.Account
	outbox  map[string]domain.OutboxMessage // keyed by account id
	now     time.Time
	saveCnt int

	createErr  error
	findErr    error
	saveErr    error
	listErr    error
	pendingErr error
	markErr    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		byID:   map[string]domain.Account{},
		outbox: map[string]domain.OutboxMessage{},
		now:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (f *fakeStore) CreateUser(ctx context.Context, email, passwordHash, token string) (domain.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.createErr != nil {
		return domain.Account{}, f.createErr
	}
	for _, a := range f.byID {
		if a.Email == email {
			return domain.Account{}, domain.ErrEmailAlreadyExists()
		}
	}

	f.seq++
	a := domain.Account{
		ID:                fmt.Sprintf("u%d", f.seq),
		Email:             email,
		PasswordHash:      passwordHash,
		VerificationToken: token,
		CreatedAt:         f.now,
	}
	payload, _ := domain.VerificationTask{Email: email, Token: token}.Encode()
	f.byID[a.ID] = a
	f.outbox[a.ID] = domain.OutboxMessage{
		ID:        "o-" + a.ID,
		AccountID: a.ID,
		Payload:   payload,
		Status:    domain.OutboxPending,
		CreatedAt: f.now,
	}
	return a, nil
}

func (f *fakeStore) FindByVerificationToken(ctx context.Context, token string) (domain.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.findErr != nil {
		return domain.Account{}, f.findErr
	}
	for _, a := range f.byID {
		if a.VerificationToken != "" && a.VerificationToken == token {
			return a, nil
		}
	}
	return domain.Account{}, domain.ErrInvalidToken()
}

func (f *fakeStore) FindByEmail(ctx context.Context, email string) (domain.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.findErr != nil {
		return domain.Account{}, f.findErr
	}
	for _, a := range f.byID {
		if a.Email == email {
			return a, nil
		}
	}
	return domain.Account{}, domain.ErrAccountNotFound()
}

func (f *fakeStore) Save(ctx context.Context, a domain.Account) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.saveErr != nil {
		return f.saveErr
	}
	cur, ok := f.byID[a.ID]
	if !ok {
		return domain.ErrAccountNotFound()
	}
	if cur.Verified {
		return domain.ErrInvalidToken()
	}
	f.byID[a.ID] = a
	f.saveCnt++
	return nil
}

func (f *fakeStore) List(ctx context.Context) ([]domain.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]domain.Account, 0, len(f.byID))
	for _, a := range f.byID {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) PendingOutbox(ctx context.Context, createdBefore time.Time, limit int) ([]domain.OutboxMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.pendingErr != nil {
		return nil, f.pendingErr
	}
	var out []domain.OutboxMessage
	for _, m := range f.outbox {
		if m.Status == domain.OutboxPending && m.CreatedAt.Before(createdBefore) {
			m.AccountVerified = f.byID[m.AccountID].Verified
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) MarkOutboxPublished(ctx context.Context, accountID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.markErr != nil {
		return f.markErr
	}
	m, ok := f.outbox[accountID]
	if !ok {
		return errors.New("no outbox row")
	}
	m.Status = domain.OutboxPublished
	f.outbox[accountID] = m
	return nil
}

func (f *fakeStore) MarkOutboxDiscarded(ctx context.Context, accountID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.markErr != nil {
		return f.markErr
	}
	m, ok := f.outbox[accountID]
	if !ok {
		return errors.New("no outbox row")
	}
	m.Status = domain.OutboxDiscarded
	f.outbox[accountID] = m
	return nil
}

func (f *fakeStore) outboxStatus(accountID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.outbox[accountID].Status
}

type fakeHasher struct {
	hashFn    func(pw string) (string, error)
	compareFn func(hash, pw string) error
}

func (h *fakeHasher) Hash(pw string) (string, error) {
	if h.hashFn != nil {
		return h.hashFn(pw)
	}
	return "hash:" + pw, nil
}

func (h *fakeHasher) Compare(hash, pw string) error {
	if h.compareFn != nil {
		return h.compareFn(hash, pw)
	}
	if hash != "hash:"+pw {
		return errors.New("mismatch")
	}
	return nil
}

type fakeSigner struct {
	err     error
	lastTTL time.Duration
}

func (s *fakeSigner) SignSessionToken(accountID, email string, ttl time.Duration) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.lastTTL = ttl
	return "jwt-" + accountID, nil
}

type fakePublisher struct {
	mu    sync.Mutex
	tasks []domain.VerificationTask
	err   error
	// failN fails the first N calls with err, then succeeds.
	failN int
	calls int
}

func (p *fakePublisher) Publish(ctx context.Context, task domain.VerificationTask) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls++
	if p.err != nil && (p.failN == 0 || p.calls <= p.failN) {
		return p.err
	}
	p.tasks = append(p.tasks, task)
	return nil
}

func (p *fakePublisher) published() []domain.VerificationTask {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.VerificationTask(nil), p.tasks...)
}

type testDeps struct {
	store  *fakeStore
	hasher *fakeHasher
	signer *fakeSigner
	pub    *fakePublisher
	audits *[]auditEntry
}

func newSvcForTest(t *testing.T) (*Service, testDeps) {
	t.Helper()

	d := testDeps{
		store:  newFakeStore(),
		hasher: &fakeHasher{},
		signer: &fakeSigner{},
		pub:    &fakePublisher{},
		audits: &[]auditEntry{},
	}
	var mu sync.Mutex
	svc := NewService(d.store, d.store, d.hasher, d.signer, d.pub, Config{SessionTTL: time.Hour}, zerolog.Nop()).
		WithAudit(func(action string, fields map[string]string) {
			mu.Lock()
			defer mu.Unlock()
			*d.audits = append(*d.audits, auditEntry{action: action, fields: fields})
		})
	svc.now = func() time.Time { return d.store.now.Add(time.Minute) }
	return svc, d
}

func requireErrCode(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error code=%q, got nil", code)
	}
	if !domain.Is(err, code) {
		t.Fatalf("expected code=%q, got err=%v", code, err)
	}
}
