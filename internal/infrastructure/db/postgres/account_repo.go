package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/baechuer/real-time-ressys/services/verify-service/internal/domain"
)

const pgUniqueViolation = "23505"

type AccountRepo struct {
	db    *sql.DB
	newID func() string
}

func NewAccountRepo(db *sql.DB) *AccountRepo {
	return &AccountRepo{db: db, newID: uuid.NewString}
}

// ---------- auth.AccountStore ----------

// CreateUser inserts the account and its pending outbox row in one transaction.
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

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Account{}, domain.ErrDBUnavailable(err)
	}
	defer func() { _ = tx.Rollback() }()

	const insertUser = `
INSERT INTO users (id, email, password_hash, verification_token, verified)
VALUES ($1, $2, $3, $4, FALSE)
RETURNING ` + accountColumns + `;
`
	ar, err := scanAccount(tx.QueryRowContext(ctx, insertUser, r.newID(), email, passwordHash, token))
	if err != nil {
		if isUniqueViolation(err, "email") {
			return domain.Account{}, domain.ErrEmailAlreadyExists()
		}
		return domain.Account{}, domain.ErrDBUnavailable(err)
	}

	const insertOutbox = `
INSERT INTO verification_outbox (id, account_id, payload, status)
VALUES ($1, $2, $3, 'pending');
`
	if _, err := tx.ExecContext(ctx, insertOutbox, r.newID(), ar.ID, payload); err != nil {
		return domain.Account{}, domain.ErrDBUnavailable(err)
	}

	if err := tx.Commit(); err != nil {
		return domain.Account{}, domain.ErrDBUnavailable(err)
	}
	return toDomainAccount(ar), nil
}

func (r *AccountRepo) FindByVerificationToken(ctx context.Context, token string) (domain.Account, error) {
	if token == "" {
		return domain.Account{}, domain.ErrInvalidToken()
	}

	const q = `
SELECT ` + accountColumns + `
FROM users
WHERE verification_token = $1
LIMIT 1;
`
	ar, err := scanAccount(r.db.QueryRowContext(ctx, q, token))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Account{}, domain.ErrInvalidToken()
		}
		return domain.Account{}, domain.ErrDBUnavailable(err)
	}
	return toDomainAccount(ar), nil
}

func (r *AccountRepo) FindByEmail(ctx context.Context, email string) (domain.Account, error) {
	email = domain.NormalizeEmail(email)
	if email == "" {
		return domain.Account{}, domain.ErrMissingField("email")
	}

	const q = `
SELECT ` + accountColumns + `
FROM users
WHERE email = $1
LIMIT 1;
`
	ar, err := scanAccount(r.db.QueryRowContext(ctx, q, email))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Account{}, domain.ErrAccountNotFound()
		}
		return domain.Account{}, domain.ErrDBUnavailable(err)
	}
	return toDomainAccount(ar), nil
}

// Save writes the verification state. Only an unverified row can change, so of
// two concurrent verifications of the same token exactly one succeeds.
func (r *AccountRepo) Save(ctx context.Context, a domain.Account) error {
	if strings.TrimSpace(a.ID) == "" {
		return domain.ErrMissingField("id")
	}

	const q = `
UPDATE users
SET verification_token = $2,
    verified = $3,
    verified_at = $4
WHERE id = $1 AND verified = FALSE;
`
	res, err := r.db.ExecContext(ctx, q, a.ID, nullString(a.VerificationToken), a.Verified, nullTime(a.VerifiedAt))
	if err != nil {
		return domain.ErrDBUnavailable(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrInvalidToken()
	}
	return nil
}

// List returns accounts newest first.
func (r *AccountRepo) List(ctx context.Context) ([]domain.Account, error) {
	const q = `
SELECT ` + accountColumns + `
FROM users
ORDER BY created_at DESC, id;
`
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, domain.ErrDBUnavailable(err)
	}
	defer rows.Close()

	out := []domain.Account{}
	for rows.Next() {
		ar, err := scanAccount(rows)
		if err != nil {
			return nil, domain.ErrDBUnavailable(err)
		}
		out = append(out, toDomainAccount(ar))
	}
	if err := rows.Err(); err != nil {
		return nil, domain.ErrDBUnavailable(err)
	}
	return out, nil
}

// ---------- auth.OutboxStore ----------

func (r *AccountRepo) PendingOutbox(ctx context.Context, createdBefore time.Time, limit int) ([]domain.OutboxMessage, error) {
	if limit <= 0 {
		limit = 50
	}

	const q = `
SELECT o.id, o.account_id, o.payload, o.status, o.attempts, o.created_at, u.verified
FROM verification_outbox o
JOIN users u ON u.id = o.account_id
WHERE o.status = 'pending' AND o.created_at < $1
ORDER BY o.created_at
LIMIT $2;
`
	rows, err := r.db.QueryContext(ctx, q, createdBefore, limit)
	if err != nil {
		return nil, domain.ErrDBUnavailable(err)
	}
	defer rows.Close()

	var out []domain.OutboxMessage
	for rows.Next() {
		var m domain.OutboxMessage
		if err := rows.Scan(&m.ID, &m.AccountID, &m.Payload, &m.Status, &m.Attempts, &m.CreatedAt, &m.AccountVerified); err != nil {
			return nil, domain.ErrDBUnavailable(err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.ErrDBUnavailable(err)
	}
	return out, nil
}

func (r *AccountRepo) MarkOutboxPublished(ctx context.Context, accountID string) error {
	const q = `
UPDATE verification_outbox
SET status = 'published',
    attempts = attempts + 1,
    published_at = NOW()
WHERE account_id = $1;
`
	res, err := r.db.ExecContext(ctx, q, accountID)
	if err != nil {
		return domain.ErrDBUnavailable(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("outbox row for account %s not found", accountID)
	}
	return nil
}

func (r *AccountRepo) MarkOutboxDiscarded(ctx context.Context, accountID, reason string) error {
	const q = `
UPDATE verification_outbox
SET status = 'discarded',
    last_error = $2
WHERE account_id = $1 AND status = 'pending';
`
	res, err := r.db.ExecContext(ctx, q, accountID, reason)
	if err != nil {
		return domain.ErrDBUnavailable(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("pending outbox row for account %s not found", accountID)
	}
	return nil
}

// Ping backs the readiness probe.
func (r *AccountRepo) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := r.db.PingContext(ctx); err != nil {
		return domain.ErrDBUnavailable(err)
	}
	return nil
}

func isUniqueViolation(err error, constraintHint string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation && strings.Contains(pgErr.ConstraintName, constraintHint)
	}
	return false
}
