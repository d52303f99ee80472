package postgres

import (
	"database/sql"
	"time"

	"github.com/baechuer/real-time-ressys/services/verify-service/internal/domain"
)

type accountRow struct {
	ID                string
	Email             string
	PasswordHash      string
	VerificationToken sql.NullString
	Verified          bool
	CreatedAt         time.Time
	VerifiedAt        sql.NullTime
}

const accountColumns = `id, email, password_hash, verification_token, verified, created_at, verified_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(s rowScanner) (accountRow, error) {
	var ar accountRow
	err := s.Scan(
		&ar.ID,
		&ar.Email,
		&ar.PasswordHash,
		&ar.VerificationToken,
		&ar.Verified,
		&ar.CreatedAt,
		&ar.VerifiedAt,
	)
	return ar, err
}

func toDomainAccount(ar accountRow) domain.Account {
	a := domain.Account{
		ID:                ar.ID,
		Email:             ar.Email,
		PasswordHash:      ar.PasswordHash,
		VerificationToken: ar.VerificationToken.String,
		Verified:          ar.Verified,
		CreatedAt:         ar.CreatedAt,
	}
	if ar.VerifiedAt.Valid {
		t := ar.VerifiedAt.Time
		a.VerifiedAt = &t
	}
	return a
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
