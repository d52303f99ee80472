package domain

import (
	"strings"
	"time"
)

// Account is a registered user and its verification state.
// Invariant: Verified implies VerificationToken == "".
type Account struct {
	ID                string
	Email             string
	PasswordHash      string
	VerificationToken string
	Verified          bool
	CreatedAt         time.Time
	VerifiedAt        *time.Time
}

// MarkVerified flips the account to verified and clears its token.
// It fails on an account that has no token left to consume.
func (a *Account) MarkVerified(now time.Time) error {
	if a.Verified || a.VerificationToken == "" {
		return ErrInvalidToken()
	}
	a.Verified = true
	a.VerificationToken = ""
	a.VerifiedAt = &now
	return nil
}

// NormalizeEmail lower-cases and trims an address before it is stored or looked up.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
