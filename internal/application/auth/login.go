package auth

import (
	"context"

	"github.com/baechuer/real-time-ressys/services/verify-service/internal/domain"
)

// Login authenticates an account and issues a session token.
// Unknown email and wrong password are indistinguishable. The password is
// checked before the verified flag so only the owner learns "unverified".
func (s *Service) Login(ctx context.Context, email, password string) (LoginResult, error) {
	email = domain.NormalizeEmail(email)
	if email == "" || password == "" {
		return LoginResult{}, domain.ErrInvalidCredentials()
	}

	acct, err := s.accounts.FindByEmail(ctx, email)
	if err != nil {
		if domain.Is(err, "account_not_found") {
			return LoginResult{}, domain.ErrInvalidCredentials()
		}
		return LoginResult{}, err
	}

	if err := s.hasher.Compare(acct.PasswordHash, password); err != nil {
		return LoginResult{}, domain.ErrInvalidCredentials()
	}

	if !acct.Verified {
		return LoginResult{}, domain.ErrEmailNotVerified()
	}

	tok, err := s.signer.SignSessionToken(acct.ID, acct.Email, s.sessionTTL)
	if err != nil {
		return LoginResult{}, domain.ErrTokenSignFailed(err)
	}

	s.audit("account_logged_in", map[string]string{"account_id": acct.ID})

	return LoginResult{
		Account:   acct,
		Token:     tok,
		ExpiresIn: int64(s.sessionTTL.Seconds()),
	}, nil
}

// ListAccounts backs the dashboard listing.
func (s *Service) ListAccounts(ctx context.Context) ([]domain.Account, error) {
	return s.accounts.List(ctx)
}
