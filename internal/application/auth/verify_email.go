package auth

import (
	"context"

	"github.com/baechuer/real-time-ressys/services/verify-service/internal/domain"
)

// VerifyEmail consumes a verification token and marks its account verified.
// An unknown or already consumed token yields domain.ErrInvalidToken.
func (s *Service) VerifyEmail(ctx context.Context, token string) error {
	if token == "" {
		return domain.ErrInvalidToken()
	}

	acct, err := s.accounts.FindByVerificationToken(ctx, token)
	if err != nil {
		return err
	}

	if err := acct.MarkVerified(s.now()); err != nil {
		return err
	}

	if err := s.accounts.Save(ctx, acct); err != nil {
		return err
	}

	s.audit("email_verified", map[string]string{"account_id": acct.ID})
	return nil
}
