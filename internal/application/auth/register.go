package auth

import (
	"context"
	"errors"
	"strings"

	"github.com/baechuer/real-time-ressys/services/verify-service/internal/domain"
)

// Register creates an unverified account and enqueues exactly one verification task.
//
// The account and its outbox row commit together. If the publish below fails the
// registration still succeeds with Queued=false and the outbox relay delivers the
// task later; a failed CreateUser publishes nothing.
func (s *Service) Register(ctx context.Context, email, password string) (RegisterResult, error) {
	email = domain.NormalizeEmail(email)
	if email == "" {
		return RegisterResult{}, domain.ErrMissingField("email")
	}
	if password == "" {
		return RegisterResult{}, domain.ErrMissingField("password")
	}
	if !strings.Contains(email, "@") {
		return RegisterResult{}, domain.ErrInvalidField("email", "invalid format")
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		var de *domain.Error
		if errors.As(err, &de) {
			return RegisterResult{}, err
		}
		return RegisterResult{}, domain.ErrHashFailed(err)
	}

	token, err := s.newToken()
	if err != nil {
		return RegisterResult{}, domain.ErrRandomFailed(err)
	}

	acct, err := s.accounts.CreateUser(ctx, email, hash, token)
	if err != nil {
		return RegisterResult{}, err
	}

	queued := s.enqueue(ctx, acct)

	s.audit("account_registered", map[string]string{
		"account_id": acct.ID,
		"queued":     boolString(queued),
	})

	return RegisterResult{Account: acct, Queued: queued}, nil
}

func (s *Service) enqueue(ctx context.Context, acct domain.Account) bool {
	task := domain.VerificationTask{Email: acct.Email, Token: acct.VerificationToken}

	if err := s.pub.Publish(ctx, task); err != nil {
		s.lg.Warn().Err(err).Str("account_id", acct.ID).Msg("verification publish failed; left in outbox")
		return false
	}

	// A failure here only means the relay may publish the task a second time.
	if err := s.outbox.MarkOutboxPublished(ctx, acct.ID); err != nil {
		s.lg.Warn().Err(err).Str("account_id", acct.ID).Msg("outbox mark failed after publish")
	}
	return true
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
