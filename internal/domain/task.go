package domain

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// VerificationTask is the queue payload: "send this user a verification email
// containing this token". The wire shape is {"email": "...", "token": "..."}.
type VerificationTask struct {
	Email string `json:"email"`
	Token string `json:"token"`
}

func (t VerificationTask) Validate() error {
	if strings.TrimSpace(t.Email) == "" {
		return ErrBadPayload(errors.New("empty email"))
	}
	if !strings.Contains(t.Email, "@") {
		return ErrBadPayload(errors.New("email has no @"))
	}
	if strings.TrimSpace(t.Token) == "" {
		return ErrBadPayload(errors.New("empty token"))
	}
	return nil
}

func (t VerificationTask) Encode() ([]byte, error) {
	return json.Marshal(t)
}

// DecodeVerificationTask parses and validates a queue body holding exactly one
// JSON object. Any failure is a bad_payload error; such messages can never succeed.
func DecodeVerificationTask(body []byte) (VerificationTask, error) {
	var t VerificationTask
	if err := json.Unmarshal(body, &t); err != nil {
		return VerificationTask{}, ErrBadPayload(err)
	}
	if err := t.Validate(); err != nil {
		return VerificationTask{}, err
	}
	return t, nil
}

// Outbox statuses.
const (
	OutboxPending   = "pending"
	OutboxPublished = "published"
	// OutboxDiscarded rows will never be relayed: the payload is unusable or
	// the account no longer needs the email.
	OutboxDiscarded = "discarded"
)

// OutboxMessage is a verification task persisted in the same transaction as its
// account, so an account never exists without a record of the task it owes.
type OutboxMessage struct {
	ID        string
	AccountID string
	Payload   []byte
	Status    string
	Attempts  int
	CreatedAt time.Time

	// AccountVerified is filled by PendingOutbox from the owning account.
	AccountVerified bool
}
