package notify

import "errors"

// TemporaryError marks a retriable delivery failure (network timeout, SMTP 4xx).
type TemporaryError struct{ Msg string }

func (e TemporaryError) Error() string   { return e.Msg }
func (e TemporaryError) Temporary() bool { return true }
func (e TemporaryError) Permanent() bool { return false }

// PermanentError marks a failure that no retry can fix (bad recipient, auth rejected).
type PermanentError struct{ Msg string }

func (e PermanentError) Error() string   { return e.Msg }
func (e PermanentError) Permanent() bool { return true }

type permanentMarker interface{ Permanent() bool }

// IsPermanent reports whether err, or anything it wraps, is marked permanent.
// Unclassified errors are treated as transient.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var pm permanentMarker
	return errors.As(err, &pm) && pm.Permanent()
}
