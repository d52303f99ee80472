package domain

import (
	"errors"
	"fmt"
)

// ErrKind groups error codes by how callers should react to them. The HTTP
// layer turns it into a status code.
type ErrKind string

const (
	KindValidation     ErrKind = "validation"
	KindAuth           ErrKind = "auth"
	KindForbidden      ErrKind = "forbidden"
	KindNotFound       ErrKind = "not_found"
	KindConflict       ErrKind = "conflict"
	KindRateLimited    ErrKind = "rate_limited"
	KindInfrastructure ErrKind = "infrastructure"
	KindInternal       ErrKind = "internal"
)

// Error is the structured error returned across layer boundaries. Code is part
// of the public API and Message is safe to show clients. Cause stays internal.
type Error struct {
	Kind    ErrKind
	Code    string
	Message string
	Meta    map[string]string
	Cause   error
}

func (e *Error) Error() string {
	s := fmt.Sprintf("%s [%s] %s", e.Code, e.Kind, e.Message)
	if e.Cause != nil {
		s += ": " + e.Cause.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is compare domain errors by code, so a freshly built
// ErrInvalidToken() matches one returned from deep in the stack.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func New(kind ErrKind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

func Wrap(kind ErrKind, code, msg string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: msg, Cause: cause}
}

// WithMeta merges meta into err, overwriting keys already present.
func WithMeta(err *Error, meta map[string]string) *Error {
	if len(meta) == 0 {
		return err
	}
	merged := make(map[string]string, len(err.Meta)+len(meta))
	for k, v := range err.Meta {
		merged[k] = v
	}
	for k, v := range meta {
		merged[k] = v
	}
	err.Meta = merged
	return err
}

// Is reports whether err is a domain error carrying code.
func Is(err error, code string) bool {
	var de *Error
	return errors.As(err, &de) && de.Code == code
}

// KindOf returns the kind of a domain error, or KindInternal for anything else.
func KindOf(err error) ErrKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

type codeInfo struct {
	kind ErrKind
	msg  string
}

var codes = map[string]codeInfo{
	"invalid_json":         {KindValidation, "invalid JSON body"},
	"missing_field":        {KindValidation, "missing required field"},
	"invalid_field":        {KindValidation, "invalid field"},
	"invalid_token":        {KindValidation, "invalid or already-used token"},
	"bad_payload":          {KindValidation, "malformed verification task"},
	"invalid_credentials":  {KindAuth, "invalid email or password"},
	"email_not_verified":   {KindForbidden, "please verify your email"},
	"account_not_found":    {KindNotFound, "account not found"},
	"email_already_exists": {KindConflict, "email already registered"},
	"rate_limited":         {KindRateLimited, "too many requests"},
	"db_unavailable":       {KindInfrastructure, "database unavailable"},
	"broker_unavailable":   {KindInfrastructure, "message broker unavailable"},
	"redis_unavailable":    {KindInfrastructure, "cache unavailable"},
	"not_initialized":      {KindInternal, "component not initialized"},
	"hash_failed":          {KindInternal, "password hashing failed"},
	"token_sign_failed":    {KindInternal, "token signing failed"},
	"random_failed":        {KindInternal, "random generation failed"},
	"internal_error":       {KindInternal, "internal error"},
}

// coded builds an error for a registered code. Meta is given as key/value pairs.
func coded(code string, cause error, kv ...string) *Error {
	info, ok := codes[code]
	if !ok {
		info = codeInfo{KindInternal, "internal error"}
	}
	e := Wrap(info.kind, code, info.msg, cause)
	if len(kv) > 0 {
		e.Meta = make(map[string]string, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			e.Meta[kv[i]] = kv[i+1]
		}
	}
	return e
}

func ErrInvalidJSON(cause error) *Error { return coded("invalid_json", cause) }

func ErrMissingField(field string) *Error { return coded("missing_field", nil, "field", field) }

func ErrInvalidField(field, reason string) *Error {
	return coded("invalid_field", nil, "field", field, "reason", reason)
}

// ErrInvalidToken covers both unknown and consumed verification tokens;
// once consumed a token no longer exists.
func ErrInvalidToken() *Error { return coded("invalid_token", nil) }

// ErrBadPayload marks a queue message that can never be processed.
func ErrBadPayload(cause error) *Error { return coded("bad_payload", cause) }

// ErrInvalidCredentials is used for every login failure except an unverified
// account, so emails can't be enumerated.
func ErrInvalidCredentials() *Error { return coded("invalid_credentials", nil) }

func ErrEmailNotVerified() *Error { return coded("email_not_verified", nil) }

func ErrAccountNotFound() *Error { return coded("account_not_found", nil) }

func ErrEmailAlreadyExists() *Error { return coded("email_already_exists", nil) }

func ErrRateLimited(scope string) *Error { return coded("rate_limited", nil, "scope", scope) }

func ErrDBUnavailable(cause error) *Error { return coded("db_unavailable", cause) }

func ErrBrokerUnavailable(cause error) *Error { return coded("broker_unavailable", cause) }

func ErrRedisUnavailable(cause error) *Error { return coded("redis_unavailable", cause) }

// ErrNotInitialized is returned when the queue client is used before Connect.
func ErrNotInitialized(component string) *Error {
	return coded("not_initialized", nil, "component", component)
}

func ErrHashFailed(cause error) *Error { return coded("hash_failed", cause) }

func ErrTokenSignFailed(cause error) *Error { return coded("token_sign_failed", cause) }

func ErrRandomFailed(cause error) *Error { return coded("random_failed", cause) }

func ErrInternal(cause error) *Error { return coded("internal_error", cause) }
