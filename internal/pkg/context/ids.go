// Package context carries correlation ids through request and delivery
// handling so log lines from one registration can be joined up.
package context

import "context"

type ctxKey int

const (
	requestIDKey ctxKey = iota
	messageIDKey
)

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFrom returns the HTTP request id, or "".
func RequestIDFrom(ctx context.Context) string {
	return stringValue(ctx, requestIDKey)
}

// WithMessageID tags ctx with the AMQP message id of the delivery being handled.
func WithMessageID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, messageIDKey, id)
}

func MessageIDFrom(ctx context.Context) string {
	return stringValue(ctx, messageIDKey)
}

func stringValue(ctx context.Context, k ctxKey) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(k).(string)
	return v
}
