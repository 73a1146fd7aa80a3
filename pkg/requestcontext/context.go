// Package requestcontext provides transport-independent context accessors for
// request-scoped values.
//
// Callers (transports, job runners, CLIs) set these values; services read
// them. Keeping the package free of net/http lets background jobs and tests
// inject the same values:
//
//	ctx = requestcontext.WithTime(ctx, fixedTime)
//	ctx = requestcontext.WithActor(ctx, "user:42")
//	now := requestcontext.Now(ctx)
package requestcontext

import (
	"context"
	"time"

	id "targeting/pkg/domain"
)

type (
	actorKey        struct{}
	businessAreaKey struct{}
	requestIDKey    struct{}
	requestTimeKey  struct{}
)

// Exported context keys for direct use in tests that need context.WithValue.
var (
	ContextKeyActor        = actorKey{}
	ContextKeyBusinessArea = businessAreaKey{}
	ContextKeyRequestID    = requestIDKey{}
	ContextKeyRequestTime  = requestTimeKey{}
)

// Actor retrieves who triggered the operation (user reference or job name).
func Actor(ctx context.Context) string {
	if actor, ok := ctx.Value(ContextKeyActor).(string); ok {
		return actor
	}
	return ""
}

// WithActor injects the acting user or job into the context.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, ContextKeyActor, actor)
}

// BusinessArea retrieves the business area the request is scoped to.
func BusinessArea(ctx context.Context) id.BusinessArea {
	if ba, ok := ctx.Value(ContextKeyBusinessArea).(id.BusinessArea); ok {
		return ba
	}
	return ""
}

// WithBusinessArea injects the business area into the context.
func WithBusinessArea(ctx context.Context, ba id.BusinessArea) context.Context {
	return context.WithValue(ctx, ContextKeyBusinessArea, ba)
}

// RequestID retrieves the correlation id from the context.
func RequestID(ctx context.Context) string {
	if reqID, ok := ctx.Value(ContextKeyRequestID).(string); ok {
		return reqID
	}
	return ""
}

// WithRequestID injects a correlation id into the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, requestID)
}

// Now retrieves the request-scoped time from context.
// Falls back to time.Now() if not set (workers, CLI, tests).
func Now(ctx context.Context) time.Time {
	if t, ok := ctx.Value(ContextKeyRequestTime).(time.Time); ok {
		return t
	}
	return time.Now()
}

// WithTime injects a specific time into a context.
// Useful for:
//   - Service unit tests pinning timestamps
//   - Jobs that need one consistent time across a batch (age computation)
func WithTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, ContextKeyRequestTime, t)
}
