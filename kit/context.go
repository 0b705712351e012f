// Package kit holds the shared context keys used across solostore packages
// so that middleware and handlers agree on where identity and tracing
// metadata live.
package kit

import "context"

type contextKey string

const (
	UserIDKey  contextKey = "kit_user_id"
	RoleKey    contextKey = "kit_role"
	TraceIDKey contextKey = "kit_trace_id"
)

func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, UserIDKey, id)
}
func GetUserID(ctx context.Context) string {
	v, _ := ctx.Value(UserIDKey).(string)
	return v
}

func WithRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, RoleKey, role)
}
func GetRole(ctx context.Context) string {
	v, _ := ctx.Value(RoleKey).(string)
	return v
}

func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, TraceIDKey, id)
}
func GetTraceID(ctx context.Context) string {
	v, _ := ctx.Value(TraceIDKey).(string)
	return v
}
