package logging

import (
	"context"

	"github.com/rs/zerolog"
)

type contextKey string

const (
	opIDKey  contextKey = "op_id"
	ownerKey contextKey = "owner"
)

// WithOperation tags ctx with the operation being executed.
func WithOperation(ctx context.Context, opID uint64, owner string) context.Context {
	ctx = context.WithValue(ctx, opIDKey, opID)
	return context.WithValue(ctx, ownerKey, owner)
}

// GetOperationID returns the operation id from ctx, or 0.
func GetOperationID(ctx context.Context) uint64 {
	if id, ok := ctx.Value(opIDKey).(uint64); ok {
		return id
	}
	return 0
}

// GetOwner returns the owner from ctx, or "".
func GetOwner(ctx context.Context) string {
	if owner, ok := ctx.Value(ownerKey).(string); ok {
		return owner
	}
	return ""
}

// ContextHook adds op_id and owner to events logged with a context.
type ContextHook struct{}

// Run implements zerolog.Hook.
func (h ContextHook) Run(e *zerolog.Event, level zerolog.Level, msg string) {
	ctx := e.GetCtx()
	if ctx == nil || ctx == context.Background() {
		return
	}
	if id := GetOperationID(ctx); id != 0 {
		e.Uint64("op_id", id)
	}
	if owner := GetOwner(ctx); owner != "" {
		e.Str("owner", owner)
	}
}
