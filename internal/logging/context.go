package logging

import (
	"context"

	"go.uber.org/zap"
)

// Context key types
type requestCtxKey struct{}
type userCtxKey struct{}
type personaCtxKey struct{}

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 3)

	if requestID := RequestIDFromContext(ctx); requestID != "" {
		fields = append(fields, zap.String("request.id", requestID))
	}
	if userID := UserIDFromContext(ctx); userID != "" {
		fields = append(fields, zap.String("user.id", userID))
	}
	if personaID := PersonaIDFromContext(ctx); personaID != "" {
		fields = append(fields, zap.String("persona.id", personaID))
	}

	return fields
}

// ContextWithRequestID attaches a request ID to the context.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestCtxKey{}, id)
}

// RequestIDFromContext returns the request ID, or "" if absent.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestCtxKey{}).(string)
	return id
}

// ContextWithUserID attaches a user ID to the context.
func ContextWithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, userCtxKey{}, id)
}

// UserIDFromContext returns the user ID, or "" if absent.
func UserIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(userCtxKey{}).(string)
	return id
}

// ContextWithPersonaID attaches a persona ID to the context.
func ContextWithPersonaID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, personaCtxKey{}, id)
}

// PersonaIDFromContext returns the persona ID, or "" if absent.
func PersonaIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(personaCtxKey{}).(string)
	return id
}
