package logging

import (
	"context"

	"go.uber.org/zap"
)

type contextKey string

const (
	projectIDKey contextKey = "project_id"
	phaseKey     contextKey = "phase"
	crewKey      contextKey = "crew"
	roleKey      contextKey = "role"
	taskIDKey    contextKey = "task_id"
)

// WithProjectID returns a context carrying the project identifier.
func WithProjectID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, projectIDKey, id)
}

// WithPhase returns a context carrying the current phase name.
func WithPhase(ctx context.Context, phase string) context.Context {
	return context.WithValue(ctx, phaseKey, phase)
}

// WithCrew returns a context carrying the crew name.
func WithCrew(ctx context.Context, crew string) context.Context {
	return context.WithValue(ctx, crewKey, crew)
}

// WithRole returns a context carrying the worker role.
func WithRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, roleKey, role)
}

// WithTaskID returns a context carrying the task identifier.
func WithTaskID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, taskIDKey, id)
}

// ContextFields extracts structured log fields from a context.
// Missing values are simply omitted.
func ContextFields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	var fields []zap.Field
	for _, key := range []contextKey{projectIDKey, phaseKey, crewKey, roleKey, taskIDKey} {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			fields = append(fields, zap.String(string(key), v))
		}
	}
	return fields
}
