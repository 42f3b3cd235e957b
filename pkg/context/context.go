// Package context carries build run identifiers on a context.Context
package context

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type contextKey int

const (
	runIDKey contextKey = iota
	buildKeyKey
	stageKey
	startTimeKey
)

// WithRunID adds a run ID to the context, generating one when empty
func WithRunID(parent context.Context, runID string) context.Context {
	if runID == "" {
		runID = GenerateRunID()
	}
	return context.WithValue(parent, runIDKey, runID)
}

// GetRunID retrieves the run ID from context
func GetRunID(ctx context.Context) string {
	if id, ok := ctx.Value(runIDKey).(string); ok && id != "" {
		return id
	}
	return ""
}

// WithBuildKey records the project/series/image-type being built
func WithBuildKey(parent context.Context, key string) context.Context {
	return context.WithValue(parent, buildKeyKey, key)
}

// GetBuildKey retrieves the build key from context
func GetBuildKey(ctx context.Context) string {
	if key, ok := ctx.Value(buildKeyKey).(string); ok {
		return key
	}
	return ""
}

// WithStage records the pipeline stage currently running
func WithStage(parent context.Context, stage string) context.Context {
	return context.WithValue(parent, stageKey, stage)
}

// GetStage retrieves the stage name from context
func GetStage(ctx context.Context) string {
	if stage, ok := ctx.Value(stageKey).(string); ok {
		return stage
	}
	return ""
}

// WithStartTime adds the run start time to the context
func WithStartTime(parent context.Context, startTime time.Time) context.Context {
	return context.WithValue(parent, startTimeKey, startTime)
}

// GetDuration returns the time elapsed since the recorded start time, or
// zero when none was recorded
func GetDuration(ctx context.Context) time.Duration {
	if t, ok := ctx.Value(startTimeKey).(time.Time); ok {
		return time.Since(t)
	}
	return 0
}

// GenerateRunID creates a new unique run ID
func GenerateRunID() string {
	return "run_" + uuid.New().String()
}

// EnrichContext adds a run ID (if absent) and the start time
func EnrichContext(parent context.Context) context.Context {
	ctx := parent
	if GetRunID(ctx) == "" {
		ctx = WithRunID(ctx, "")
	}
	return WithStartTime(ctx, time.Now())
}
