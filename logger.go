package linclust

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps log/slog with the structured fields every stage attaches:
// round, shape, worker_id, bucket. It mirrors the teacher's logger.go
// WithXxx/LogXxx helper shape so call sites read as a small fluent chain
// instead of a flat slog.With(...) call.
type Logger struct {
	base *slog.Logger
}

// NewLogger wraps the given slog.Logger. If l is nil, a text handler over
// os.Stderr at Info level is used.
func NewLogger(l *slog.Logger) *Logger {
	if l == nil {
		l = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Logger{base: l}
}

// WithRound returns a Logger with the round field attached.
func (l *Logger) WithRound(round int) *Logger {
	return &Logger{base: l.base.With("round", round)}
}

// WithShape returns a Logger with the shape index attached.
func (l *Logger) WithShape(shape int) *Logger {
	return &Logger{base: l.base.With("shape", shape)}
}

// WithWorker returns a Logger with the worker_id field attached.
func (l *Logger) WithWorker(workerID string) *Logger {
	return &Logger{base: l.base.With("worker_id", workerID)}
}

// WithStage returns a Logger with the stage name attached.
func (l *Logger) WithStage(stage string) *Logger {
	return &Logger{base: l.base.With("stage", stage)}
}

// WithBucket returns a Logger with the radix bucket index attached.
func (l *Logger) WithBucket(bucket int) *Logger {
	return &Logger{base: l.base.With("bucket", bucket)}
}

func (l *Logger) LogDebug(ctx context.Context, msg string, args ...any) {
	l.base.DebugContext(ctx, msg, args...)
}

func (l *Logger) LogInfo(ctx context.Context, msg string, args ...any) {
	l.base.InfoContext(ctx, msg, args...)
}

// LogWarn is used for conditions spec.md §7 explicitly excludes from being
// errors: barrier stalls under retry, and HLL overshoot on chunk rotation.
func (l *Logger) LogWarn(ctx context.Context, msg string, args ...any) {
	l.base.WarnContext(ctx, msg, args...)
}

func (l *Logger) LogError(ctx context.Context, msg string, err error, args ...any) {
	l.base.ErrorContext(ctx, msg, append([]any{"error", err}, args...)...)
}

// Slog exposes the underlying *slog.Logger for collaborators that want to
// attach their own fields without going through the Logger wrapper.
func (l *Logger) Slog() *slog.Logger { return l.base }
