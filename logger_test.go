package linclust

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func newTestLogger(buf *bytes.Buffer) *Logger {
	return NewLogger(slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
}

func TestLogger_NilWrapsStderrHandler(t *testing.T) {
	l := NewLogger(nil)
	assert.NotNil(t, l.Slog())
}

func TestLogger_WithXxxAttachesFields(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(&buf)

	l.WithRound(2).WithShape(1).WithWorker("w0").WithStage("pairtable").WithBucket(5).
		LogInfo(context.Background(), "processed bucket")

	out := buf.String()
	assert.Contains(t, out, "round=2")
	assert.Contains(t, out, "shape=1")
	assert.Contains(t, out, "worker_id=w0")
	assert.Contains(t, out, "stage=pairtable")
	assert.Contains(t, out, "bucket=5")
	assert.Contains(t, out, "processed bucket")
}

func TestLogger_WithXxxDoesNotMutateReceiver(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(&buf)

	withRound := l.WithRound(3)
	buf.Reset()
	l.LogInfo(context.Background(), "base logger")
	assert.NotContains(t, buf.String(), "round=3")

	buf.Reset()
	withRound.LogInfo(context.Background(), "scoped logger")
	assert.Contains(t, buf.String(), "round=3")
}

func TestLogger_LogErrorIncludesErrorField(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(&buf)

	l.LogError(context.Background(), "stage failed", assertErr{"disk full"})
	assert.Contains(t, buf.String(), "disk full")
	assert.Contains(t, buf.String(), "stage failed")
}

func TestLogger_LogWarnAndDebugEmit(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(&buf)

	l.LogWarn(context.Background(), "barrier stall", "stage", "chunktable")
	assert.Contains(t, buf.String(), "barrier stall")

	buf.Reset()
	l.LogDebug(context.Background(), "debug detail")
	assert.Contains(t, buf.String(), "debug detail")
}

type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }
