package linclust

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJob_RequiresOutputFile(t *testing.T) {
	_, err := NewJob(t.TempDir(), "")
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.True(t, errors.Is(err, ErrMissingOutput))
}

func TestNewJob_FillsDefaultsAndCreatesBaseDir(t *testing.T) {
	base := filepath.Join(t.TempDir(), "job-dir")
	j, err := NewJob(base, "", WithOutputFile("reps.fasta"))
	require.NoError(t, err)

	assert.Equal(t, base, j.BaseDir())
	assert.NotEmpty(t, j.WorkerID())
	assert.NotNil(t, j.FS())
	assert.NotNil(t, j.Logger())
	assert.Equal(t, "reps.fasta", j.Config().OutputFile)

	_, err = j.FS().Stat(base)
	require.NoError(t, err, "NewJob must create the base directory")
}

func TestNewJob_PreservesExplicitWorkerID(t *testing.T) {
	j, err := NewJob(t.TempDir(), "worker-42", WithOutputFile("reps.fasta"))
	require.NoError(t, err)
	assert.Equal(t, "worker-42", j.WorkerID())
}

func TestJob_IDIsNonZeroAndStableAcrossCalls(t *testing.T) {
	j, err := NewJob(t.TempDir(), "", WithOutputFile("reps.fasta"))
	require.NoError(t, err)
	assert.NotEmpty(t, j.ID().String())
	assert.Equal(t, j.ID(), j.ID())
}

func TestJob_PathJoinsOntoBaseDir(t *testing.T) {
	base := t.TempDir()
	j, err := NewJob(base, "", WithOutputFile("reps.fasta"))
	require.NoError(t, err)

	got := j.Path("rounds", "0", "manifest")
	assert.Equal(t, filepath.Join(base, "rounds", "0", "manifest"), got)
}

func TestJob_SCOpensCounterUnderBaseDir(t *testing.T) {
	j, err := NewJob(t.TempDir(), "", WithOutputFile("reps.fasta"))
	require.NoError(t, err)

	ctx := context.Background()
	counter, err := j.SC(ctx, "my_counter")
	require.NoError(t, err)

	prev, err := counter.FetchAdd(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), prev)

	_, err = j.FS().Stat(j.Path("my_counter"))
	require.NoError(t, err)
}

func TestJob_AcquireOutputLock_OnlyFirstCallerWins(t *testing.T) {
	j, err := NewJob(t.TempDir(), "", WithOutputFile("reps.fasta"))
	require.NoError(t, err)

	ctx := context.Background()
	first, err := j.AcquireOutputLock(ctx)
	require.NoError(t, err)
	assert.True(t, first)

	second, err := j.AcquireOutputLock(ctx)
	require.NoError(t, err)
	assert.False(t, second)

	third, err := j.AcquireOutputLock(ctx)
	require.NoError(t, err)
	assert.False(t, third)
}
