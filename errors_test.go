package linclust

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigError_UnwrapsToSentinel(t *testing.T) {
	err := &ConfigError{Field: "output_file", Err: ErrMissingOutput}
	assert.True(t, errors.Is(err, ErrMissingOutput))
	assert.Contains(t, err.Error(), "output_file")
}

func TestStageError_UnwrapsToUnderlyingError(t *testing.T) {
	underlying := errors.New("disk full")
	err := &StageError{Stage: "seedtable", Round: 2, WorkerID: "w0", Unit: "bucket-3", Err: underlying}
	assert.True(t, errors.Is(err, underlying))
	assert.Contains(t, err.Error(), "seedtable")
	assert.Contains(t, err.Error(), "w0")
}

func TestTranslateError_WrapsPlainErrorAsStageError(t *testing.T) {
	err := translateError("chunktable", 1, "w2", "bucket-5", errors.New("boom"))
	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, "chunktable", stageErr.Stage)
	assert.True(t, errors.Is(err, ErrIOFailure))
}

func TestTranslateError_NilIsNil(t *testing.T) {
	assert.NoError(t, translateError("x", 0, "w", "u", nil))
}

func TestTranslateError_PassesThroughConfigError(t *testing.T) {
	cfgErr := &ConfigError{Field: "f", Err: ErrMissingOutput}
	err := translateError("stage", 0, "w", "u", cfgErr)
	assert.Same(t, cfgErr, err)
}

func TestTranslateError_PassesThroughStageError(t *testing.T) {
	inner := &StageError{Stage: "inner", Err: errors.New("x")}
	err := translateError("outer", 1, "w", "u", inner)
	assert.Same(t, inner, err)
}
