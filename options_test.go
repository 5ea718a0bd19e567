package linclust

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseByteSize(t *testing.T) {
	cases := []struct {
		expr string
		want int64
	}{
		{"1024", 1024},
		{"8G", 8 << 30},
		{"512M", 512 << 20},
		{"128K", 128 << 10},
		{"1T", 1 << 40},
		{"1.5G", int64(1.5 * (1 << 30))},
	}
	for _, c := range cases {
		got, err := ParseByteSize(c.expr)
		require.NoError(t, err, c.expr)
		assert.Equal(t, c.want, got, c.expr)
	}
}

func TestParseByteSize_Errors(t *testing.T) {
	_, err := ParseByteSize("")
	assert.Error(t, err)

	_, err = ParseByteSize("not-a-number")
	assert.Error(t, err)
}

func TestValidate_RequiresOutputFile(t *testing.T) {
	c := DefaultConfig()
	err := c.Validate()
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "output_file", cfgErr.Field)
	assert.True(t, errors.Is(err, ErrMissingOutput))
}

func TestValidate_FillsThreadsAndRadixDefaults(t *testing.T) {
	c := Config{OutputFile: "out.fasta", Threads: 0, RadixBits: 0}
	require.NoError(t, c.Validate())
	assert.Equal(t, 1, c.Threads)
	assert.Equal(t, 8, c.RadixBits)
}

func TestValidate_PreservesExplicitValues(t *testing.T) {
	c := Config{OutputFile: "out.fasta", Threads: 16, RadixBits: 4}
	require.NoError(t, c.Validate())
	assert.Equal(t, 16, c.Threads)
	assert.Equal(t, 4, c.RadixBits)
}

func TestConfig_RadixAndMaxChunkSize(t *testing.T) {
	c := Config{RadixBits: 4, LinclustChunkSize: 640}
	assert.Equal(t, 16, c.Radix())
	assert.Equal(t, uint64(10), c.MaxChunkSize())
}

func TestOptions_ApplyOverDefaults(t *testing.T) {
	c := DefaultConfig()
	mutual := 90.0
	opts := []Option{
		WithThreads(8),
		WithSensitivity(5.7),
		WithSketchSize(4),
		WithMutualCover(mutual),
		WithDatabase("db.fasta"),
		WithOutputFile("reps.fasta"),
		WithRadixBits(6),
		WithCompressBuckets(true),
	}
	for _, opt := range opts {
		opt(&c)
	}

	assert.Equal(t, 8, c.Threads)
	assert.Equal(t, 5.7, c.Sensitivity)
	assert.Equal(t, 4, c.SketchSize)
	require.NotNil(t, c.MutualCover)
	assert.Equal(t, 90.0, *c.MutualCover)
	assert.Equal(t, "db.fasta", c.Database)
	assert.Equal(t, "reps.fasta", c.OutputFile)
	assert.Equal(t, 6, c.RadixBits)
	assert.True(t, c.CompressBuckets)
}

func TestWithLinclustChunkSize_ParsesExpression(t *testing.T) {
	c := DefaultConfig()
	WithLinclustChunkSize("2G")(&c)
	assert.Equal(t, int64(2<<30), c.LinclustChunkSize)
}

func TestWithLinclustChunkSize_InvalidExpressionLeavesUnchanged(t *testing.T) {
	c := DefaultConfig()
	before := c.LinclustChunkSize
	WithLinclustChunkSize("garbage")(&c)
	assert.Equal(t, before, c.LinclustChunkSize)
}
