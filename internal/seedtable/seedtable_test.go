package seedtable

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/biocluster/linclust/internal/fs"
	"github.com/biocluster/linclust/internal/rfa"
	"github.com/biocluster/linclust/internal/seqio"
	"github.com/biocluster/linclust/internal/shape"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openSeqio(path string) (SequenceReader, error) {
	return seqio.Open(fs.Default, path)
}

func TestBuilder_EmitsSeedEntriesAcrossBuckets(t *testing.T) {
	dir := t.TempDir()
	volPath := filepath.Join(dir, "vol0.fasta")
	require.NoError(t, os.WriteFile(volPath, []byte(">0\nACGTACGTACGT\n>1\nTTTTGGGGCCCC\n"), 0o644))

	cfg := Config{
		BaseDir:    filepath.Join(dir, "seed_table_0"),
		RadixBits:  2,
		WorkerID:   "w0",
		Alphabet:   shape.DefaultAlphabet{},
		Shape:      shape.ContiguousShape(4, 4),
		Sketch:     shape.MinimizerSketch{},
		SketchSize: 0,
		Open:       openSeqio,
		FS:         fs.Default,
	}
	b, err := Open(context.Background(), cfg)
	require.NoError(t, err)

	n, err := b.Run(context.Background(), []VolumeRef{{Path: volPath, OIDBegin: 0}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, b.AwaitComplete(context.Background(), 1))

	groups, err := b.Close()
	require.NoError(t, err)
	require.Len(t, groups, 4)

	var entries []SeedEntry
	for _, g := range groups {
		require.NoError(t, rfa.ReadBucket(fs.Default, g, func(raw []byte) error {
			entries = append(entries, Decode(raw))
			return nil
		}))
	}
	assert.NotEmpty(t, entries)
	for _, e := range entries {
		assert.True(t, e.OID == 0 || e.OID == 1)
	}
}

func TestBuilder_SkipsSequencesShorterThanShape(t *testing.T) {
	dir := t.TempDir()
	volPath := filepath.Join(dir, "vol0.fasta")
	require.NoError(t, os.WriteFile(volPath, []byte(">0\nAC\n"), 0o644))

	cfg := Config{
		BaseDir:   filepath.Join(dir, "seed_table_0"),
		RadixBits: 1,
		WorkerID:  "w0",
		Alphabet:  shape.DefaultAlphabet{},
		Shape:     shape.ContiguousShape(4, 4),
		Sketch:    shape.MinimizerSketch{},
		Open:      openSeqio,
		FS:        fs.Default,
	}
	b, err := Open(context.Background(), cfg)
	require.NoError(t, err)

	_, err = b.Run(context.Background(), []VolumeRef{{Path: volPath, OIDBegin: 0}})
	require.NoError(t, err)

	groups, err := b.Close()
	require.NoError(t, err)

	var count int
	for _, g := range groups {
		require.NoError(t, rfa.ReadBucket(fs.Default, g, func(raw []byte) error {
			count++
			return nil
		}))
	}
	assert.Equal(t, 0, count, "a sequence shorter than the shape should contribute no seed entries")
}

func TestBuilder_RoundGreaterThanZeroWritesOIDSidecar(t *testing.T) {
	dir := t.TempDir()
	volPath := filepath.Join(dir, "vol0.fasta")
	require.NoError(t, os.WriteFile(volPath, []byte(">42\nACGTACGTACGT\n>7\nTTTTGGGGCCCC\n"), 0o644))

	cfg := Config{
		BaseDir:   filepath.Join(dir, "seed_table_0"),
		RadixBits: 1,
		WorkerID:  "w0",
		Round:     1,
		Alphabet:  shape.DefaultAlphabet{},
		Shape:     shape.ContiguousShape(4, 4),
		Sketch:    shape.MinimizerSketch{},
		Open:      openSeqio,
		FS:        fs.Default,
	}
	b, err := Open(context.Background(), cfg)
	require.NoError(t, err)

	_, err = b.Run(context.Background(), []VolumeRef{{Path: volPath, OIDBegin: 100}})
	require.NoError(t, err)

	sidecar, err := os.ReadFile(volPath + ".oid")
	require.NoError(t, err)
	assert.Equal(t, 16, len(sidecar), "one u64 per input record")
}

func TestBuilder_MultipleVolumesDrainedBySingleWorker(t *testing.T) {
	dir := t.TempDir()
	vol0 := filepath.Join(dir, "vol0.fasta")
	vol1 := filepath.Join(dir, "vol1.fasta")
	require.NoError(t, os.WriteFile(vol0, []byte(">0\nACGTACGTACGT\n"), 0o644))
	require.NoError(t, os.WriteFile(vol1, []byte(">1\nTTTTGGGGCCCC\n"), 0o644))

	cfg := Config{
		BaseDir:   filepath.Join(dir, "seed_table_0"),
		RadixBits: 1,
		WorkerID:  "w0",
		Alphabet:  shape.DefaultAlphabet{},
		Shape:     shape.ContiguousShape(4, 4),
		Sketch:    shape.MinimizerSketch{},
		Open:      openSeqio,
		FS:        fs.Default,
	}
	b, err := Open(context.Background(), cfg)
	require.NoError(t, err)

	n, err := b.Run(context.Background(), []VolumeRef{
		{Path: vol0, OIDBegin: 0},
		{Path: vol1, OIDBegin: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n, "a single worker should drain the whole queue")

	n2, err := b.Run(context.Background(), []VolumeRef{
		{Path: vol0, OIDBegin: 0},
		{Path: vol1, OIDBegin: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, n2, "queue is exhausted; a second Run call processes nothing")
}
