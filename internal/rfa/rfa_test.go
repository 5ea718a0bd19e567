package rfa

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/biocluster/linclust/internal/fs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRFA_AppendAndReadBucket(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(Config{BaseDir: dir, R: 4, WorkerID: "w0", FS: fs.Default})
	require.NoError(t, err)

	require.NoError(t, r.Append(0, []byte("alpha")))
	require.NoError(t, r.Append(0, []byte("bravo")))
	require.NoError(t, r.Append(2, []byte("charlie")))

	groups, err := r.Close()
	require.NoError(t, err)
	require.Len(t, groups, 4)

	var got []string
	require.NoError(t, ReadBucket(fs.Default, groups[0], func(rec []byte) error {
		got = append(got, string(rec))
		return nil
	}))
	assert.Equal(t, []string{"alpha", "bravo"}, got)

	var bucket2 []string
	require.NoError(t, ReadBucket(fs.Default, groups[2], func(rec []byte) error {
		bucket2 = append(bucket2, string(rec))
		return nil
	}))
	assert.Equal(t, []string{"charlie"}, bucket2)

	assert.Empty(t, groups[1].Files)
}

func TestRFA_RotatesOnMaxFileSize(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(Config{BaseDir: dir, R: 1, WorkerID: "w0", MaxFileSize: headerSize + 8, FS: fs.Default})
	require.NoError(t, err)

	require.NoError(t, r.Append(0, []byte("0123")))
	require.NoError(t, r.Append(0, []byte("4567")))
	require.NoError(t, r.Append(0, []byte("89ab")))

	groups, err := r.Close()
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Greater(t, len(groups[0].Files), 1, "writer should have rotated to a second physical file")

	var all []string
	require.NoError(t, ReadBucket(fs.Default, groups[0], func(rec []byte) error {
		all = append(all, string(rec))
		return nil
	}))
	// Rotated physical files are named worker, worker-1, worker-2, ...; Buckets
	// lists them in lexicographic order, which need not match write order.
	assert.ElementsMatch(t, []string{"0123", "4567", "89ab"}, all)
}

func TestRFA_RawModeWritesPlainPayload(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(Config{BaseDir: dir, R: 1, WorkerID: "chunk0", Raw: true, Ext: "fasta", FS: fs.Default})
	require.NoError(t, err)

	require.NoError(t, r.Append(0, []byte(">a\nACGT\n")))
	require.NoError(t, r.Append(0, []byte(">b\nTTTT\n")))

	groups, err := r.Close()
	require.NoError(t, err)
	require.Len(t, groups[0].Files, 1)
	assert.Equal(t, filepath.Join(dir, "0", "chunk0.fasta"), groups[0].Files[0])

	data, err := os.ReadFile(groups[0].Files[0])
	require.NoError(t, err)
	assert.Equal(t, ">a\nACGT\n>b\nTTTT\n", string(data))
}

func TestRFA_MultipleWorkersSameBucket(t *testing.T) {
	dir := t.TempDir()
	r1, err := Open(Config{BaseDir: dir, R: 2, WorkerID: "w0", FS: fs.Default})
	require.NoError(t, err)
	require.NoError(t, r1.Append(1, []byte("from-w0")))
	_, err = r1.Close()
	require.NoError(t, err)

	r2, err := Open(Config{BaseDir: dir, R: 2, WorkerID: "w1", FS: fs.Default})
	require.NoError(t, err)
	require.NoError(t, r2.Append(1, []byte("from-w1")))
	groups, err := r2.Close()
	require.NoError(t, err)

	require.Len(t, groups[1].Files, 2, "both workers' physical files should be visible in the bucket group")

	var recs []string
	require.NoError(t, ReadBucket(fs.Default, groups[1], func(rec []byte) error {
		recs = append(recs, string(rec))
		return nil
	}))
	assert.ElementsMatch(t, []string{"from-w0", "from-w1"}, recs)
}
