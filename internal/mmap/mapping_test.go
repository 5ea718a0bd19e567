package mmap

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_ReadAtAndBytes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")
	content := []byte("hello mapped world")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	m, err := Open(path)
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, len(content), m.Size())
	assert.Equal(t, content, m.Bytes())

	buf := make([]byte, 6)
	n, err := m.ReadAt(buf, 6)
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, "mapped", string(buf))
}

func TestOpen_EmptyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.bin")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	m, err := Open(path)
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, 0, m.Size())
}

func TestMapping_CloseIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	m, err := Open(path)
	require.NoError(t, err)
	assert.NoError(t, m.Close())
	assert.NoError(t, m.Close())

	_, err = m.ReadAt(make([]byte, 1), 0)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Nil(t, m.Bytes())
}

func TestReadAt_OutOfBounds(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")
	require.NoError(t, os.WriteFile(path, []byte("abc"), 0o644))

	m, err := Open(path)
	require.NoError(t, err)
	defer m.Close()

	_, err = m.ReadAt(make([]byte, 1), -1)
	assert.ErrorIs(t, err, ErrInvalidOffset)

	_, err = m.ReadAt(make([]byte, 1), 100)
	assert.ErrorIs(t, err, io.EOF)
}
