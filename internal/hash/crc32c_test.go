package hash

import (
	"hash/crc32"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCRC32C_MatchesStdlib(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")
	table := crc32.MakeTable(crc32.Castagnoli)
	want := crc32.Checksum(data, table)
	assert.Equal(t, want, CRC32C(data))
}

func TestCRC32C_Empty(t *testing.T) {
	assert.Equal(t, uint32(0), CRC32C(nil))
}

func TestNewCRC32C_Streaming(t *testing.T) {
	data := []byte("streaming input split across writes")
	h := NewCRC32C()
	_, err := h.Write(data[:10])
	assert.NoError(t, err)
	_, err = h.Write(data[10:])
	assert.NoError(t, err)
	assert.Equal(t, CRC32C(data), h.Sum32())
}
