package wal

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWAL_Extra_Types(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "extra.wal")

	w, err := Open(nil, path, DefaultOptions())
	require.NoError(t, err)

	rec1 := &Record{LSN: 1, Type: RecordTypeAssign, RepOID: 7, MemberOID: 9, Score: 0.5}
	rec2 := &Record{LSN: 2, Type: RecordTypeClose}

	require.NoError(t, w.Append(rec1))
	require.NoError(t, w.Append(rec2))

	assert.Greater(t, w.Size(), int64(0))

	require.NoError(t, w.Close())

	w2, err := Open(nil, path, DefaultOptions())
	require.NoError(t, err)
	defer w2.Close()

	reader, err := w2.Reader()
	require.NoError(t, err)

	r1, err := reader.Next()
	require.NoError(t, err)
	assert.Equal(t, int64(7), r1.RepOID)
	assert.Equal(t, int64(9), r1.MemberOID)
	assert.Greater(t, reader.Offset(), int64(0))

	r2, err := reader.Next()
	require.NoError(t, err)
	assert.Equal(t, RecordTypeClose, r2.Type)
}

func TestRecord_Internal(t *testing.T) {
	r := &Record{Type: RecordTypeClose}
	assert.Equal(t, 4+1+8+4, r.Size())

	r2 := &Record{Type: RecordTypeAssign, RepOID: 1, MemberOID: 2, Score: 1.0}
	assert.Equal(t, 4+1+8+4+assignPayloadSize, r2.Size())
}

func TestWAL_Corrupt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "corrupt.wal")

	w, err := Open(nil, path, DefaultOptions())
	require.NoError(t, err)
	w.Append(&Record{Type: RecordTypeAssign, RepOID: 1, MemberOID: 2, Score: 1.0})
	w.Close()

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	fi, _ := f.Stat()
	f.Truncate(fi.Size() - 1)
	f.Close()

	w2, err := Open(nil, path, DefaultOptions())
	require.NoError(t, err)
	defer w2.Close()

	reader, err := w2.Reader()
	require.NoError(t, err)

	_, err = reader.Next()
	assert.Error(t, err)
}

func TestWAL_OpenError(t *testing.T) {
	dir := t.TempDir()
	roDir := filepath.Join(dir, "readonly")
	err := os.Mkdir(roDir, 0500)
	require.NoError(t, err)

	path := filepath.Join(roDir, "test.wal")
	_, err = Open(nil, path, DefaultOptions())
	assert.Error(t, err)
}

func TestRecord_DecodeErrors(t *testing.T) {
	// 1. Short Read Header
	shortData := []byte{0x00, 0x01}
	_, _, err := Decode(bytes.NewReader(shortData))
	assert.Error(t, err)

	// 2. Invalid CRC
	validRec := &Record{Type: RecordTypeAssign, RepOID: 1, MemberOID: 2, Score: 1.0}
	buf := new(bytes.Buffer)
	validRec.Encode(buf)
	data := buf.Bytes()
	data[0]++
	_, _, err = Decode(bytes.NewReader(data))
	assert.Equal(t, ErrInvalidCRC, err)

	// 3. Invalid Type
	header := make([]byte, 13)
	header[0] = 99
	binary.LittleEndian.PutUint64(header[1:], 1)
	binary.LittleEndian.PutUint32(header[9:], 0)

	crc := crc32.NewIEEE()
	crc.Write(header)
	checksum := crc.Sum32()

	buf2 := new(bytes.Buffer)
	binary.Write(buf2, binary.LittleEndian, checksum)
	buf2.Write(header)

	_, _, err = Decode(buf2)
	assert.Equal(t, ErrInvalidType, err)

	// 4. Malformed Assign Payload (short read)
	payload := make([]byte, 10) // shorter than assignPayloadSize

	h := make([]byte, 13)
	h[0] = byte(RecordTypeAssign)
	binary.LittleEndian.PutUint32(h[9:], uint32(len(payload)))

	c := crc32.NewIEEE()
	c.Write(h)
	c.Write(payload)
	sum := c.Sum32()

	buf4 := new(bytes.Buffer)
	binary.Write(buf4, binary.LittleEndian, sum)
	buf4.Write(h)
	buf4.Write(payload)

	_, _, err = Decode(buf4)
	assert.Equal(t, ErrShortRead, err)
}

type FailWriter struct {
	FailAt int
	Count  int
}

func (fw *FailWriter) Write(p []byte) (int, error) {
	if fw.Count >= fw.FailAt {
		return 0, errors.New("write error")
	}
	if fw.Count+len(p) > fw.FailAt {
		n := fw.FailAt - fw.Count
		fw.Count = fw.FailAt
		return n, errors.New("write error")
	}
	fw.Count += len(p)
	return len(p), nil
}

func TestEncode_Errors(t *testing.T) {
	r := &Record{Type: RecordTypeAssign, RepOID: 1, MemberOID: 2, Score: 1.0}

	for i := 0; i < 50; i++ {
		fw := &FailWriter{FailAt: i}
		if err := r.Encode(fw); err == nil {
			break
		}
	}

	r2 := &Record{Type: RecordTypeClose}
	for i := 0; i < 50; i++ {
		fw := &FailWriter{FailAt: i}
		if err := r2.Encode(fw); err == nil {
			break
		}
	}
}
