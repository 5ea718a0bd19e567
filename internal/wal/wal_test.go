package wal

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWAL(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.wal")

	// 1. Write records
	w, err := Open(nil, path, DefaultOptions())
	require.NoError(t, err)

	recs := []*Record{
		{LSN: 1, Type: RecordTypeAssign, RepOID: 1, MemberOID: 2, Score: 0.95},
		{LSN: 2, Type: RecordTypeAssign, RepOID: 1, MemberOID: 3, Score: 0.91},
		{LSN: 3, Type: RecordTypeClose},
	}

	for _, r := range recs {
		err := w.Append(r)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	// 2. Read records
	w2, err := Open(nil, path, DefaultOptions())
	require.NoError(t, err)
	defer w2.Close()

	reader, err := w2.Reader()
	require.NoError(t, err)
	defer reader.Close()

	var readRecs []*Record
	for {
		r, err := reader.Next()
		if err != nil {
			break
		}
		readRecs = append(readRecs, r)
	}

	assert.Equal(t, len(recs), len(readRecs))
	for i, r := range recs {
		assert.Equal(t, r.Type, readRecs[i].Type)
		assert.Equal(t, r.LSN, readRecs[i].LSN)
		if r.Type == RecordTypeAssign {
			assert.Equal(t, r.RepOID, readRecs[i].RepOID)
			assert.Equal(t, r.MemberOID, readRecs[i].MemberOID)
			assert.Equal(t, r.Score, readRecs[i].Score)
		}
	}
}
