package linclust

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVolume_ContainsAndOIDEnd(t *testing.T) {
	v := Volume{Path: "vol0.fasta", OIDBegin: 10, RecordCount: 5}
	assert.Equal(t, int64(15), v.OIDEnd())
	assert.True(t, v.Contains(10))
	assert.True(t, v.Contains(14))
	assert.False(t, v.Contains(15))
	assert.False(t, v.Contains(9))
}

func TestNewVolumedFile_SortsByOIDBegin(t *testing.T) {
	f := NewVolumedFile([]Volume{
		{Path: "c", OIDBegin: 20, RecordCount: 5},
		{Path: "a", OIDBegin: 0, RecordCount: 10},
		{Path: "b", OIDBegin: 10, RecordCount: 10},
	})

	paths := make([]string, 0, 3)
	for _, v := range f.Volumes() {
		paths = append(paths, v.Path)
	}
	assert.Equal(t, []string{"a", "b", "c"}, paths)
	assert.Equal(t, int64(25), f.Records())
	assert.Equal(t, int64(25), f.OIDEnd())
}

func TestVolumedFile_OIDEndEmptyIsZero(t *testing.T) {
	f := NewVolumedFile(nil)
	assert.Equal(t, int64(0), f.OIDEnd())
	assert.Equal(t, int64(0), f.Records())
}

func TestVolumedFile_VolumeFor(t *testing.T) {
	f := NewVolumedFile([]Volume{
		{Path: "a", OIDBegin: 0, RecordCount: 10},
		{Path: "b", OIDBegin: 10, RecordCount: 10},
		{Path: "c", OIDBegin: 20, RecordCount: 10},
	})

	v, ok := f.VolumeFor(15)
	assert.True(t, ok)
	assert.Equal(t, "b", v.Path)

	_, ok = f.VolumeFor(30)
	assert.False(t, ok)
}

func TestVolumedFile_FindReturnsCoveringRange(t *testing.T) {
	f := NewVolumedFile([]Volume{
		{Path: "a", OIDBegin: 0, RecordCount: 10},
		{Path: "b", OIDBegin: 10, RecordCount: 10},
		{Path: "c", OIDBegin: 20, RecordCount: 10},
		{Path: "d", OIDBegin: 30, RecordCount: 10},
	})

	// [5, 25) spans volumes a (partially), b (fully), c (partially).
	lo, hi := f.Find(5, 25)
	assert.Equal(t, 0, lo)
	assert.Equal(t, 2, hi)

	// A range entirely inside one volume.
	lo, hi = f.Find(12, 14)
	assert.Equal(t, 1, lo)
	assert.Equal(t, 1, hi)
}

func TestVolumedFile_FindEmptyRangeAtEnd(t *testing.T) {
	f := NewVolumedFile([]Volume{
		{Path: "a", OIDBegin: 0, RecordCount: 10},
	})

	lo, hi := f.Find(10, 10)
	assert.Equal(t, lo, hi)
}
