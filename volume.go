package linclust

import "sort"

// Volume is a contiguous OID range backed by one sequence file, per
// spec.md §3.
type Volume struct {
	Path        string
	OIDBegin    int64
	RecordCount int64
}

// OIDEnd returns the exclusive upper bound of the volume's OID range.
func (v Volume) OIDEnd() int64 { return v.OIDBegin + v.RecordCount }

// Contains reports whether oid falls within this volume's range.
func (v Volume) Contains(oid int64) bool {
	return oid >= v.OIDBegin && oid < v.OIDEnd()
}

// VolumedFile is an ordered sequence of Volumes, globally ordered by
// OIDBegin, with disjoint contiguous ranges: for every record,
// oid_begin(v) <= oid < oid_begin(v) + record_count(v) for exactly one v.
type VolumedFile struct {
	volumes []Volume
}

// NewVolumedFile builds a VolumedFile from volumes, sorting them by
// OIDBegin. It does not validate disjointness; callers that build volumes
// programmatically (as the round driver does) are expected to already
// produce disjoint contiguous ranges.
func NewVolumedFile(volumes []Volume) *VolumedFile {
	vs := make([]Volume, len(volumes))
	copy(vs, volumes)
	sort.Slice(vs, func(i, j int) bool { return vs[i].OIDBegin < vs[j].OIDBegin })
	return &VolumedFile{volumes: vs}
}

// Volumes returns the ordered volume list.
func (f *VolumedFile) Volumes() []Volume { return f.volumes }

// Records returns the total record count across all volumes.
func (f *VolumedFile) Records() int64 {
	var n int64
	for _, v := range f.volumes {
		n += v.RecordCount
	}
	return n
}

// OIDEnd returns the exclusive upper bound of the file's OID range, or 0 if
// there are no volumes.
func (f *VolumedFile) OIDEnd() int64 {
	if len(f.volumes) == 0 {
		return 0
	}
	last := f.volumes[len(f.volumes)-1]
	return last.OIDEnd()
}

// Find returns the inclusive index range [lo, hi] of volumes covering the
// OID interval [oidBegin, oidEnd). It uses binary search since volumes are
// sorted and disjoint.
func (f *VolumedFile) Find(oidBegin, oidEnd int64) (lo, hi int) {
	n := len(f.volumes)
	lo = sort.Search(n, func(i int) bool { return f.volumes[i].OIDEnd() > oidBegin })
	hi = sort.Search(n, func(i int) bool { return f.volumes[i].OIDBegin >= oidEnd })
	if hi > lo {
		hi--
	} else {
		hi = lo
	}
	return lo, hi
}

// VolumeFor returns the volume containing oid and true, or the zero Volume
// and false if oid falls outside every volume's range.
func (f *VolumedFile) VolumeFor(oid int64) (Volume, bool) {
	n := len(f.volumes)
	i := sort.Search(n, func(i int) bool { return f.volumes[i].OIDEnd() > oid })
	if i < n && f.volumes[i].Contains(oid) {
		return f.volumes[i], true
	}
	return Volume{}, false
}
