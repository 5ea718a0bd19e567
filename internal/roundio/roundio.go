// Package roundio implements the supplemented round-persistence features of
// SPEC_FULL.md §10: reading entries of the ".oid" sidecar files that map a
// round's local OIDs to the previous round's OIDs, and persisting a per-round manifest so a restarted operator process can
// resume at the correct round.
package roundio

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/biocluster/linclust/internal/fs"
)

// ResolveOriginalOID reads the entry at record index offset of the ".oid"
// sidecar file at path: one step of the sidecar chain, from a round's local
// OID to the OID it had in the previous round. It does not follow the chain
// further back, and round is not used.
//
// Each sidecar is a flat array of little-endian int64 values, one per
// record in the volume it was written alongside, written in OID order —
// so offset i is a direct index, not a search key.
func ResolveOriginalOID(fsys fs.FileSystem, round int, path string, offset int64) (int64, error) {
	f, err := fsys.OpenFile(path, os.O_RDONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("roundio: open sidecar %s: %w", path, err)
	}
	defer f.Close()

	var buf [8]byte
	if _, err := f.ReadAt(buf[:], offset*8); err != nil {
		return 0, fmt.Errorf("roundio: read sidecar %s at %d: %w", path, offset, err)
	}
	return int64(binary.LittleEndian.Uint64(buf[:])), nil
}

// VolumeManifestEntry mirrors the fields of linclust.Volume needed to
// persist and restore a round's VolumedFile without importing the root
// package.
type VolumeManifestEntry struct {
	Path        string `json:"path"`
	OIDBegin    int64  `json:"oid_begin"`
	RecordCount int64  `json:"record_count"`
}

// Manifest records one round's resolved input volumes and completion
// status, per SPEC_FULL.md §10's "multi-round driver persistence" feature.
type Manifest struct {
	Round      int                   `json:"round"`
	Sensitivity float64              `json:"sensitivity"`
	Volumes    []VolumeManifestEntry `json:"volumes"`
	Stages     map[string]bool       `json:"stages"` // stage name -> finished
}

// ManifestPath returns the on-disk path for round's manifest, under
// <base>/rounds/<n>/manifest, per SPEC_FULL.md §10.
func ManifestPath(baseDir string, round int) string {
	return fmt.Sprintf("%s/rounds/%d/manifest", baseDir, round)
}

// WriteManifest serializes m as JSON to its round's manifest path,
// creating the containing directory if needed.
func WriteManifest(fsys fs.FileSystem, baseDir string, m Manifest) error {
	dir := fmt.Sprintf("%s/rounds/%d", baseDir, m.Round)
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("roundio: mkdir %s: %w", dir, err)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("roundio: marshal manifest: %w", err)
	}
	path := ManifestPath(baseDir, m.Round)
	f, err := fsys.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("roundio: open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("roundio: write %s: %w", path, err)
	}
	return f.Sync()
}

// ReadManifest loads a round's manifest, or returns (Manifest{}, false, nil)
// if it does not exist yet (a fresh round).
func ReadManifest(fsys fs.FileSystem, baseDir string, round int) (Manifest, bool, error) {
	path := ManifestPath(baseDir, round)
	f, err := fsys.OpenFile(path, os.O_RDONLY, 0o644)
	if err != nil {
		if os.IsNotExist(err) {
			return Manifest{}, false, nil
		}
		return Manifest{}, false, fmt.Errorf("roundio: open %s: %w", path, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return Manifest{}, false, fmt.Errorf("roundio: read %s: %w", path, err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, false, fmt.Errorf("roundio: unmarshal %s: %w", path, err)
	}
	return m, true, nil
}

// StageFinished reports whether a named stage was marked finished in a
// previously persisted manifest, for the "skip already-finished stages"
// resume behavior SPEC_FULL.md §10 adds atop spec.md §7's note that the
// core leaves this unspecified.
func (m Manifest) StageFinished(stage string) bool {
	return m.Stages != nil && m.Stages[stage]
}

// MarkStageFinished returns a copy of m with stage marked finished.
func (m Manifest) MarkStageFinished(stage string) Manifest {
	stages := make(map[string]bool, len(m.Stages)+1)
	for k, v := range m.Stages {
		stages[k] = v
	}
	stages[stage] = true
	m.Stages = stages
	return m
}

// SortVolumesByOIDBegin sorts entries in place by OIDBegin, matching
// linclust.NewVolumedFile's ordering contract.
func SortVolumesByOIDBegin(entries []VolumeManifestEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].OIDBegin < entries[j].OIDBegin })
}
