// Package clustering supplies the reference ClusteringStage of SPEC_FULL.md
// §4.8: greedy connected-components over sorted edges, the mmseqs/linclust
// "cascaded clustering" pattern — process edges strongest-first, accept an
// edge only if its member hasn't already joined a cluster, and treat every
// OID nobody ever covers as its own singleton representative.
//
// Visited-OID tracking reuses the teacher's internal/visited bitset
// (dense bit array + dirty list for fast reset), since a round's OID space
// is dense and contiguous by construction (spec.md §3).
//
// Every assignment decision is appended to a cluster.wal alongside the
// round's representatives output, via internal/wal in its async mode: each
// record is flushed to the OS but not fsynced. Nothing in this package
// replays the log.
package clustering

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/biocluster/linclust/internal/fs"
	"github.com/biocluster/linclust/internal/seqio"
	"github.com/biocluster/linclust/internal/visited"
	"github.com/biocluster/linclust/internal/wal"
)

// Edge mirrors linclust.Edge without importing the root package.
type Edge struct {
	RepOID    int64
	MemberOID int64
	Score     float64
}

// VolumeRef mirrors linclust.Volume's fields needed to stream sequences.
type VolumeRef struct {
	Path        string
	OIDBegin    int64
	RecordCount int64
}

// Cluster runs greedy connected-components over edges and writes the
// resulting representative sequences, in ascending OID order, as FASTA
// text to outPath. dbSize is the exclusive upper bound of the round's OID
// space (VolumedFile.OIDEnd()).
func Cluster(fsys fs.FileSystem, edges []Edge, volumes []VolumeRef, dbSize int64, outPath string) error {
	if fsys == nil {
		fsys = fs.Default
	}
	reps, err := greedyRepresentatives(fsys, edges, dbSize, outPath)
	if err != nil {
		return err
	}
	return writeRepresentatives(fsys, volumes, reps, outPath)
}

// greedyRepresentatives runs the greedy assignment pass and appends every
// decision to a cluster.wal alongside outPath. The WAL is opened with
// wal.DurabilityAsync, so records are flushed to the OS without fsync.
func greedyRepresentatives(fsys fs.FileSystem, edges []Edge, dbSize int64, outPath string) ([]int64, error) {
	sorted := make([]Edge, len(edges))
	copy(sorted, edges)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Score != sorted[j].Score {
			return sorted[i].Score > sorted[j].Score
		}
		return sorted[i].RepOID < sorted[j].RepOID
	})

	walPath := filepath.Join(filepath.Dir(outPath), "cluster.wal")
	log, err := wal.Open(fsys, walPath, wal.Options{Durability: wal.DurabilityAsync})
	if err != nil {
		return nil, fmt.Errorf("clustering: open assignment log: %w", err)
	}
	defer log.Close()

	v := visited.New(int(dbSize))
	var reps []int64
	var lsn uint64
	for _, e := range sorted {
		if v.Visited(uint64(e.MemberOID)) {
			continue
		}
		if !v.Visited(uint64(e.RepOID)) {
			v.Visit(uint64(e.RepOID))
			reps = append(reps, e.RepOID)
		}
		v.Visit(uint64(e.MemberOID))
		lsn++
		if err := log.Append(&wal.Record{LSN: lsn, Type: wal.RecordTypeAssign, RepOID: e.RepOID, MemberOID: e.MemberOID, Score: e.Score}); err != nil {
			return nil, fmt.Errorf("clustering: commit assignment: %w", err)
		}
	}
	for oid := int64(0); oid < dbSize; oid++ {
		if !v.Visited(uint64(oid)) {
			v.Visit(uint64(oid))
			reps = append(reps, oid)
		}
	}
	lsn++
	if err := log.Append(&wal.Record{LSN: lsn, Type: wal.RecordTypeClose}); err != nil {
		return nil, fmt.Errorf("clustering: commit close: %w", err)
	}
	sort.Slice(reps, func(i, j int) bool { return reps[i] < reps[j] })
	return reps, nil
}

func writeRepresentatives(fsys fs.FileSystem, volumes []VolumeRef, reps []int64, outPath string) error {
	out, err := fsys.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("clustering: open %s: %w", outPath, err)
	}
	defer out.Close()

	sortedVolumes := make([]VolumeRef, len(volumes))
	copy(sortedVolumes, volumes)
	sort.Slice(sortedVolumes, func(i, j int) bool { return sortedVolumes[i].OIDBegin < sortedVolumes[j].OIDBegin })

	vi, ri := 0, 0
	for vi < len(sortedVolumes) && ri < len(reps) {
		vol := sortedVolumes[vi]
		var inVol []int64
		for ri < len(reps) && reps[ri] < vol.OIDBegin+vol.RecordCount {
			inVol = append(inVol, reps[ri])
			ri++
		}
		if len(inVol) > 0 {
			if err := streamVolume(fsys, vol, inVol, out); err != nil {
				return fmt.Errorf("clustering: volume %s: %w", vol.Path, err)
			}
		}
		vi++
	}
	return out.Sync()
}

func streamVolume(fsys fs.FileSystem, vol VolumeRef, repsInVol []int64, out fs.File) error {
	reader, err := seqio.Open(fsys, vol.Path)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer reader.Close()

	oid := vol.OIDBegin
	idx := 0
	for idx < len(repsInVol) {
		rec, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read record: %w", err)
		}
		if oid == repsInVol[idx] {
			if _, err := out.Write(formatFasta(oid, rec.Residue)); err != nil {
				return fmt.Errorf("write: %w", err)
			}
			idx++
		}
		oid++
	}
	return nil
}

func formatFasta(oid int64, residue []byte) []byte {
	buf := make([]byte, 0, len(residue)+24)
	buf = append(buf, '>')
	buf = append(buf, []byte(fmt.Sprintf("%d", oid))...)
	buf = append(buf, '\n')
	buf = append(buf, residue...)
	buf = append(buf, '\n')
	return buf
}
