package linclust

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/biocluster/linclust/internal/chunktable"
	"github.com/biocluster/linclust/internal/fs"
	"github.com/biocluster/linclust/internal/radix"
	"github.com/biocluster/linclust/internal/rfa"
)

const edgeEntrySize = 8 + 8 + 8 // rep_oid + member_oid + score (float64)

// EncodeEdge writes e as a 24-byte little-endian record.
func EncodeEdge(e Edge) []byte {
	buf := make([]byte, edgeEntrySize)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(e.RepOID))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(e.MemberOID))
	binary.LittleEndian.PutUint64(buf[16:24], math.Float64bits(e.Score))
	return buf
}

// DecodeEdge parses a 24-byte record back into an Edge.
func DecodeEdge(raw []byte) Edge {
	return Edge{
		RepOID:    int64(binary.LittleEndian.Uint64(raw[0:8])),
		MemberOID: int64(binary.LittleEndian.Uint64(raw[8:16])),
		Score:     math.Float64frombits(binary.LittleEndian.Uint64(raw[16:24])),
	}
}

// ReferenceAlignment is a default AlignmentStage that promotes every
// (rep, member) pair already accumulated in a chunk's pairs file (spec.md
// §4.6) into a scored Edge with a constant score, rather than performing a
// real seeded gapped alignment. This closes the pipeline end-to-end for
// testing, per SPEC_FULL.md §4.8; a production alignment engine substitutes
// a different AlignmentStage without any change to the round driver.
type ReferenceAlignment struct {
	FS          fs.FileSystem
	RadixBits   int
	RepOIDShift int
	WorkerID    string
	// Score is the constant score assigned to every promoted edge.
	Score float64
}

// Align reads every chunks/<id>/pairs file and writes a radix-bucketed
// (by rep_oid) edges RFA under <chunkDir's parent>/edges.
func (a ReferenceAlignment) Align(ctx context.Context, chunkDir string, chunkCount int) error {
	fsys := a.FS
	if fsys == nil {
		fsys = fs.Default
	}
	score := a.Score
	if score == 0 {
		score = 1.0
	}
	edgesDir := filepath.Join(filepath.Dir(chunkDir), "edges")
	out, err := rfa.Open(rfa.Config{
		BaseDir:  edgesDir,
		R:        1 << a.RadixBits,
		WorkerID: a.WorkerID,
		FS:       fsys,
	})
	if err != nil {
		return fmt.Errorf("linclust: open edges rfa: %w", err)
	}

	for id := 0; id < chunkCount; id++ {
		path := fmt.Sprintf("%s/%d/pairs", chunkDir, id)
		if _, err := fsys.Stat(path); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			out.Close()
			return fmt.Errorf("linclust: stat %s: %w", path, err)
		}
		err := chunktable.ReadPairsFile(fsys, path, func(p chunktable.PairEntryShort) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			edge := Edge{RepOID: p.RepOID, MemberOID: p.MemberOID, Score: score}
			bucket := radix.ShiftRadix(edge.RepOID, a.RepOIDShift) & ((1 << a.RadixBits) - 1)
			return out.Append(bucket, EncodeEdge(edge))
		})
		if err != nil {
			out.Close()
			return fmt.Errorf("linclust: read pairs %s: %w", path, err)
		}
	}
	_, err = out.Close()
	return err
}

// ReadEdges decodes every record from a set of edge bucket groups.
func ReadEdges(fsys fs.FileSystem, groups []rfa.BucketGroup) ([]Edge, error) {
	var edges []Edge
	for _, group := range groups {
		err := rfa.ReadBucket(fsys, group, func(raw []byte) error {
			edges = append(edges, DecodeEdge(raw))
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("linclust: read edges bucket %d: %w", group.Radix, err)
		}
	}
	return edges, nil
}
