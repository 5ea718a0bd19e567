package linclust

import (
	"context"

	"github.com/biocluster/linclust/internal/clustering"
	"github.com/biocluster/linclust/internal/fs"
	"github.com/biocluster/linclust/internal/seqio"
	"github.com/biocluster/linclust/internal/shape"
)

// seqioReader adapts *seqio.Reader to the SequenceReader interface: the
// only gap is seqio.Record vs. SeqRecord, both structurally identical.
type seqioReader struct{ r *seqio.Reader }

func (a seqioReader) Next() (SeqRecord, error) {
	rec, err := a.r.Next()
	return SeqRecord{ID: rec.ID, Residue: rec.Residue}, err
}

func (a seqioReader) Close() error { return a.r.Close() }

// DefaultSequenceReaderOpener opens sequence files via internal/seqio's
// FASTA/FASTQ auto-detecting reader.
type DefaultSequenceReaderOpener struct {
	FS fs.FileSystem
}

func (o DefaultSequenceReaderOpener) Open(path string) (SequenceReader, error) {
	r, err := seqio.Open(o.FS, path)
	if err != nil {
		return nil, err
	}
	return seqioReader{r: r}, nil
}

// DefaultAlphabet is internal/shape's 10-letter Murphy-style reduction,
// satisfying ReducedAlphabet directly.
type DefaultAlphabet = shape.DefaultAlphabet

// DefaultSketch adapts shape.MinimizerSketch to SketchIterator. Its Sketch
// parameter type is shape.ShapeKeyer, a subset of this package's Shape
// method set (Length/Key vs. Length/BitLength/Key), so any Shape value is
// directly assignable as the argument without a cast.
type DefaultSketch struct{}

func (DefaultSketch) Sketch(seq []byte, sh Shape, k int) []uint64 {
	var ms shape.MinimizerSketch
	return ms.Sketch(seq, sh, k)
}

// DefaultClustering adapts internal/clustering.Cluster (greedy
// connected-components over scored edges) to the ClusteringStage
// interface, converting between the root package's Edge/VolumedFile and
// clustering's locally-declared equivalents.
type DefaultClustering struct {
	FS fs.FileSystem
}

func (d DefaultClustering) Cluster(ctx context.Context, edges []Edge, volumes *VolumedFile, outPath string) error {
	cEdges := make([]clustering.Edge, len(edges))
	for i, e := range edges {
		cEdges[i] = clustering.Edge{RepOID: e.RepOID, MemberOID: e.MemberOID, Score: e.Score}
	}
	vols := volumes.Volumes()
	cVolumes := make([]clustering.VolumeRef, len(vols))
	for i, v := range vols {
		cVolumes[i] = clustering.VolumeRef{Path: v.Path, OIDBegin: v.OIDBegin, RecordCount: v.RecordCount}
	}
	return clustering.Cluster(d.FS, cEdges, cVolumes, volumes.OIDEnd(), outPath)
}
