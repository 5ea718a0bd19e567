package linclust

import "context"

// SeqRecord is one (id, residues) record yielded by a SequenceReader.
type SeqRecord struct {
	ID      string
	Residue []byte
}

// SequenceReader iterates (id_string, residues) records from a sequence
// file, auto-detecting FASTA ('>') vs FASTQ ('@') by leading byte per
// spec.md §6. The default implementation lives in internal/seqio.
type SequenceReader interface {
	// Next returns the next record, or io.EOF when exhausted.
	Next() (SeqRecord, error)
	Close() error
}

// SequenceReaderOpener opens a SequenceReader over the file at path.
type SequenceReaderOpener interface {
	Open(path string) (SequenceReader, error)
}

// ReducedAlphabet maps a residue byte to a reduced-alphabet code, per
// spec.md §6. The default 10-letter table lives in internal/shape.
type ReducedAlphabet interface {
	Reduce(residue byte) byte
	Size() int
}

// Shape is an indexable spaced-seed pattern: Length is the span in
// residues, BitLength is the total significant bits in a packed seed key.
type Shape interface {
	Length() int
	BitLength() int
	// Key packs the residues at the shape's "care" positions (already
	// reduced-alphabet-mapped) starting at pos within seq into a seed key.
	Key(seq []byte, pos int) uint64
}

// SketchIterator yields at most K seed keys from a reduced sequence under a
// Shape, per spec.md §6 and §9 (resolved to minimizer-style selection — K
// smallest keys under the radix mixing hash — in DESIGN.md).
type SketchIterator interface {
	// Sketch returns the selected seed keys in canonical (ascending
	// position) order. If k <= 0, selection is unbounded.
	Sketch(seq []byte, shape Shape, k int) []uint64
}

// Edge is produced by the external alignment collaborator; only RepOID's
// high bits are used for radix sort in this core, per spec.md §3.
type Edge struct {
	RepOID    int64
	MemberOID int64
	Score     float64
}

// AlignmentStage is a true external collaborator (out of scope for
// implementation per spec.md §1): given the chunk directory and the chunk
// count, it writes a set of radix-bucketed edge files keyed by rep_oid.
type AlignmentStage interface {
	Align(ctx context.Context, chunkDir string, chunkCount int) error
}

// ClusteringStage is given sorted edges and the current volumes and writes
// a next-round representatives file path. A reference greedy
// connected-components implementation is supplied in internal/clustering.
type ClusteringStage interface {
	Cluster(ctx context.Context, edges []Edge, volumes *VolumedFile, outPath string) error
}
