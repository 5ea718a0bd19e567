// Package seedtable implements the seed-table builder of spec.md §4.4 (C4):
// streaming sequences into radix-bucketed SeedEntry records under a shape's
// sketch iterator, with the round>0 ".oid" sidecar chain of spec.md §4.4
// step 2.
package seedtable

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/biocluster/linclust/internal/fs"
	"github.com/biocluster/linclust/internal/radix"
	"github.com/biocluster/linclust/internal/rfa"
	"github.com/biocluster/linclust/internal/sc"
	"github.com/biocluster/linclust/internal/seqio"
	"github.com/biocluster/linclust/internal/shape"
)

// entrySize is sizeof(SeedEntry): seed_key u64 + oid i64 + length i32.
const entrySize = 8 + 8 + 4

// SeedEntry is spec.md §3's {seed_key, oid, length} record.
type SeedEntry struct {
	SeedKey uint64
	OID     int64
	Length  int32
}

// Encode writes e as a 20-byte little-endian record.
func (e SeedEntry) Encode() []byte {
	buf := make([]byte, entrySize)
	binary.LittleEndian.PutUint64(buf[0:8], e.SeedKey)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(e.OID))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(e.Length))
	return buf
}

// Decode parses a 20-byte record back into a SeedEntry.
func Decode(raw []byte) SeedEntry {
	return SeedEntry{
		SeedKey: binary.LittleEndian.Uint64(raw[0:8]),
		OID:     int64(binary.LittleEndian.Uint64(raw[8:16])),
		Length:  int32(binary.LittleEndian.Uint32(raw[16:20])),
	}
}

// VolumeRef is the minimal per-volume description the builder needs; the
// round driver adapts linclust.Volume into this to avoid an import cycle
// back to the root package.
type VolumeRef struct {
	Path     string
	OIDBegin int64
}

// ReducedAlphabet maps a residue byte to a reduced-alphabet code.
type ReducedAlphabet interface {
	Reduce(residue byte) byte
}

// SequenceReader is the minimal SequenceReader surface the builder needs.
type SequenceReader interface {
	Next() (seqio.Record, error)
	Close() error
}

// Opener opens a SequenceReader over a volume path.
type Opener func(path string) (SequenceReader, error)

// SketchIterator mirrors shape.MinimizerSketch's signature exactly so the
// default implementation satisfies this interface without adaptation.
type SketchIterator interface {
	Sketch(seq []byte, sh shape.ShapeKeyer, k int) []uint64
}

// Config configures one seed-table builder instance for a single shape.
type Config struct {
	BaseDir     string // <job>/seed_table_<shape>
	RadixBits   int
	WorkerID    string
	MaxFileSize int64
	Compress    bool
	FS          fs.FileSystem

	Round      int // round number; >0 enables the .oid sidecar
	Alphabet   ReducedAlphabet
	Shape      shape.ShapeKeyer
	Sketch     SketchIterator
	SketchSize int
	Open       Opener
}

// Builder drives one process's contribution to a shape's seed-table stage.
type Builder struct {
	cfg      Config
	out      *rfa.RFA
	queue    *sc.Counter
	finished *sc.Counter
}

// Open creates the builder's RFA output and SC primitives under cfg.BaseDir.
func Open(ctx context.Context, cfg Config) (*Builder, error) {
	if cfg.FS == nil {
		cfg.FS = fs.Default
	}
	out, err := rfa.Open(rfa.Config{
		BaseDir:     cfg.BaseDir,
		R:           1 << cfg.RadixBits,
		WorkerID:    cfg.WorkerID,
		MaxFileSize: cfg.MaxFileSize,
		Compress:    cfg.Compress,
		FS:          cfg.FS,
	})
	if err != nil {
		return nil, fmt.Errorf("seedtable: open rfa: %w", err)
	}
	queue, err := sc.Open(ctx, cfg.FS, cfg.BaseDir+"/queue")
	if err != nil {
		return nil, fmt.Errorf("seedtable: open queue: %w", err)
	}
	finished, err := sc.Open(ctx, cfg.FS, cfg.BaseDir+"/finished")
	if err != nil {
		return nil, fmt.Errorf("seedtable: open finished: %w", err)
	}
	return &Builder{cfg: cfg, out: out, queue: queue, finished: finished}, nil
}

// Run dequeues volumes from the shared queue until exhausted, emitting
// SeedEntry records for each, per spec.md §4.4. It returns the number of
// volumes this call processed.
func (b *Builder) Run(ctx context.Context, volumes []VolumeRef) (int, error) {
	processed := 0
	for {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}
		idx, err := b.queue.FetchAdd(ctx, 1)
		if err != nil {
			return processed, fmt.Errorf("seedtable: dequeue: %w", err)
		}
		if idx >= int64(len(volumes)) {
			return processed, nil
		}
		if err := b.processVolume(ctx, volumes[idx]); err != nil {
			return processed, fmt.Errorf("seedtable: volume %d (%s): %w", idx, volumes[idx].Path, err)
		}
		if _, err := b.finished.FetchAdd(ctx, 1); err != nil {
			return processed, fmt.Errorf("seedtable: finished barrier: %w", err)
		}
		processed++
	}
}

// AwaitComplete blocks until every volume has been accounted for in the
// finished barrier.
func (b *Builder) AwaitComplete(ctx context.Context, total int64) error {
	return b.finished.Await(ctx, total)
}

// Close flushes the builder's RFA writer and returns its bucket groups.
func (b *Builder) Close() ([]rfa.BucketGroup, error) {
	return b.out.Close()
}

func (b *Builder) processVolume(ctx context.Context, vol VolumeRef) error {
	reader, err := b.cfg.Open(vol.Path)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer reader.Close()

	var sidecar fs.File
	if b.cfg.Round > 0 {
		sidecar, err = b.cfg.FS.OpenFile(vol.Path+".oid", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return fmt.Errorf("open sidecar: %w", err)
		}
		defer sidecar.Close()
	}

	oid := vol.OIDBegin
	shapeLen := b.cfg.Shape.Length()
	var sidecarBuf [8]byte

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rec, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read record: %w", err)
		}

		if sidecar != nil {
			prevOID, perr := strconv.ParseInt(rec.ID, 10, 64)
			if perr == nil {
				binary.LittleEndian.PutUint64(sidecarBuf[:], uint64(prevOID))
				if _, err := sidecar.Write(sidecarBuf[:]); err != nil {
					return fmt.Errorf("write sidecar: %w", err)
				}
			}
		}

		if len(rec.Residue) >= shapeLen {
			reduced := reduceSequence(b.cfg.Alphabet, rec.Residue)
			keys := b.cfg.Sketch.Sketch(reduced, b.cfg.Shape, b.cfg.SketchSize)
			for _, key := range keys {
				entry := SeedEntry{SeedKey: key, OID: oid, Length: int32(len(rec.Residue))}
				radixBucket := radix.MixRadix(key, b.cfg.RadixBits)
				if err := b.out.Append(radixBucket, entry.Encode()); err != nil {
					return fmt.Errorf("append seed entry: %w", err)
				}
			}
		}
		oid++
	}
	return nil
}

func reduceSequence(alphabet ReducedAlphabet, seq []byte) []byte {
	if alphabet == nil {
		return seq
	}
	out := make([]byte, len(seq))
	for i, r := range seq {
		out[i] = alphabet.Reduce(r)
	}
	return out
}
