// Package materializer implements the chunk materializer of spec.md §4.7
// (C7): given sorted ChunkTableEntry buckets and the original VolumedFile,
// stream each covered volume's sequences once and append the FASTA-
// formatted record to every chunk the OID was assigned to.
package materializer

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync/atomic"

	"github.com/biocluster/linclust/internal/chunktable"
	"github.com/biocluster/linclust/internal/fs"
	"github.com/biocluster/linclust/internal/rfa"
	"github.com/biocluster/linclust/internal/sc"
	"github.com/biocluster/linclust/internal/seqio"
	"golang.org/x/sync/errgroup"
)

// VolumeRef is the minimal per-volume description the materializer needs.
type VolumeRef struct {
	Path        string
	OIDBegin    int64
	RecordCount int64
}

func (v VolumeRef) oidEnd() int64 { return v.OIDBegin + v.RecordCount }

// Config configures one materializer builder instance.
type Config struct {
	BaseDir     string // <job>
	RadixBits   int
	RepOIDShift int
	WorkerID    string
	MaxFileSize int64 // default ~1GiB, per spec.md §4.7
	FS          fs.FileSystem
	Threads     int
}

// Builder drives one process's contribution to the chunk materializer
// stage.
type Builder struct {
	cfg      Config
	chunkDir string
	queue    *sc.Counter
	finished *sc.Counter
}

// Open creates the builder's SC primitives. The chunk output directory is
// shared across all workers (one physical file per worker per chunk, via
// RFA's WorkerID-qualified naming).
func Open(ctx context.Context, cfg Config) (*Builder, error) {
	if cfg.FS == nil {
		cfg.FS = fs.Default
	}
	if cfg.MaxFileSize == 0 {
		cfg.MaxFileSize = 1 << 30
	}
	queueDir := cfg.BaseDir + "/chunks"
	if err := cfg.FS.MkdirAll(queueDir, 0o755); err != nil {
		return nil, fmt.Errorf("materializer: mkdir chunks: %w", err)
	}
	queue, err := sc.Open(ctx, cfg.FS, queueDir+"/queue")
	if err != nil {
		return nil, fmt.Errorf("materializer: open queue: %w", err)
	}
	finished, err := sc.Open(ctx, cfg.FS, queueDir+"/finished")
	if err != nil {
		return nil, fmt.Errorf("materializer: open finished: %w", err)
	}
	return &Builder{cfg: cfg, chunkDir: queueDir, queue: queue, finished: finished}, nil
}

// Run dequeues sorted chunk-table bucket groups by index until exhausted.
func (b *Builder) Run(ctx context.Context, buckets []rfa.BucketGroup, volumes []VolumeRef) (int, error) {
	out, err := rfa.Open(rfa.Config{
		BaseDir:     b.chunkDir,
		R:           maxInt(1, chunkCountHint(volumes)),
		WorkerID:    b.cfg.WorkerID,
		MaxFileSize: b.cfg.MaxFileSize,
		Raw:         true,
		Ext:         "fasta",
		FS:          b.cfg.FS,
	})
	if err != nil {
		return 0, fmt.Errorf("materializer: open chunk writer: %w", err)
	}

	processed := 0
	for {
		if ctx.Err() != nil {
			out.Close()
			return processed, ctx.Err()
		}
		idx, err := b.queue.FetchAdd(ctx, 1)
		if err != nil {
			out.Close()
			return processed, fmt.Errorf("materializer: dequeue: %w", err)
		}
		if idx >= int64(len(buckets)) {
			break
		}
		group := buckets[idx]
		if err := b.processBucket(ctx, group, volumes, out); err != nil {
			out.Close()
			return processed, fmt.Errorf("materializer: bucket %d: %w", group.Radix, err)
		}
		if _, err := b.finished.FetchAdd(ctx, 1); err != nil {
			out.Close()
			return processed, fmt.Errorf("materializer: finished barrier: %w", err)
		}
		processed++
	}
	if _, err := out.Close(); err != nil {
		return processed, fmt.Errorf("materializer: close chunk writer: %w", err)
	}
	return processed, nil
}

// AwaitComplete blocks until every bucket has been accounted for.
func (b *Builder) AwaitComplete(ctx context.Context, total int64) error {
	return b.finished.Await(ctx, total)
}

// chunkCountHint picks a generous RFA bucket count; RFA no longer requires
// a power of two, so any positive bound works — the actual chunk ids used
// are whatever the chunk-table stage assigned.
func chunkCountHint(volumes []VolumeRef) int {
	return 1 << 16
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (b *Builder) processBucket(ctx context.Context, group rfa.BucketGroup, volumes []VolumeRef, out *rfa.RFA) error {
	var entries []chunktable.ChunkTableEntry
	err := rfa.ReadBucket(b.cfg.FS, group, func(raw []byte) error {
		entries = append(entries, chunktable.DecodeEntry(raw))
		return nil
	})
	if err != nil {
		return fmt.Errorf("load bucket: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].OID != entries[j].OID {
			return entries[i].OID < entries[j].OID
		}
		return entries[i].Chunk < entries[j].Chunk
	})

	oidBegin := entries[0].OID
	oidEnd := entries[len(entries)-1].OID + 1
	lo, hi := findVolumes(volumes, oidBegin, oidEnd)
	covered := volumes[lo : hi+1]

	threads := b.cfg.Threads
	if threads > len(covered) {
		threads = len(covered)
	}
	if threads <= 0 {
		threads = 1
	}

	var next int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(threads)
	for i := 0; i < len(covered); i++ {
		g.Go(func() error {
			for {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				idx := atomic.AddInt64(&next, 1) - 1
				if idx >= int64(len(covered)) {
					return nil
				}
				if err := materializeVolume(b.cfg.FS, covered[idx], entries, out); err != nil {
					return fmt.Errorf("volume %s: %w", covered[idx].Path, err)
				}
			}
		})
	}
	return g.Wait()
}

// findVolumes returns the inclusive [lo, hi] volume index range covering
// [oidBegin, oidEnd), mirroring linclust.VolumedFile.Find without importing
// the root package.
func findVolumes(volumes []VolumeRef, oidBegin, oidEnd int64) (lo, hi int) {
	n := len(volumes)
	lo = sort.Search(n, func(i int) bool { return volumes[i].oidEnd() > oidBegin })
	hi = sort.Search(n, func(i int) bool { return volumes[i].OIDBegin >= oidEnd })
	if hi > lo {
		hi--
	} else {
		hi = lo
	}
	return lo, hi
}

func materializeVolume(fsys fs.FileSystem, vol VolumeRef, entries []chunktable.ChunkTableEntry, out *rfa.RFA) error {
	reader, err := seqio.Open(fsys, vol.Path)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer reader.Close()

	// tablePtr advances past entries with oid < vol.OIDBegin.
	tablePtr := sort.Search(len(entries), func(i int) bool { return entries[i].OID >= vol.OIDBegin })

	oid := vol.OIDBegin
	for {
		rec, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read record: %w", err)
		}
		for tablePtr < len(entries) && entries[tablePtr].OID < oid {
			tablePtr++
		}
		if tablePtr >= len(entries) || entries[tablePtr].OID != oid {
			oid++
			continue
		}

		formatted := formatFasta(oid, rec.Residue)
		var lastChunk int32 = -1
		for tablePtr < len(entries) && entries[tablePtr].OID == oid {
			chunk := entries[tablePtr].Chunk
			if chunk != lastChunk {
				if err := out.Append(int(chunk), formatted); err != nil {
					return fmt.Errorf("append chunk %d: %w", chunk, err)
				}
				lastChunk = chunk
			}
			tablePtr++
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
