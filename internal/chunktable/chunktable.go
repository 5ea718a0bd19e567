// Package chunktable implements the HLL-bounded chunk-table builder of
// spec.md §4.6 (C6) — the hardest subsystem in the pipeline: a process-wide
// "current chunk" shared-ownership handle, HLL-based residue-tile size
// estimation, and the worker algorithm that assigns (rep, member) pairs to
// chunks while respecting the chunk invariant (every pair's endpoints are
// both referenced under the same chunk id in the chunk table).
//
// The rotation check re-snapshots the current chunk on every flush rather
// than assuming a single rotation between a worker's snapshot and its next
// lock acquisition, resolving the "loop until the snapshot equals the
// current chunk" note in spec.md §9.
package chunktable

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/biocluster/linclust/internal/fs"
	"github.com/biocluster/linclust/internal/hll"
	"github.com/biocluster/linclust/internal/pairtable"
	"github.com/biocluster/linclust/internal/radix"
	"github.com/biocluster/linclust/internal/rfa"
	"github.com/biocluster/linclust/internal/sc"
)

// ChunkTableEntry is spec.md §3's {oid, chunk} record (12 bytes).
type ChunkTableEntry struct {
	OID   int64
	Chunk int32
}

const entryTableSize = 8 + 4

func (e ChunkTableEntry) Encode() []byte {
	buf := make([]byte, entryTableSize)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(e.OID))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(e.Chunk))
	return buf
}

func DecodeEntry(raw []byte) ChunkTableEntry {
	return ChunkTableEntry{
		OID:   int64(binary.LittleEndian.Uint64(raw[0:8])),
		Chunk: int32(binary.LittleEndian.Uint32(raw[8:12])),
	}
}

// PairEntryShort is spec.md §3's {rep_oid, member_oid} (16 bytes), the
// lengths dropped once chunk assignment is done.
type PairEntryShort struct {
	RepOID    int64
	MemberOID int64
}

const shortEntrySize = 8 + 8

func (e PairEntryShort) encode(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], uint64(e.RepOID))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(e.MemberOID))
}

// DecodePairEntryShort parses a 16-byte record back into a PairEntryShort.
func DecodePairEntryShort(raw []byte) PairEntryShort {
	return PairEntryShort{
		RepOID:    int64(binary.LittleEndian.Uint64(raw[0:8])),
		MemberOID: int64(binary.LittleEndian.Uint64(raw[8:16])),
	}
}

// ReadPairsFile streams every PairEntryShort out of a chunk's length-
// prefixed vector frames (<chunks>/<id>/pairs), per spec.md §6's encoding
// note ("u64 count followed by count*sizeof(PairEntryShort) per frame").
// It is used by the reference alignment collaborator to promote raw pairs
// into scored edges without re-deriving the frame format.
func ReadPairsFile(fsys fs.FileSystem, path string, fn func(PairEntryShort) error) error {
	f, err := fsys.OpenFile(path, os.O_RDONLY, 0o644)
	if err != nil {
		return fmt.Errorf("chunktable: open pairs %s: %w", path, err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return fmt.Errorf("chunktable: stat pairs %s: %w", path, err)
	}
	data := make([]byte, stat.Size())
	if _, err := f.ReadAt(data, 0); err != nil {
		return fmt.Errorf("chunktable: read pairs %s: %w", path, err)
	}

	off := 0
	for off+8 <= len(data) {
		count := binary.LittleEndian.Uint64(data[off : off+8])
		off += 8
		for i := uint64(0); i < count; i++ {
			if off+shortEntrySize > len(data) {
				return fmt.Errorf("chunktable: truncated frame in %s", path)
			}
			if err := fn(DecodePairEntryShort(data[off : off+shortEntrySize])); err != nil {
				return err
			}
			off += shortEntrySize
		}
	}
	return nil
}

// Chunk is a job-scoped output partition: an append-only pairs file, an HLL
// sketch estimating its residue-tile mass, and a mutex serializing frame
// writes and HLL merges, per spec.md §4.6. Multiple workers may hold a
// shared-ownership handle ([Retain]/[Release]) to the same chunk
// simultaneously; the pairs file closes only after the last holder
// releases it, per the shared-ownership note in spec.md §9.
type Chunk struct {
	id       int32
	fsys     fs.FileSystem
	path     string
	mu       sync.Mutex
	pairsF   fs.File
	sketch   *hll.HLL
	members  *roaring64.Bitmap
	refs     int32
	retired  atomic.Bool
}

func newChunk(fsys fs.FileSystem, chunksDir string, id int32) (*Chunk, error) {
	dir := fmt.Sprintf("%s/%d", chunksDir, id)
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("chunktable: mkdir chunk %d: %w", id, err)
	}
	path := dir + "/pairs"
	f, err := fsys.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("chunktable: open pairs %d: %w", id, err)
	}
	return &Chunk{
		id:      id,
		fsys:    fsys,
		path:    path,
		pairsF:  f,
		sketch:  hll.New(hll.DefaultPrecision),
		members: roaring64.New(),
		refs:    1, // the Set holds the first ref while the chunk is current
	}, nil
}

// ID returns the chunk's identifier.
func (c *Chunk) ID() int32 { return c.id }

// Retain increments the chunk's shared-ownership refcount.
func (c *Chunk) Retain() { atomic.AddInt32(&c.refs, 1) }

// Release decrements the refcount, closing the pairs file once the last
// holder (including a retired chunk's final writer) releases it.
func (c *Chunk) Release() error {
	if atomic.AddInt32(&c.refs, -1) > 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.pairsF.Sync(); err != nil {
		c.pairsF.Close()
		return fmt.Errorf("chunktable: sync chunk %d: %w", c.id, err)
	}
	return c.pairsF.Close()
}

// Write appends one length-prefixed vector frame of pairs and merges sketch
// into the chunk's HLL, then clears both buffers — the locked step of the
// worker pseudocode in spec.md §4.6.
func (c *Chunk) Write(pairs []PairEntryShort, sketch *hll.HLL) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(pairs) > 0 {
		buf := make([]byte, 8+len(pairs)*shortEntrySize)
		binary.LittleEndian.PutUint64(buf[0:8], uint64(len(pairs)))
		off := 8
		for _, p := range pairs {
			p.encode(buf[off : off+shortEntrySize])
			off += shortEntrySize
			c.members.Add(uint64(p.RepOID))
			c.members.Add(uint64(p.MemberOID))
		}
		if _, err := c.pairsF.Write(buf); err != nil {
			return fmt.Errorf("chunktable: write frame chunk %d: %w", c.id, err)
		}
	}
	c.sketch.Merge(sketch)
	return nil
}

// EstimatedTiles returns the chunk's current HLL cardinality estimate.
func (c *Chunk) EstimatedTiles() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sketch.Estimate()
}

// HasMember reports whether oid has ever been written into this chunk's
// pairs file, used by tests asserting the chunk invariant of spec.md §8.
func (c *Chunk) HasMember(oid int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.members.Contains(uint64(oid))
}

// Set owns the job-wide current-chunk pointer and the next_chunk SC.
type Set struct {
	fsys         fs.FileSystem
	chunksDir    string
	maxChunkSize uint64
	nextChunk    *sc.Counter

	mu      sync.Mutex
	current *Chunk
}

// OpenSet opens (or attaches to) the job's chunk set.
func OpenSet(ctx context.Context, fsys fs.FileSystem, baseDir string, maxChunkSize uint64) (*Set, error) {
	if fsys == nil {
		fsys = fs.Default
	}
	chunksDir := baseDir + "/chunks"
	if err := fsys.MkdirAll(chunksDir, 0o755); err != nil {
		return nil, fmt.Errorf("chunktable: mkdir chunks: %w", err)
	}
	counter, err := sc.Open(ctx, fsys, chunksDir+"/next_chunk")
	if err != nil {
		return nil, fmt.Errorf("chunktable: open next_chunk: %w", err)
	}
	return &Set{fsys: fsys, chunksDir: chunksDir, maxChunkSize: maxChunkSize, nextChunk: counter}, nil
}

// Current returns the current chunk, creating chunk 0 on first call. The
// caller owns one reference and must Release it when done.
func (s *Set) Current(ctx context.Context) (*Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		id, err := s.nextChunk.FetchAdd(ctx, 1)
		if err != nil {
			return nil, err
		}
		c, err := newChunk(s.fsys, s.chunksDir, int32(id))
		if err != nil {
			return nil, err
		}
		s.current = c
	}
	s.current.Retain()
	return s.current, nil
}

// RotateIfCurrent creates a new chunk and makes it current only if expected
// is still the current chunk; otherwise it returns the already-rotated
// current chunk without creating another one. This re-check-before-commit
// is what prevents the pathological double rotation spec.md §9 warns about:
// a worker that lost the race to rotate simply rejoins the winner's chunk.
func (s *Set) RotateIfCurrent(ctx context.Context, expected *Chunk) (*Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current.id != expected.id {
		s.current.Retain()
		return s.current, nil
	}
	id, err := s.nextChunk.FetchAdd(ctx, 1)
	if err != nil {
		return nil, err
	}
	next, err := newChunk(s.fsys, s.chunksDir, int32(id))
	if err != nil {
		return nil, err
	}
	old := s.current
	old.retired.Store(true)
	s.current = next
	s.current.Retain()
	// Drop the Set's own ref on the retired chunk. The caller still holds
	// expected, so this cannot be the last ref; the last holder closes it.
	_ = old.Release()
	return s.current, nil
}

// SnapshotCurrent returns the current chunk without rotating, for a
// worker's re-check-after-flush step. Caller owns the returned reference.
func (s *Set) SnapshotCurrent() *Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current.Retain()
	return s.current
}

// ChunkCount returns the number of chunks created so far.
func (s *Set) ChunkCount(ctx context.Context) (int64, error) {
	return s.nextChunk.Get(ctx)
}

// Config configures one chunk-table builder instance.
type Config struct {
	BaseDir      string // <job>
	RadixBits    int
	RepOIDShift  int
	WorkerID     string
	MaxFileSize  int64
	Compress     bool
	FS           fs.FileSystem
	Threads      int
	MaxChunkSize uint64 // linclust_chunk_size / 64, per spec.md §4.6
}

// maxProcessed bounds how often a worker contends for the chunk lock, per
// spec.md §4.6's rationale: max(1, min(262144, max_chunk_size/T/16)).
func maxProcessed(maxChunkSize uint64, threads int) uint64 {
	if threads <= 0 {
		threads = 1
	}
	v := maxChunkSize / uint64(threads) / 16
	if v > 262144 {
		v = 262144
	}
	if v < 1 {
		v = 1
	}
	return v
}

// Builder drives one process's contribution to the chunk-table stage.
type Builder struct {
	cfg      Config
	out      *rfa.RFA
	chunks   *Set
	queue    *sc.Counter
	finished *sc.Counter
}

// Open creates the builder's ChunkTableEntry RFA output, chunk set, and SC
// primitives.
func Open(ctx context.Context, cfg Config) (*Builder, error) {
	if cfg.FS == nil {
		cfg.FS = fs.Default
	}
	tableDir := cfg.BaseDir + "/chunk_table"
	out, err := rfa.Open(rfa.Config{
		BaseDir:     tableDir,
		R:           1 << cfg.RadixBits,
		WorkerID:    cfg.WorkerID,
		MaxFileSize: cfg.MaxFileSize,
		Compress:    cfg.Compress,
		FS:          cfg.FS,
	})
	if err != nil {
		return nil, fmt.Errorf("chunktable: open rfa: %w", err)
	}
	chunks, err := OpenSet(ctx, cfg.FS, cfg.BaseDir, cfg.MaxChunkSize)
	if err != nil {
		return nil, err
	}
	queue, err := sc.Open(ctx, cfg.FS, tableDir+"/queue")
	if err != nil {
		return nil, fmt.Errorf("chunktable: open queue: %w", err)
	}
	finished, err := sc.Open(ctx, cfg.FS, tableDir+"/finished")
	if err != nil {
		return nil, fmt.Errorf("chunktable: open finished: %w", err)
	}
	return &Builder{cfg: cfg, out: out, chunks: chunks, queue: queue, finished: finished}, nil
}

// Chunks returns the builder's chunk set, for round-driver bookkeeping
// (e.g. reading ChunkCount once all buckets are processed).
func (b *Builder) Chunks() *Set { return b.chunks }

// Run dequeues sorted pair-table bucket groups by index until exhausted.
func (b *Builder) Run(ctx context.Context, buckets []rfa.BucketGroup) (int, error) {
	processed := 0
	for {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}
		idx, err := b.queue.FetchAdd(ctx, 1)
		if err != nil {
			return processed, fmt.Errorf("chunktable: dequeue: %w", err)
		}
		if idx >= int64(len(buckets)) {
			return processed, nil
		}
		group := buckets[idx]
		if err := b.processBucket(ctx, group); err != nil {
			return processed, fmt.Errorf("chunktable: bucket %d: %w", group.Radix, err)
		}
		for _, f := range group.Files {
			_ = b.cfg.FS.Remove(f)
		}
		if _, err := b.finished.FetchAdd(ctx, 1); err != nil {
			return processed, fmt.Errorf("chunktable: finished barrier: %w", err)
		}
		processed++
	}
}

// AwaitComplete blocks until every bucket has been accounted for.
func (b *Builder) AwaitComplete(ctx context.Context, total int64) error {
	return b.finished.Await(ctx, total)
}

// Close flushes the builder's RFA writer and returns its bucket groups. A
// retired chunk's pairs file is closed by the Release that drops its last
// ref, not here; the current chunk's file stays open, since the Set keeps
// its ref on it.
func (b *Builder) Close() ([]rfa.BucketGroup, error) {
	return b.out.Close()
}

func (b *Builder) processBucket(ctx context.Context, group rfa.BucketGroup) error {
	var records []pairtable.PairEntry
	err := rfa.ReadBucket(b.cfg.FS, group, func(raw []byte) error {
		records = append(records, pairtable.Decode(raw))
		return nil
	})
	if err != nil {
		return fmt.Errorf("load bucket: %w", err)
	}
	if len(records) == 0 {
		return nil
	}

	i := 0
	for i < len(records) {
		j := i + 1
		for j < len(records) && records[j].RepOID == records[i].RepOID {
			j++
		}
		if err := b.processGroup(ctx, records[i:j]); err != nil {
			return err
		}
		i = j
	}
	// Rotate ahead of the next bucket if the current chunk is already over
	// budget, per spec.md §4.6's post-bucket check.
	cur := b.chunks.SnapshotCurrent()
	if cur.EstimatedTiles() >= b.cfg.MaxChunkSize {
		rotated, err := b.chunks.RotateIfCurrent(ctx, cur)
		cur.Release()
		if err != nil {
			return err
		}
		return rotated.Release()
	}
	return cur.Release()
}

func (b *Builder) processGroup(ctx context.Context, group []pairtable.PairEntry) error {
	sort.Slice(group, func(i, j int) bool { return group[i].MemberOID < group[j].MemberOID })

	repOID := group[0].RepOID
	repLen := group[0].RepLen

	myChunk, err := b.chunks.Current(ctx)
	if err != nil {
		return err
	}

	emitRep := func(chunkID int32, localHLL *hll.HLL) error {
		if err := b.emitEntry(ChunkTableEntry{OID: repOID, Chunk: chunkID}); err != nil {
			return err
		}
		localHLL.AddTiles(repOID, int(repLen))
		return nil
	}

	localHLL := hll.New(hll.DefaultPrecision)
	if err := emitRep(myChunk.id, localHLL); err != nil {
		myChunk.Release()
		return err
	}
	processed := uint64(repLen)

	var pairsBuf []PairEntryShort
	threshold := maxProcessed(b.cfg.MaxChunkSize, b.cfg.Threads)
	var lastMember int64 = -1

	flush := func() error {
		if err := myChunk.Write(pairsBuf, localHLL); err != nil {
			return err
		}
		pairsBuf = pairsBuf[:0]
		localHLL.Reset()
		return nil
	}

	for _, m := range group {
		if m.MemberOID == repOID || m.MemberOID == lastMember {
			continue
		}
		lastMember = m.MemberOID

		if err := b.emitEntry(ChunkTableEntry{OID: m.MemberOID, Chunk: myChunk.id}); err != nil {
			myChunk.Release()
			return err
		}
		localHLL.AddTiles(m.MemberOID, int(m.MemberLen))
		pairsBuf = append(pairsBuf, PairEntryShort{RepOID: repOID, MemberOID: m.MemberOID})
		processed += uint64(m.MemberLen)

		if processed < threshold {
			continue
		}
		if err := flush(); err != nil {
			myChunk.Release()
			return err
		}
		processed = 0

		newChunk := false
		current := b.chunks.SnapshotCurrent()
		switch {
		case current.id != myChunk.id:
			myChunk.Release()
			myChunk = current
			newChunk = true
		case myChunk.EstimatedTiles() >= b.cfg.MaxChunkSize:
			rotated, err := b.chunks.RotateIfCurrent(ctx, myChunk)
			current.Release()
			if err != nil {
				myChunk.Release()
				return err
			}
			myChunk.Release()
			myChunk = rotated
			newChunk = true
		default:
			current.Release()
		}
		if newChunk {
			if err := emitRep(myChunk.id, localHLL); err != nil {
				myChunk.Release()
				return err
			}
		}
	}

	if err := flush(); err != nil {
		myChunk.Release()
		return err
	}
	return myChunk.Release()
}

func (b *Builder) emitEntry(e ChunkTableEntry) error {
	bucket := radix.ShiftRadix(e.OID, b.cfg.RepOIDShift) & ((1 << b.cfg.RadixBits) - 1)
	return b.out.Append(bucket, e.Encode())
}
