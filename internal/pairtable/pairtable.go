// Package pairtable implements the pair-table builder of spec.md §4.5
// (C5): grouping sorted SeedEntry buckets by equal seed key, choosing a
// representative, and emitting PairEntry records under either the
// uni-directional or mutual coverage policy.
package pairtable

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/biocluster/linclust/internal/fs"
	"github.com/biocluster/linclust/internal/radix"
	"github.com/biocluster/linclust/internal/rfa"
	"github.com/biocluster/linclust/internal/sc"
	"github.com/biocluster/linclust/internal/seedtable"
	"golang.org/x/sync/errgroup"
)

// entrySize is sizeof(PairEntry): rep_oid i64 + member_oid i64 + rep_len i32
// + member_len i32.
const entrySize = 8 + 8 + 4 + 4

// PairEntry is spec.md §3's {rep_oid, member_oid, rep_len, member_len}.
type PairEntry struct {
	RepOID    int64
	MemberOID int64
	RepLen    int32
	MemberLen int32
}

// Encode writes e as a 24-byte little-endian record.
func (e PairEntry) Encode() []byte {
	buf := make([]byte, entrySize)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(e.RepOID))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(e.MemberOID))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(e.RepLen))
	binary.LittleEndian.PutUint32(buf[20:24], uint32(e.MemberLen))
	return buf
}

// Decode parses a 24-byte record back into a PairEntry.
func Decode(raw []byte) PairEntry {
	return PairEntry{
		RepOID:    int64(binary.LittleEndian.Uint64(raw[0:8])),
		MemberOID: int64(binary.LittleEndian.Uint64(raw[8:16])),
		RepLen:    int32(binary.LittleEndian.Uint32(raw[16:20])),
		MemberLen: int32(binary.LittleEndian.Uint32(raw[20:24])),
	}
}

// CoverageConfig selects the active coverage policy. Exactly one policy is
// active for the whole job, per spec.md §4.5.
type CoverageConfig struct {
	// MemberCoverPct is the uni-directional threshold (0-100). Used unless
	// MutualCoverPct is set.
	MemberCoverPct float64
	// MutualCoverPct, if non-nil, enables bidirectional coverage.
	MutualCoverPct *float64
	// MaxGroupSize drops a seed group larger than this as "promiscuous"
	// before any pair is considered. 0 disables the cutoff, matching
	// spec.md §9's "commented-out" default.
	MaxGroupSize int
}

// Config configures one pair-table builder instance.
type Config struct {
	BaseDir string // <job>/pair_table; RFA output, shared across shapes per spec.md §4.8
	// QueueDir, if set, separates the queue/finished SC pair from BaseDir
	// so multiple shapes can share one pair-table RFA output while each
	// gets its own dequeue sequence over its own sorted seed buckets.
	// Defaults to BaseDir.
	QueueDir    string
	RadixBits   int
	RepOIDShift int // s = bit_length(db_size-1) - radix_bits
	WorkerID    string
	MaxFileSize int64
	Compress    bool
	FS          fs.FileSystem
	Threads     int
	Coverage    CoverageConfig
}

// Builder drives one process's contribution to the pair-table stage.
type Builder struct {
	cfg      Config
	out      *rfa.RFA
	queue    *sc.Counter
	finished *sc.Counter
}

// Open creates the builder's RFA output and SC primitives.
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
		return nil, fmt.Errorf("pairtable: open rfa: %w", err)
	}
	queueDir := cfg.QueueDir
	if queueDir == "" {
		queueDir = cfg.BaseDir
	}
	queue, err := sc.Open(ctx, cfg.FS, queueDir+"/queue")
	if err != nil {
		return nil, fmt.Errorf("pairtable: open queue: %w", err)
	}
	finished, err := sc.Open(ctx, cfg.FS, queueDir+"/finished")
	if err != nil {
		return nil, fmt.Errorf("pairtable: open finished: %w", err)
	}
	return &Builder{cfg: cfg, out: out, queue: queue, finished: finished}, nil
}

// Run dequeues sorted seed-table bucket groups by index until exhausted,
// processing each with up to cfg.Threads concurrent group-walkers, and
// deletes the consumed seed bucket once done, per spec.md §4.5 step 4.
func (b *Builder) Run(ctx context.Context, buckets []rfa.BucketGroup) (int, error) {
	processed := 0
	for {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}
		idx, err := b.queue.FetchAdd(ctx, 1)
		if err != nil {
			return processed, fmt.Errorf("pairtable: dequeue: %w", err)
		}
		if idx >= int64(len(buckets)) {
			return processed, nil
		}
		group := buckets[idx]
		if err := b.processBucket(ctx, group); err != nil {
			return processed, fmt.Errorf("pairtable: bucket %d: %w", group.Radix, err)
		}
		for _, f := range group.Files {
			_ = b.cfg.FS.Remove(f)
		}
		if _, err := b.finished.FetchAdd(ctx, 1); err != nil {
			return processed, fmt.Errorf("pairtable: finished barrier: %w", err)
		}
		processed++
	}
}

// AwaitComplete blocks until every bucket has been accounted for.
func (b *Builder) AwaitComplete(ctx context.Context, total int64) error {
	return b.finished.Await(ctx, total)
}

// Close flushes the builder's RFA writer and returns its bucket groups.
func (b *Builder) Close() ([]rfa.BucketGroup, error) {
	return b.out.Close()
}

func (b *Builder) processBucket(ctx context.Context, group rfa.BucketGroup) error {
	var records []seedtable.SeedEntry
	err := rfa.ReadBucket(b.cfg.FS, group, func(raw []byte) error {
		records = append(records, seedtable.Decode(raw))
		return nil
	})
	if err != nil {
		return fmt.Errorf("load bucket: %w", err)
	}
	if len(records) == 0 {
		return nil
	}

	// Partition the (already-sorted) range into T sub-ranges at seed-key
	// boundaries, per spec.md §4.5 step 2: adjacent equal keys never cross
	// a sub-range boundary.
	ranges := partitionAtKeyBoundaries(records, b.cfg.Threads)

	g, gctx := errgroup.WithContext(ctx)
	if b.cfg.Threads > 0 {
		g.SetLimit(b.cfg.Threads)
	}
	for _, r := range ranges {
		r := r
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			return b.walkGroups(records[r.lo:r.hi])
		})
	}
	return g.Wait()
}

type subRange struct{ lo, hi int }

func partitionAtKeyBoundaries(records []seedtable.SeedEntry, threads int) []subRange {
	if threads <= 1 || len(records) == 0 {
		return []subRange{{0, len(records)}}
	}
	target := len(records) / threads
	if target == 0 {
		return []subRange{{0, len(records)}}
	}
	var ranges []subRange
	start := 0
	for start < len(records) {
		end := start + target
		if end >= len(records) {
			ranges = append(ranges, subRange{start, len(records)})
			break
		}
		// Extend end forward until it lands on a key boundary.
		for end < len(records) && records[end].SeedKey == records[end-1].SeedKey {
			end++
		}
		ranges = append(ranges, subRange{start, end})
		start = end
	}
	return ranges
}

// walkGroups groups consecutive equal-SeedKey records and emits coverage
// pairs for each group.
func (b *Builder) walkGroups(records []seedtable.SeedEntry) error {
	i := 0
	for i < len(records) {
		j := i + 1
		for j < len(records) && records[j].SeedKey == records[i].SeedKey {
			j++
		}
		if err := b.emitGroup(records[i:j]); err != nil {
			return err
		}
		i = j
	}
	return nil
}

func (b *Builder) emitGroup(group []seedtable.SeedEntry) error {
	if len(group) < 2 {
		return nil
	}
	if b.cfg.Coverage.MaxGroupSize > 0 && len(group) > b.cfg.Coverage.MaxGroupSize {
		return nil // promiscuous seed, dropped per spec.md §9.
	}

	if b.cfg.Coverage.MutualCoverPct != nil {
		return b.emitMutual(group, *b.cfg.Coverage.MutualCoverPct)
	}
	return b.emitUnidirectional(group, b.cfg.Coverage.MemberCoverPct)
}

func representative(group []seedtable.SeedEntry) int {
	best := 0
	for i := 1; i < len(group); i++ {
		if group[i].Length > group[best].Length ||
			(group[i].Length == group[best].Length && group[i].OID < group[best].OID) {
			best = i
		}
	}
	return best
}

func (b *Builder) emitUnidirectional(group []seedtable.SeedEntry, memberCoverPct float64) error {
	repIdx := representative(group)
	rep := group[repIdx]
	for i, m := range group {
		if i == repIdx {
			continue
		}
		if rep.Length == 0 {
			continue
		}
		ratio := float64(m.Length) / float64(rep.Length) * 100
		if ratio < memberCoverPct {
			continue
		}
		entry := PairEntry{RepOID: rep.OID, MemberOID: m.OID, RepLen: rep.Length, MemberLen: m.Length}
		if err := b.append(entry); err != nil {
			return err
		}
	}
	return nil
}

func (b *Builder) emitMutual(group []seedtable.SeedEntry, mutualCoverPct float64) error {
	n := len(group)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			a, bb := group[i], group[j]
			var longer, shorter seedtable.SeedEntry
			switch {
			case a.Length > bb.Length:
				longer, shorter = a, bb
			case bb.Length > a.Length:
				longer, shorter = bb, a
			default:
				if a.OID <= bb.OID {
					longer, shorter = a, bb
				} else {
					longer, shorter = bb, a
				}
			}
			if longer.Length == 0 {
				continue
			}
			ratio := float64(shorter.Length) / float64(longer.Length) * 100
			if ratio < mutualCoverPct {
				continue
			}
			entry := PairEntry{RepOID: longer.OID, MemberOID: shorter.OID, RepLen: longer.Length, MemberLen: shorter.Length}
			if err := b.append(entry); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *Builder) append(entry PairEntry) error {
	bucket := radix.ShiftRadix(entry.RepOID, b.cfg.RepOIDShift) & ((1 << b.cfg.RadixBits) - 1)
	return b.out.Append(bucket, entry.Encode())
}
