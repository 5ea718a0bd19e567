// Package radix implements the mixing hash and external sort of spec.md
// §4.3/§4.4: mix64 distributes seed keys uniformly across radix buckets
// regardless of skew in the underlying seed-key distribution, and Sort
// turns an RFA's unsorted, multi-writer bucket files into fully sorted
// per-bucket streams.
//
// mix64 is github.com/cespare/xxhash/v2's Sum64 over the 8-byte key,
// carried over from the tamirms-streamhash example, which uses the same
// library to mix keys before bucketing.
package radix

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/bits"
	"sort"

	"github.com/biocluster/linclust/internal/fs"
	"github.com/biocluster/linclust/internal/rfa"
	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"
)

// Mix64 mixes an arbitrary u64 key into a near-uniform 64-bit value, so
// radix-bucket selection is robust to skewed key distributions. The
// unmixed high bits of the original key remain meaningful for the
// subsequent in-bucket sort, per spec.md §4.4's rationale.
func Mix64(key uint64) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], key)
	return xxhash.Sum64(buf[:])
}

// MixRadix returns the radix bucket for key under b bits of mixed hash:
// radix = mix64(key) & (R-1), per spec.md §4.4.
func MixRadix(key uint64, bits int) int {
	return int(Mix64(key) & ((1 << bits) - 1))
}

// ShiftRadix returns oid >> s, the radix used to partition records keyed by
// an OID directly (pair-table and chunk-table output), per spec.md §4.5.
func ShiftRadix(oid int64, s int) int {
	if s <= 0 {
		return int(oid)
	}
	return int(oid >> uint(s))
}

// RepOIDShift computes s = bit_length(dbSize-1) - b, the radix-sort shift
// for OID-keyed stages, per spec.md §4.5.
func RepOIDShift(dbSize int64, radixBits int) int {
	if dbSize <= 1 {
		return 0
	}
	s := bits.Len64(uint64(dbSize-1)) - radixBits
	if s < 0 {
		s = 0
	}
	return s
}

// Record is a decoded (sort key, raw bytes) pair read from an RFA bucket.
type Record struct {
	Key uint64
	Raw []byte
}

// KeyFunc extracts the sort key from a raw record.
type KeyFunc func(raw []byte) uint64

// SecondaryLess optionally breaks ties between records with equal primary
// keys (e.g. SeedEntry's "key then oid" order in spec.md §4.5 step 1).
type SecondaryLess func(a, b []byte) bool

// Sort reads every physical file of every bucket group from src, sorts the
// concatenated per-bucket records by KeyFunc (with an optional tie-break),
// and writes each sorted bucket to a fresh RFA at dstCfg. It is not a
// stable sort — ties may reorder, matching spec.md §4.3. Buckets are
// processed concurrently up to threads at a time, mirroring the teacher's
// and the corpus's use of golang.org/x/sync/errgroup for bounded fan-out.
//
// This implementation assumes each bucket's concatenated content fits in
// memory, which holds for the bucket counts and record sizes the pipeline
// targets; a bucket that does not fit would need the recursive
// partition-by-next-digit fallback spec.md §4.3 describes, which is not
// exercised here (see DESIGN.md).
func Sort(ctx context.Context, fsys fs.FileSystem, src []rfa.BucketGroup, dstCfg rfa.Config, keyFn KeyFunc, tie SecondaryLess, threads int) ([]rfa.BucketGroup, error) {
	if fsys == nil {
		fsys = fs.Default
	}
	dstCfg.FS = fsys
	out, err := rfa.Open(dstCfg)
	if err != nil {
		return nil, fmt.Errorf("radix: open output rfa: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	if threads > 0 {
		g.SetLimit(threads)
	}

	for _, group := range src {
		group := group
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			records, err := loadBucket(fsys, group, keyFn)
			if err != nil {
				return fmt.Errorf("radix: load bucket %d: %w", group.Radix, err)
			}
			sortRecords(records, tie)
			for _, rec := range records {
				if err := out.Append(group.Radix, rec.Raw); err != nil {
					return fmt.Errorf("radix: write bucket %d: %w", group.Radix, err)
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out.Close()
}

func loadBucket(fsys fs.FileSystem, group rfa.BucketGroup, keyFn KeyFunc) ([]Record, error) {
	var records []Record
	err := rfa.ReadBucket(fsys, group, func(raw []byte) error {
		cp := make([]byte, len(raw))
		copy(cp, raw)
		records = append(records, Record{Key: keyFn(cp), Raw: cp})
		return nil
	})
	return records, err
}

func sortRecords(records []Record, tie SecondaryLess) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].Key != records[j].Key {
			return records[i].Key < records[j].Key
		}
		if tie != nil {
			return tie(records[i].Raw, records[j].Raw)
		}
		return false
	})
}
