// Package sc implements the shared counter (SC) primitive of spec.md §4.1:
// a named, persistent monotonic 64-bit integer on shared storage, usable
// both as a work queue (FetchAdd) and as a barrier (Await).
//
// The buffered-writer-with-header shape is grounded on the teacher's WAL
// (internal/wal): an 8-byte magic + 4-byte version header precedes the
// 8-byte little-endian counter value, the same framing discipline the WAL
// uses for its own file. Cross-process mutual exclusion for the
// read-modify-write is done with an O_EXCL lockfile — justified as stdlib
// in DESIGN.md, since no lockfile library is present anywhere in the
// example corpus.
package sc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/biocluster/linclust/internal/fs"
	"golang.org/x/time/rate"
)

const (
	magic      = "LCSCTR01" // 8 bytes
	version    = 1
	headerSize = 12 // magic(8) + version(4)
	bodySize   = 8  // little-endian u64 counter value
)

var (
	ErrInvalidHeader = errors.New("sc: invalid counter file header")
	ErrIncompatible  = errors.New("sc: incompatible counter file version")
)

// Counter is a filesystem-backed monotonic integer, per spec.md §4.1.
type Counter struct {
	fsys     fs.FileSystem
	path     string
	lockPath string
}

// Open opens or creates the counter file at path, writing a fresh header
// and zero value if it does not already exist. There is no deletion API;
// the file persists for the life of the Job directory, per spec.md §4.1.
func Open(ctx context.Context, fsys fs.FileSystem, path string) (*Counter, error) {
	if fsys == nil {
		fsys = fs.Default
	}
	c := &Counter{fsys: fsys, path: path, lockPath: path + ".lock"}

	f, err := fsys.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("sc: open %s: %w", path, err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("sc: stat %s: %w", path, err)
	}

	if stat.Size() == 0 {
		buf := make([]byte, headerSize+bodySize)
		copy(buf[0:8], magic)
		binary.LittleEndian.PutUint32(buf[8:12], version)
		// body left zero
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return nil, fmt.Errorf("sc: seek %s: %w", path, err)
		}
		if _, err := f.Write(buf); err != nil {
			return nil, fmt.Errorf("sc: init %s: %w", path, err)
		}
		if err := f.Sync(); err != nil {
			return nil, fmt.Errorf("sc: sync %s: %w", path, err)
		}
		return c, nil
	}

	hdr := make([]byte, headerSize)
	if _, err := f.ReadAt(hdr, 0); err != nil {
		return nil, fmt.Errorf("sc: read header %s: %w", path, err)
	}
	if string(hdr[0:8]) != magic {
		return nil, fmt.Errorf("%w: %s", ErrInvalidHeader, path)
	}
	if v := binary.LittleEndian.Uint32(hdr[8:12]); v != version {
		return nil, fmt.Errorf("%w: %s has version %d, want %d", ErrIncompatible, path, v, version)
	}
	return c, nil
}

// Get reads the current value without acquiring the cross-process lock. It
// may observe a value concurrently being updated by another writer; callers
// that need a linearized read should use FetchAdd(ctx, 0).
func (c *Counter) Get(ctx context.Context) (int64, error) {
	f, err := c.fsys.OpenFile(c.path, os.O_RDONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("sc: open %s: %w", c.path, err)
	}
	defer f.Close()
	return readBody(f)
}

// FetchAdd atomically returns the previous value and increments the
// counter by delta. It is correct under simultaneous access from multiple
// processes on the same filesystem, per spec.md §4.1's contract.
func (c *Counter) FetchAdd(ctx context.Context, delta int64) (int64, error) {
	if err := c.acquireLock(ctx); err != nil {
		return 0, err
	}
	defer c.releaseLock()

	f, err := c.fsys.OpenFile(c.path, os.O_RDWR, 0o644)
	if err != nil {
		return 0, fmt.Errorf("sc: open %s: %w", c.path, err)
	}
	defer f.Close()

	prev, err := readBody(f)
	if err != nil {
		return 0, err
	}

	next := prev + delta
	buf := make([]byte, bodySize)
	binary.LittleEndian.PutUint64(buf, uint64(next))
	if _, err := f.Seek(headerSize, io.SeekStart); err != nil {
		return 0, fmt.Errorf("sc: seek %s: %w", c.path, err)
	}
	if _, err := f.Write(buf); err != nil {
		return 0, fmt.Errorf("sc: write %s: %w", c.path, err)
	}
	if err := f.Sync(); err != nil {
		return 0, fmt.Errorf("sc: sync %s: %w", c.path, err)
	}
	return prev, nil
}

// AwaitOptions tunes the bounded polling interval of Await.
type AwaitOptions struct {
	// InitialInterval is the first retry delay. Defaults to 10ms.
	InitialInterval time.Duration
	// MaxInterval caps exponential backoff of the retry delay. Defaults to
	// 1s.
	MaxInterval time.Duration
}

// Await blocks until Get() >= target, with bounded polling. Per spec.md §7,
// a barrier stall is not an error: Await retries with backoff indefinitely
// by design, honoring ctx only as a blocking-call cancellation boundary (an
// operator aborting a stuck worker's process), not as part of the
// algorithm's semantics.
func (c *Counter) Await(ctx context.Context, target int64, opts ...AwaitOptions) error {
	o := AwaitOptions{InitialInterval: 10 * time.Millisecond, MaxInterval: time.Second}
	if len(opts) > 0 {
		if opts[0].InitialInterval > 0 {
			o.InitialInterval = opts[0].InitialInterval
		}
		if opts[0].MaxInterval > 0 {
			o.MaxInterval = opts[0].MaxInterval
		}
	}

	// A rate.Limiter bounds the polling interval the way the teacher's
	// resource.Controller bounds IO throughput: Wait blocks until a token
	// is available instead of a hand-rolled sleep loop.
	limiter := rate.NewLimiter(rate.Every(o.InitialInterval), 1)
	interval := o.InitialInterval

	for {
		v, err := c.Get(ctx)
		if err != nil {
			return err
		}
		if v >= target {
			return nil
		}
		if err := limiter.Wait(ctx); err != nil {
			// Wait reports a deadline it cannot meet with its own error,
			// which does not wrap context.DeadlineExceeded.
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("sc: await: %w (%v)", context.DeadlineExceeded, err)
		}
		if interval < o.MaxInterval {
			interval *= 2
			if interval > o.MaxInterval {
				interval = o.MaxInterval
			}
			limiter.SetLimit(rate.Every(interval))
		}
	}
}

func readBody(f fs.File) (int64, error) {
	hdr := make([]byte, headerSize)
	if _, err := f.ReadAt(hdr, 0); err != nil {
		return 0, fmt.Errorf("sc: read header: %w", err)
	}
	body := make([]byte, bodySize)
	if _, err := f.ReadAt(body, headerSize); err != nil {
		return 0, fmt.Errorf("sc: read body: %w", err)
	}
	return int64(binary.LittleEndian.Uint64(body)), nil
}

// acquireLock spins on an O_EXCL create of the lockfile sibling, backing
// off the same way Await does. This is the stdlib exception documented in
// DESIGN.md: no lockfile library exists anywhere in the example corpus.
func (c *Counter) acquireLock(ctx context.Context) error {
	delay := 2 * time.Millisecond
	const maxDelay = 200 * time.Millisecond
	for {
		f, err := c.fsys.OpenFile(c.lockPath, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
		if err == nil {
			f.Close()
			return nil
		}
		if !os.IsExist(err) {
			return fmt.Errorf("sc: acquire lock %s: %w", c.lockPath, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if delay < maxDelay {
			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
		}
	}
}

func (c *Counter) releaseLock() {
	_ = c.fsys.Remove(c.lockPath)
}
