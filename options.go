package linclust

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/biocluster/linclust/internal/fs"
	"github.com/biocluster/linclust/internal/resource"
)

// Config holds Job-wide configuration, recognized per spec.md §6.
type Config struct {
	// Threads is the per-process OS thread count used to bound intra-process
	// fan-out (errgroup.SetLimit) at every stage.
	Threads int

	// Sensitivity selects a shape set and sketch size preset (internal/shape
	// resolves it; mmseqs-style values such as 4.0 low ... 7.5 high).
	Sensitivity float64

	// SketchSize caps the number of seed keys sampled per sequence. 0 means
	// use the sensitivity preset's default (which may itself be unbounded).
	SketchSize int

	// MemberCover is the uni-directional coverage threshold in percent
	// (default 80). Ignored if MutualCover is set.
	MemberCover float64

	// MutualCover, if non-nil, enables bidirectional coverage at the given
	// percent threshold and disables MemberCover.
	MutualCover *float64

	// ApproxMinID selects the list of sensitivity steps (rounds) to run.
	ApproxMinID *float64

	// LinclustChunkSize is the target per-chunk residue mass in bytes
	// (accepts byte-expressions like "8G" via WithLinclustChunkSize).
	LinclustChunkSize int64

	// Database is the path to the input sequence database.
	Database string

	// OutputFile is the path the final round's representatives are written
	// to. Required; Validate fails with ErrMissingOutput if empty.
	OutputFile string

	// MaxSeedGroupSize bounds the size of a single seed-key group before it
	// is dropped as "promiscuous". 0 means unbounded, resurrecting the
	// commented-out cutoff noted as an open policy knob in spec.md §9.
	MaxSeedGroupSize int

	// RadixBits is b in R = 2^b, the number of radix buckets used by every
	// RFA in the pipeline.
	RadixBits int

	// MaxBucketFileSize rotates an RFA writer's physical file once it
	// exceeds this size (0 disables rotation).
	MaxBucketFileSize int64

	// CompressBuckets enables zstd framing on RFA writer buffers for large
	// intermediate bucket spill files.
	CompressBuckets bool

	// FS is the filesystem the Job's base directory and every stage's
	// buckets are opened against. Defaults to fs.Default (the local OS
	// filesystem); an object-store-backed fs.FileSystem may be substituted
	// for a multi-host Job directory without NFS.
	FS fs.FileSystem

	// Logger receives structured stage/worker/bucket log events.
	Logger *Logger

	// Metrics receives stage counters. A nil Metrics is a no-op collector.
	Metrics MetricsCollector

	// Resources is a resource controller set by WithResources. It is stored
	// on the Config; no stage in this module reads it.
	Resources *resource.Controller
}

// DefaultConfig returns the documented defaults for every optional field.
func DefaultConfig() Config {
	return Config{
		Threads:           4,
		Sensitivity:       4.0,
		MemberCover:       80,
		LinclustChunkSize: 8 << 30, // 8G
		MaxSeedGroupSize:  0,
		RadixBits:         8, // R = 256
		MaxBucketFileSize: 1 << 30,
	}
}

// Option configures a Config in NewJob.
type Option func(*Config)

func WithThreads(n int) Option {
	return func(c *Config) { c.Threads = n }
}

func WithSensitivity(s float64) Option {
	return func(c *Config) { c.Sensitivity = s }
}

func WithSketchSize(k int) Option {
	return func(c *Config) { c.SketchSize = k }
}

func WithMemberCover(pct float64) Option {
	return func(c *Config) { c.MemberCover = pct }
}

func WithMutualCover(pct float64) Option {
	return func(c *Config) { c.MutualCover = &pct }
}

func WithApproxMinID(id float64) Option {
	return func(c *Config) { c.ApproxMinID = &id }
}

// WithLinclustChunkSize parses a byte-expression ("8G", "512M", "1024") per
// spec.md §6 and sets LinclustChunkSize.
func WithLinclustChunkSize(expr string) Option {
	return func(c *Config) {
		n, err := ParseByteSize(expr)
		if err == nil {
			c.LinclustChunkSize = n
		}
	}
}

func WithDatabase(path string) Option {
	return func(c *Config) { c.Database = path }
}

func WithOutputFile(path string) Option {
	return func(c *Config) { c.OutputFile = path }
}

func WithMaxSeedGroupSize(n int) Option {
	return func(c *Config) { c.MaxSeedGroupSize = n }
}

func WithRadixBits(b int) Option {
	return func(c *Config) { c.RadixBits = b }
}

func WithMaxBucketFileSize(n int64) Option {
	return func(c *Config) { c.MaxBucketFileSize = n }
}

func WithCompressBuckets(enabled bool) Option {
	return func(c *Config) { c.CompressBuckets = enabled }
}

func WithFS(f fs.FileSystem) Option {
	return func(c *Config) { c.FS = f }
}

func WithLogger(l *Logger) Option {
	return func(c *Config) { c.Logger = l }
}

func WithMetrics(m MetricsCollector) Option {
	return func(c *Config) { c.Metrics = m }
}

func WithResources(r *resource.Controller) Option {
	return func(c *Config) { c.Resources = r }
}

// Validate fails fast on missing required configuration, per spec.md §6
// ("missing output_file ⇒ failure before any work begins").
func (c *Config) Validate() error {
	if c.OutputFile == "" {
		return &ConfigError{Field: "output_file", Err: ErrMissingOutput}
	}
	if c.Threads <= 0 {
		c.Threads = 1
	}
	if c.RadixBits <= 0 {
		c.RadixBits = 8
	}
	return nil
}

// Radix returns R = 2^RadixBits.
func (c *Config) Radix() int { return 1 << c.RadixBits }

// MaxChunkSize is linclust_chunk_size / 64, the HLL tile-count threshold
// spec.md §4.6 defines.
func (c *Config) MaxChunkSize() uint64 {
	return uint64(c.LinclustChunkSize) / 64
}

// ParseByteSize parses expressions like "8G", "512M", "128K", or a bare
// integer byte count.
func ParseByteSize(expr string) (int64, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return 0, fmt.Errorf("linclust: empty byte-size expression")
	}
	mult := int64(1)
	suffix := expr[len(expr)-1]
	numPart := expr
	switch suffix {
	case 'k', 'K':
		mult = 1 << 10
		numPart = expr[:len(expr)-1]
	case 'm', 'M':
		mult = 1 << 20
		numPart = expr[:len(expr)-1]
	case 'g', 'G':
		mult = 1 << 30
		numPart = expr[:len(expr)-1]
	case 't', 'T':
		mult = 1 << 40
		numPart = expr[:len(expr)-1]
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(numPart), 64)
	if err != nil {
		return 0, fmt.Errorf("linclust: invalid byte-size expression %q: %w", expr, err)
	}
	return int64(v * float64(mult)), nil
}
