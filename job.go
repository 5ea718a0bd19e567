package linclust

import (
	"context"
	"path/filepath"

	"github.com/biocluster/linclust/internal/fs"
	"github.com/biocluster/linclust/internal/sc"
	"github.com/google/uuid"
)

// Job represents one invocation and owns a working directory on shared
// storage, per spec.md §2. Up to W worker processes attach to the same Job
// concurrently by constructing it with the same BaseDir and distinct
// WorkerID.
type Job struct {
	id       uuid.UUID
	baseDir  string
	workerID string
	cfg      Config
	log      *Logger
	metrics  MetricsCollector
}

// NewJob validates cfg and returns a Job rooted at baseDir. workerID must be
// distinct across concurrently attached worker processes; callers that
// don't care may pass an empty string for a single-worker run (a random
// suffix will be generated).
func NewJob(baseDir, workerID string, opts ...Option) (*Job, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.FS == nil {
		cfg.FS = fs.Default
	}
	if cfg.Logger == nil {
		cfg.Logger = NewLogger(nil)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NoopMetrics
	}
	if workerID == "" {
		workerID = uuid.NewString()
	}
	if err := cfg.FS.MkdirAll(baseDir, 0o755); err != nil {
		return nil, translateError("job", 0, workerID, baseDir, err)
	}
	return &Job{
		id:       uuid.New(),
		baseDir:  baseDir,
		workerID: workerID,
		cfg:      cfg,
		log:      cfg.Logger.WithWorker(workerID),
		metrics:  cfg.Metrics,
	}, nil
}

// ID returns the Job's generated identifier (not persisted; used for log
// correlation within one operator invocation).
func (j *Job) ID() uuid.UUID { return j.id }

// BaseDir returns the Job's root directory on shared storage.
func (j *Job) BaseDir() string { return j.baseDir }

// WorkerID returns this process's worker identifier.
func (j *Job) WorkerID() string { return j.workerID }

// Config returns the Job's resolved configuration.
func (j *Job) Config() *Config { return &j.cfg }

// FS returns the filesystem abstraction the Job was configured with.
func (j *Job) FS() fs.FileSystem { return j.cfg.FS }

// Logger returns the Job's base logger.
func (j *Job) Logger() *Logger { return j.log }

// Path joins elem onto the Job's base directory.
func (j *Job) Path(elem ...string) string {
	return filepath.Join(append([]string{j.baseDir}, elem...)...)
}

// SC opens (or creates) the named shared counter under the Job's base
// directory.
func (j *Job) SC(ctx context.Context, name string) (*sc.Counter, error) {
	return sc.Open(ctx, j.cfg.FS, j.Path(name))
}

// AcquireOutputLock gates final output per spec.md §7: exactly one worker
// across the whole job produces user-visible output, via
// output_lock.fetch_add() == 0.
func (j *Job) AcquireOutputLock(ctx context.Context) (bool, error) {
	counter, err := j.SC(ctx, "output_lock")
	if err != nil {
		return false, err
	}
	prev, err := counter.FetchAdd(ctx, 1)
	if err != nil {
		return false, err
	}
	return prev == 0, nil
}
