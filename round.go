package linclust

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/biocluster/linclust/internal/chunktable"
	"github.com/biocluster/linclust/internal/fs"
	"github.com/biocluster/linclust/internal/materializer"
	"github.com/biocluster/linclust/internal/pairtable"
	"github.com/biocluster/linclust/internal/radix"
	"github.com/biocluster/linclust/internal/rfa"
	"github.com/biocluster/linclust/internal/roundio"
	"github.com/biocluster/linclust/internal/seedtable"
	"github.com/biocluster/linclust/internal/seqio"
	"github.com/biocluster/linclust/internal/shape"
)

// seedtableReaderAdapter bridges the root SequenceReader (SeqRecord) to
// seedtable's locally-declared SequenceReader (seqio.Record). Both are
// structurally identical, but Go requires method return types to match
// exactly for interface satisfaction, so a thin adapter is unavoidable.
type seedtableReaderAdapter struct{ inner SequenceReader }

func (a seedtableReaderAdapter) Next() (seqio.Record, error) {
	rec, err := a.inner.Next()
	return seqio.Record{ID: rec.ID, Residue: rec.Residue}, err
}

func (a seedtableReaderAdapter) Close() error { return a.inner.Close() }

func adaptOpener(opener SequenceReaderOpener) seedtable.Opener {
	return func(path string) (seedtable.SequenceReader, error) {
		r, err := opener.Open(path)
		if err != nil {
			return nil, err
		}
		return seedtableReaderAdapter{inner: r}, nil
	}
}

// sensitivitySteps resolves the ladder of sensitivity presets the round
// loop walks through. With ApproxMinID unset, a single round runs at
// Config.Sensitivity (spec.md's documented default). With ApproxMinID set,
// the round driver cascades through every preset at or below the target
// sensitivity, mmseqs-linclust's "search at low sensitivity first" pattern,
// per SPEC_FULL.md §10's supplemented multi-round driver.
func sensitivitySteps(cfg *Config) []float64 {
	if cfg.ApproxMinID == nil {
		return []float64{cfg.Sensitivity}
	}
	presets := shape.Presets()
	keys := make([]float64, 0, len(presets))
	for k := range presets {
		if k <= cfg.Sensitivity {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return []float64{cfg.Sensitivity}
	}
	sort.Float64s(keys)
	return keys
}

// Run drives the full pipeline (C8) for a single worker process attached to
// job: one round per sensitivity step, each round chaining seed-table (C4)
// -> pair-table (C5) -> chunk-table (C6) -> materializer (C7) -> the
// caller's AlignmentStage -> the caller's ClusteringStage, feeding each
// round's representative sequences in as the next round's input volumes
// (spec.md §1's "rounds narrow the database" design). It returns the final
// round's representatives path; the worker that holds the output lock also
// copies it to Config.OutputFile.
func Run(ctx context.Context, job *Job, opener SequenceReaderOpener, alphabet ReducedAlphabet, alignment AlignmentStage, clusteringStage ClusteringStage) (string, error) {
	cfg := job.Config()
	fsys := job.FS()
	log := job.Logger()

	volumes := []Volume{{Path: cfg.Database, OIDBegin: 0}}
	if n, err := countRecords(opener, cfg.Database); err != nil {
		return "", fmt.Errorf("linclust: count input records: %w", err)
	} else {
		volumes[0].RecordCount = n
	}

	var finalPath string
	for roundIdx, sensitivity := range sensitivitySteps(cfg) {
		log.WithRound(roundIdx).LogInfo(ctx, "starting round", "sensitivity", sensitivity, "volumes", len(volumes))

		manifest, existed, err := roundio.ReadManifest(fsys, job.BaseDir(), roundIdx)
		if err != nil {
			return "", fmt.Errorf("linclust: read manifest round %d: %w", roundIdx, err)
		}
		if !existed {
			entries := make([]roundio.VolumeManifestEntry, len(volumes))
			for i, v := range volumes {
				entries[i] = roundio.VolumeManifestEntry{Path: v.Path, OIDBegin: v.OIDBegin, RecordCount: v.RecordCount}
			}
			manifest = roundio.Manifest{Round: roundIdx, Sensitivity: sensitivity, Volumes: entries}
			if err := roundio.WriteManifest(fsys, job.BaseDir(), manifest); err != nil {
				return "", fmt.Errorf("linclust: write manifest round %d: %w", roundIdx, err)
			}
		}

		knownOutPath := job.Path("rounds", fmt.Sprintf("%d", roundIdx), "representatives.fasta")
		var outPath string
		if existed && manifest.StageFinished("round") {
			log.WithRound(roundIdx).LogInfo(ctx, "round already finished, resuming from manifest")
			outPath = knownOutPath
		} else {
			outPath, err = runRound(ctx, job, roundIdx, sensitivity, volumes, opener, alphabet, alignment, clusteringStage)
			if err != nil {
				return "", fmt.Errorf("linclust: round %d: %w", roundIdx, err)
			}
		}

		n, err := countRecords(DefaultSequenceReaderOpener{FS: fsys}, outPath)
		if err != nil {
			return "", fmt.Errorf("linclust: count round %d output: %w", roundIdx, err)
		}
		volumes = []Volume{{Path: outPath, OIDBegin: 0, RecordCount: n}}
		finalPath = outPath

		manifest = manifest.MarkStageFinished("round")
		if err := roundio.WriteManifest(fsys, job.BaseDir(), manifest); err != nil {
			return "", fmt.Errorf("linclust: finalize manifest round %d: %w", roundIdx, err)
		}
		log.WithRound(roundIdx).LogInfo(ctx, "round complete", "representatives", n)
	}

	acquired, err := job.AcquireOutputLock(ctx)
	if err != nil {
		return finalPath, fmt.Errorf("linclust: acquire output lock: %w", err)
	}
	if acquired && finalPath != "" && cfg.OutputFile != "" {
		if err := copyFile(fsys, finalPath, cfg.OutputFile); err != nil {
			return finalPath, fmt.Errorf("linclust: publish output: %w", err)
		}
	}
	return finalPath, nil
}

func runRound(ctx context.Context, job *Job, roundIdx int, sensitivity float64, volumes []Volume, opener SequenceReaderOpener, alphabet ReducedAlphabet, alignment AlignmentStage, clusteringStage ClusteringStage) (string, error) {
	cfg := job.Config()
	fsys := job.FS()
	workerID := job.WorkerID()
	roundDir := job.Path("rounds", fmt.Sprintf("%d", roundIdx))

	vf := NewVolumedFile(volumes)
	dbSize := vf.OIDEnd()
	repShift := radix.RepOIDShift(dbSize, cfg.RadixBits)

	preset := shape.ForSensitivity(sensitivity)
	sketchSize := preset.SketchSize
	if cfg.SketchSize > 0 {
		sketchSize = cfg.SketchSize
	}

	if alphabet == nil {
		alphabet = DefaultAlphabet{}
	}

	seedVolumes := make([]seedtable.VolumeRef, len(volumes))
	for i, v := range volumes {
		seedVolumes[i] = seedtable.VolumeRef{Path: v.Path, OIDBegin: v.OIDBegin}
	}

	pairBaseDir := roundDir + "/pair_table"
	var pairUnsorted []rfa.BucketGroup

	for shapeIdx, sh := range preset.Shapes {
		seedDir := roundDir + fmt.Sprintf("/seed_table_%d", shapeIdx)
		seedBuilder, err := seedtable.Open(ctx, seedtable.Config{
			BaseDir:     seedDir,
			RadixBits:   cfg.RadixBits,
			WorkerID:    workerID,
			MaxFileSize: cfg.MaxBucketFileSize,
			Compress:    cfg.CompressBuckets,
			FS:          fsys,
			Round:       roundIdx,
			Alphabet:    alphabet,
			Shape:       sh,
			Sketch:      shape.MinimizerSketch{},
			SketchSize:  sketchSize,
			Open:        adaptOpener(opener),
		})
		if err != nil {
			return "", fmt.Errorf("open seedtable shape %d: %w", shapeIdx, err)
		}
		if _, err := seedBuilder.Run(ctx, seedVolumes); err != nil {
			return "", fmt.Errorf("run seedtable shape %d: %w", shapeIdx, err)
		}
		if err := seedBuilder.AwaitComplete(ctx, int64(len(seedVolumes))); err != nil {
			return "", fmt.Errorf("await seedtable shape %d: %w", shapeIdx, err)
		}
		unsorted, err := seedBuilder.Close()
		if err != nil {
			return "", fmt.Errorf("close seedtable shape %d: %w", shapeIdx, err)
		}

		sortedDir := seedDir + "/sorted"
		sorted, err := radix.Sort(ctx, fsys, unsorted, rfa.Config{
			BaseDir:     sortedDir,
			R:           cfg.Radix(),
			WorkerID:    workerID,
			MaxFileSize: cfg.MaxBucketFileSize,
			Compress:    cfg.CompressBuckets,
		}, func(raw []byte) uint64 {
			return seedtable.Decode(raw).SeedKey
		}, func(a, b []byte) bool {
			return seedtable.Decode(a).OID < seedtable.Decode(b).OID
		}, cfg.Threads)
		if err != nil {
			return "", fmt.Errorf("sort seedtable shape %d: %w", shapeIdx, err)
		}

		// Each shape gets its own worker suffix and queue directory so its
		// RFA writer never truncates another shape's bucket files in the
		// pair-table directory they share, and its dequeue sequence starts
		// fresh over its own (shape-sized) sorted bucket list, per spec.md
		// §4.8's "pair-table RFA is shared across shapes in a round."
		pairBuilder, err := pairtable.Open(ctx, pairtable.Config{
			BaseDir:     pairBaseDir,
			QueueDir:    fmt.Sprintf("%s/shape_%d", pairBaseDir, shapeIdx),
			RadixBits:   cfg.RadixBits,
			RepOIDShift: repShift,
			WorkerID:    fmt.Sprintf("%s-s%d", workerID, shapeIdx),
			MaxFileSize: cfg.MaxBucketFileSize,
			Compress:    cfg.CompressBuckets,
			FS:          fsys,
			Threads:     cfg.Threads,
			Coverage:    pairtable.CoverageConfig{MemberCoverPct: cfg.MemberCover, MutualCoverPct: cfg.MutualCover, MaxGroupSize: cfg.MaxSeedGroupSize},
		})
		if err != nil {
			return "", fmt.Errorf("open pairtable shape %d: %w", shapeIdx, err)
		}
		if _, err := pairBuilder.Run(ctx, sorted); err != nil {
			return "", fmt.Errorf("run pairtable shape %d: %w", shapeIdx, err)
		}
		if err := pairBuilder.AwaitComplete(ctx, int64(len(sorted))); err != nil {
			return "", fmt.Errorf("await pairtable shape %d: %w", shapeIdx, err)
		}
		// Buckets() rescans the shared directory, so the last shape's close
		// observes every earlier shape's already-flushed files too.
		pairUnsorted, err = pairBuilder.Close()
		if err != nil {
			return "", fmt.Errorf("close pairtable shape %d: %w", shapeIdx, err)
		}
	}

	pairSorted, err := radix.Sort(ctx, fsys, pairUnsorted, rfa.Config{
		BaseDir:     pairBaseDir + "/sorted",
		R:           cfg.Radix(),
		WorkerID:    workerID,
		MaxFileSize: cfg.MaxBucketFileSize,
		Compress:    cfg.CompressBuckets,
	}, func(raw []byte) uint64 {
		return uint64(pairtable.Decode(raw).RepOID)
	}, nil, cfg.Threads)
	if err != nil {
		return "", fmt.Errorf("sort pairtable: %w", err)
	}

	chunkBuilder, err := chunktable.Open(ctx, chunktable.Config{
		BaseDir:     roundDir,
		RadixBits:   cfg.RadixBits,
		RepOIDShift: repShift,
		WorkerID:    workerID,
		MaxFileSize: cfg.MaxBucketFileSize,
		Compress:    cfg.CompressBuckets,
		FS:          fsys,
		Threads:     cfg.Threads,
		MaxChunkSize: cfg.MaxChunkSize(),
	})
	if err != nil {
		return "", fmt.Errorf("open chunktable: %w", err)
	}
	if _, err := chunkBuilder.Run(ctx, pairSorted); err != nil {
		return "", fmt.Errorf("run chunktable: %w", err)
	}
	if err := chunkBuilder.AwaitComplete(ctx, int64(len(pairSorted))); err != nil {
		return "", fmt.Errorf("await chunktable: %w", err)
	}
	chunkUnsorted, err := chunkBuilder.Close()
	if err != nil {
		return "", fmt.Errorf("close chunktable: %w", err)
	}
	chunkCount, err := chunkBuilder.Chunks().ChunkCount(ctx)
	if err != nil {
		return "", fmt.Errorf("chunk count: %w", err)
	}

	chunkSorted, err := radix.Sort(ctx, fsys, chunkUnsorted, rfa.Config{
		BaseDir:     roundDir + "/chunk_table/sorted",
		R:           cfg.Radix(),
		WorkerID:    workerID,
		MaxFileSize: cfg.MaxBucketFileSize,
		Compress:    cfg.CompressBuckets,
	}, func(raw []byte) uint64 {
		return uint64(chunktable.DecodeEntry(raw).OID)
	}, nil, cfg.Threads)
	if err != nil {
		return "", fmt.Errorf("sort chunktable: %w", err)
	}

	matVolumes := make([]materializer.VolumeRef, len(volumes))
	for i, v := range volumes {
		matVolumes[i] = materializer.VolumeRef{Path: v.Path, OIDBegin: v.OIDBegin, RecordCount: v.RecordCount}
	}
	matBuilder, err := materializer.Open(ctx, materializer.Config{
		BaseDir:     roundDir,
		RadixBits:   cfg.RadixBits,
		RepOIDShift: repShift,
		WorkerID:    workerID,
		MaxFileSize: cfg.MaxBucketFileSize,
		FS:          fsys,
		Threads:     cfg.Threads,
	})
	if err != nil {
		return "", fmt.Errorf("open materializer: %w", err)
	}
	if _, err := matBuilder.Run(ctx, chunkSorted, matVolumes); err != nil {
		return "", fmt.Errorf("run materializer: %w", err)
	}
	if err := matBuilder.AwaitComplete(ctx, int64(len(chunkSorted))); err != nil {
		return "", fmt.Errorf("await materializer: %w", err)
	}

	chunkDir := roundDir + "/chunks"
	if err := alignment.Align(ctx, chunkDir, int(chunkCount)); err != nil {
		return "", fmt.Errorf("align: %w", err)
	}

	edgeRFA, err := rfa.Open(rfa.Config{BaseDir: roundDir + "/edges", R: cfg.Radix(), WorkerID: workerID, FS: fsys})
	if err != nil {
		return "", fmt.Errorf("open edges: %w", err)
	}
	edgeGroups, err := edgeRFA.Buckets()
	if err != nil {
		return "", fmt.Errorf("list edge buckets: %w", err)
	}
	edges, err := ReadEdges(fsys, edgeGroups)
	if err != nil {
		return "", fmt.Errorf("read edges: %w", err)
	}

	outPath := roundDir + "/representatives.fasta"
	if err := clusteringStage.Cluster(ctx, edges, vf, outPath); err != nil {
		return "", fmt.Errorf("cluster: %w", err)
	}
	return outPath, nil
}

func countRecords(opener SequenceReaderOpener, path string) (int64, error) {
	r, err := opener.Open(path)
	if err != nil {
		return 0, err
	}
	defer r.Close()
	var n int64
	for {
		_, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
		n++
	}
	return n, nil
}

func copyFile(fsys fs.FileSystem, src, dst string) error {
	in, err := fsys.OpenFile(src, os.O_RDONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()
	out, err := fsys.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", dst, err)
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copy %s -> %s: %w", src, dst, err)
	}
	return out.Sync()
}
