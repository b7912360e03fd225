package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"ctfrefine/internal/config"
	"ctfrefine/internal/emdata"
	"ctfrefine/internal/fsutil"
	"ctfrefine/internal/logging"
	"ctfrefine/internal/pipeline"
	"ctfrefine/internal/storage"
	"ctfrefine/internal/tasks"
)

// Submitter queues per-micrograph jobs. *pipeline.Pipeline implements it.
type Submitter interface {
	SubmitContext(ctx context.Context, job pipeline.Job) error
	Done() <-chan struct{}
}

// Refinement is one goCTF refinement of a particle set.
type Refinement struct {
	RunID       string
	Particles   *emdata.ParticleSet
	Micrographs *emdata.MicrographSet
	Params      Params
	WorkDir     string // run directory, per-micrograph files go under WorkDir/tmp
	OutputPath  string // output particle set, not written when empty
	NoClean     bool

	Config   *config.Config  // locates goCTF when Pipeline is nil
	Pipeline Submitter       // shared pipeline, a private one is started when nil
	Store    *storage.Store  // optional journal
	Logger   *slog.Logger
}

// Report describes a finished refinement.
type Report struct {
	RunID        string
	InputPath    string
	OutputPath   string
	ParticlesIn  int
	ParticlesOut int
	Refined      int
	Micrographs  int
	Failed       []string // micrographs whose goCTF run failed
	Missing      []string // micrographs without output table
	Output       *emdata.ParticleSet
	Duration     time.Duration
}

// Summary is the one-line run summary.
func (r *Report) Summary() string {
	if r == nil || r.Output == nil {
		return "Output is not ready yet."
	}
	return fmt.Sprintf("CTF refinement of %d particles.", r.ParticlesIn)
}

// Methods is the methods paragraph citing goCTF.
func (r *Report) Methods() string {
	if r == nil {
		return "Input particles not available yet."
	}
	methods := fmt.Sprintf("We refined the CTF of %s using goCTF [%s]. ", setTag(r.ParticlesIn, r.InputPath), tasks.Su2019.Key)
	if r.Output != nil {
		methods += "Output particles: " + setTag(r.ParticlesOut, r.OutputPath)
	}
	return methods
}

func setTag(n int, path string) string {
	if path == "" {
		return fmt.Sprintf("%d particles", n)
	}
	return fmt.Sprintf("%d particles (%s)", n, filepath.Base(path))
}

func (r *Refinement) tmpDir() string { return filepath.Join(r.WorkDir, "tmp") }

// Run executes the refinement: validate, export coordinates, run goCTF on
// every micrograph, then collect the refined CTFs into the output set.
// Failures of single micrographs are logged and reported, not returned.
func (r *Refinement) Run(ctx context.Context) (report *Report, err error) {
	start := time.Now()
	if r.Logger == nil {
		r.Logger = slog.Default()
	}
	if r.RunID == "" {
		r.RunID = uuid.New().String()
	}
	if r.WorkDir == "" {
		root := os.TempDir()
		if r.Config != nil && r.Config.Processing.TempDir != "" {
			root = r.Config.Processing.TempDir
		}
		r.WorkDir = filepath.Join(root, r.RunID)
	}
	log := r.Logger.With("run", r.RunID)

	if err := Validate(r.Params, r.Particles, r.Micrographs); err != nil {
		return nil, fmt.Errorf("invalid refinement: %w", err)
	}

	paramsJSON, _ := json.Marshal(r.Params)
	if err := r.Store.RecordRunStart(storage.RunRecord{
		ID:              r.RunID,
		ParticlesPath:   r.Particles.Path,
		MicrographsPath: r.Micrographs.Path,
		OutputPath:      r.OutputPath,
		ParamsJSON:      string(paramsJSON),
	}); err != nil {
		log.Warn("failed to record run", "error", err)
	}
	defer func() {
		if err != nil {
			_ = r.Store.RecordRunResult(r.RunID, storage.StatusFailed, storage.RunCounts{ParticlesIn: r.Particles.Size()}, "", err.Error())
			logging.LogProcessingStep(log, r.RunID, "run", "failed", map[string]any{"error": err.Error()})
		}
	}()

	dict := BuildMicDict(r.Particles, r.Micrographs)
	groups := GroupParticles(r.Particles, dict, log)
	logging.LogProcessingStep(log, r.RunID, "group", "completed", map[string]any{
		"micrographs": len(groups),
		"particles":   r.Particles.Size(),
	})

	scale, doScale := CoordinateScale(r.Particles.SamplingRate, r.Micrographs.SamplingRate, r.Params.DownFactor)
	if err := ExportCoordinates(groups, ExportOptions{
		TmpDir:      r.tmpDir(),
		Alignment:   r.Particles.Alignment,
		ApplyShifts: r.Params.ApplyShifts,
		Scale:       scale,
		DoScale:     doScale,
	}, log); err != nil {
		return nil, err
	}
	logging.LogProcessingStep(log, r.RunID, "export", "completed", map[string]any{"dir": r.tmpDir()})

	failed, err := r.refineAll(ctx, groups, log)
	if err != nil {
		return nil, err
	}

	out, stats := IngestResults(r.Particles, groups, r.tmpDir(), failed, log)
	if r.OutputPath != "" {
		out.Path = r.OutputPath
		if err := emdata.WriteParticleSet(r.OutputPath, out); err != nil {
			return nil, fmt.Errorf("write output particles: %w", err)
		}
		if err := r.Store.RecordRelation(storage.RelationRecord{
			RunID:      r.RunID,
			Relation:   storage.RelationTransform,
			SourcePath: r.Particles.Path,
			TargetPath: r.OutputPath,
		}); err != nil {
			log.Warn("failed to record set relation", "error", err)
		}
	}

	if !r.NoClean {
		if err := fsutil.CleanPath(r.tmpDir()); err != nil {
			log.Warn("failed to clean temporary files", "dir", r.tmpDir(), "error", err)
		}
	}

	report = &Report{
		RunID:        r.RunID,
		InputPath:    r.Particles.Path,
		OutputPath:   r.OutputPath,
		ParticlesIn:  r.Particles.Size(),
		ParticlesOut: out.Size(),
		Refined:      stats.Refined,
		Micrographs:  len(groups),
		Failed:       failed,
		Missing:      stats.Missing,
		Output:       out,
		Duration:     time.Since(start),
	}
	_ = r.Store.RecordRunResult(r.RunID, storage.StatusCompleted, storage.RunCounts{
		ParticlesIn:  report.ParticlesIn,
		ParticlesOut: report.ParticlesOut,
		Micrographs:  report.Micrographs,
		Failed:       len(failed),
	}, report.Summary(), "")
	logging.LogProcessingStep(log, r.RunID, "run", "completed", map[string]any{
		"particles_out": report.ParticlesOut,
		"refined":       report.Refined,
		"failed":        len(failed),
	})
	return report, nil
}

// refineAll submits one goCTF job per micrograph and waits for all of them.
// It returns the names of the micrographs whose run failed.
func (r *Refinement) refineAll(ctx context.Context, groups []MicGroup, log *slog.Logger) ([]string, error) {
	sub := r.Pipeline
	if sub == nil {
		p := pipeline.New(ctx, r.Params.Threads, r.Logger, r.Store, r.Config)
		defer p.Stop()
		sub = p
	}

	reply := make(chan pipeline.Result, len(groups))
	submitted := 0
	for i, g := range groups {
		workDir := micWorkDir(r.tmpDir(), g.Mic)
		job := pipeline.Job{
			ID:        fmt.Sprintf("%s-%04d", r.RunID, i+1),
			RunID:     r.RunID,
			Type:      pipeline.JobRefine,
			InputPath: g.Mic.FileName,
			Output:    tasks.OutputFile(workDir, micBase(g.Mic)),
			Options: map[string]any{
				pipeline.OptRefineRequest: tasks.RefineRequest{
					Micrograph:  g.Mic,
					Acquisition: r.Micrographs.Acquisition,
					WorkDir:     workDir,
					Params:      r.Params.goctf(),
					NoClean:     r.NoClean,
				},
			},
			Reply: reply,
		}
		if err := sub.SubmitContext(ctx, job); err != nil {
			return nil, fmt.Errorf("submit %s: %w", g.Mic.MicName, err)
		}
		submitted++
	}

	var failed []string
	for received := 0; received < submitted; received++ {
		select {
		case res := <-reply:
			if res.Error != nil {
				req, _ := res.Job.Options[pipeline.OptRefineRequest].(tasks.RefineRequest)
				log.Error("CTF refinement failed for micrograph", "micrograph", req.Micrograph.MicName, "error", res.Error)
				failed = append(failed, req.Micrograph.MicName)
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-sub.Done():
			return nil, pipeline.ErrStopped
		}
	}
	return failed, nil
}
