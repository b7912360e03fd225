package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"ctfrefine/internal/config"
	"ctfrefine/internal/emdata"
	"ctfrefine/internal/pipeline"
	"ctfrefine/internal/protocol"
	"ctfrefine/internal/server"
	"ctfrefine/internal/storage"
	"ctfrefine/internal/tasks"
)

type toolManager interface {
	GetToolStatus() map[string]tasks.ToolStatus
	Home() string
	Version() string
}

type toolManagerFactory func(*config.Config) toolManager

type serverFunc func(ctx context.Context, addr string, cfg *config.Config, store *storage.Store, pipe *pipeline.Pipeline, log *slog.Logger) error

// Root wires CLI commands to the protocol, the shared pipeline and the journal.
type Root struct {
	pipeline    *pipeline.Pipeline
	cfg         *config.Config
	log         *slog.Logger
	store       *storage.Store
	toolFactory toolManagerFactory
	serveFn     serverFunc
}

// NewRoot constructs the CLI root. pl may be nil; refinements then start
// their own workers.
func NewRoot(pl *pipeline.Pipeline, cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Root{
		pipeline: pl,
		cfg:      cfg,
		log:      logger,
		store:    store,
		toolFactory: func(cfg *config.Config) toolManager {
			return tasks.NewToolManager(cfg)
		},
		serveFn: server.Serve,
	}
}

func (r *Root) newToolManager() toolManager {
	if r.toolFactory != nil {
		return r.toolFactory(r.cfg)
	}
	return tasks.NewToolManager(r.cfg)
}

// refineOptions are the inputs of one refinement from the command line.
type refineOptions struct {
	particles   string
	micrographs string
	output      string
	workDir     string
	keepTemp    bool
	params      protocol.Params
	// ownWorkers starts a private pipeline sized by params.Threads.
	ownWorkers bool
}

func (r *Root) refine(ctx context.Context, opts refineOptions) (*protocol.Report, error) {
	if opts.particles == "" || opts.micrographs == "" {
		return nil, fmt.Errorf("both --particles and --micrographs are required")
	}
	parts, err := emdata.ReadParticleSet(opts.particles)
	if err != nil {
		return nil, err
	}
	mics, err := emdata.ReadMicrographSet(opts.micrographs)
	if err != nil {
		return nil, err
	}

	output := opts.output
	if output == "" {
		output = tasks.OutputSetPath(opts.particles)
	}
	ref := &protocol.Refinement{
		Particles:   parts,
		Micrographs: mics,
		Params:      opts.params,
		WorkDir:     opts.workDir,
		OutputPath:  output,
		NoClean:     opts.keepTemp || r.cfg.NoClean(),
		Config:      r.cfg,
		Store:       r.store,
		Logger:      r.log,
	}
	if r.pipeline != nil && !opts.ownWorkers {
		ref.Pipeline = r.pipeline
	}
	return ref.Run(ctx)
}

func printReport(report *protocol.Report) {
	fmt.Fprintln(os.Stdout, report.Summary())
	fmt.Fprintf(os.Stdout, "  Run:         %s\n", report.RunID)
	fmt.Fprintf(os.Stdout, "  Micrographs: %d\n", report.Micrographs)
	fmt.Fprintf(os.Stdout, "  Refined:     %d of %d particles\n", report.Refined, report.ParticlesOut)
	fmt.Fprintf(os.Stdout, "  Output:      %s\n", report.OutputPath)
	if len(report.Failed) > 0 {
		fmt.Fprintf(os.Stdout, "  Failed:      %s\n", strings.Join(report.Failed, ", "))
	}
	if len(report.Missing) > 0 {
		fmt.Fprintf(os.Stdout, "  No output:   %s\n", strings.Join(report.Missing, ", "))
	}
	fmt.Fprintf(os.Stdout, "  Took:        %s\n\n", report.Duration.Round(time.Millisecond))
	fmt.Fprintln(os.Stdout, report.Methods())
}

// watchOptions configure a directory watch.
type watchOptions struct {
	dir         string
	micrographs string
	params      protocol.Params
	settle      time.Duration
	ownWorkers  bool
}

// watch refines every particle set that appears in opts.dir against the
// micrograph set. A file is picked up once no change has been seen for
// opts.settle.
func (r *Root) watch(ctx context.Context, opts watchOptions) error {
	if _, err := emdata.ReadMicrographSet(opts.micrographs); err != nil {
		return err
	}
	settle := opts.settle
	fsw, err := tasks.NewFileSystemWatcher([]string{opts.dir}, nil, r.log)
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Start(); err != nil {
		fsw.Stop()
		return fmt.Errorf("watch %s: %w", opts.dir, err)
	}
	defer fsw.Stop()

	ticker := time.NewTicker(settle / 2)
	defer ticker.Stop()
	pending := make(map[string]time.Time)
	done := make(map[string]bool)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			switch ev.Operation {
			case "created", "modified":
				if !done[ev.Path] {
					pending[ev.Path] = ev.Time
				}
			case "deleted", "renamed":
				delete(pending, ev.Path)
			}
		case now := <-ticker.C:
			for path, last := range pending {
				if now.Sub(last) < settle {
					continue
				}
				delete(pending, path)
				report, err := r.refine(ctx, refineOptions{
					particles:   path,
					micrographs: opts.micrographs,
					params:      opts.params,
					ownWorkers:  opts.ownWorkers,
				})
				if err != nil {
					r.log.Warn("refinement of watched set failed", "path", path, "error", err)
					continue
				}
				done[path] = true
				r.log.Info(report.Summary(), "path", path, "output", report.OutputPath, "run", report.RunID)
			}
		}
	}
}
