package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"ctfrefine/internal/config"
	"ctfrefine/internal/tasks"
)

// OptRefineRequest is the Options key holding a tasks.RefineRequest.
const OptRefineRequest = "request"

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log     *slog.Logger
	refiner refiner
}

type refiner interface {
	Refine(ctx context.Context, req tasks.RefineRequest) (tasks.RefineResult, error)
}

func newRouter(logger *slog.Logger, cfg *config.Config) Processor {
	return &router{
		log:     logger,
		refiner: tasks.NewRefiner(tasks.NewToolManager(cfg), logger),
	}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobRefine:
		return r.handleRefine(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

func (r *router) handleRefine(ctx context.Context, job Job) Result {
	req, ok := job.Options[OptRefineRequest].(tasks.RefineRequest)
	if !ok {
		return Result{Job: job, Error: fmt.Errorf("job %s carries no refine request", job.ID)}
	}

	res, err := r.refiner.Refine(ctx, req)
	meta := map[string]any{
		"micrograph": req.Micrograph.MicName,
		"file":       req.Micrograph.FileName,
		"work_dir":   req.WorkDir,
	}
	if err == nil {
		meta["output"] = res.OutputStar
		meta["log"] = res.LogFile
		meta["seconds"] = res.Duration.Seconds()
	}
	return Result{Job: job, Error: err, Meta: meta}
}
