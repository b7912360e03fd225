package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"log/slog"

	"ctfrefine/internal/config"
	"ctfrefine/internal/logging"
	"ctfrefine/internal/storage"
)

// JobType enumerates supported processing categories.
type JobType string

const (
	// JobRefine runs goCTF on one micrograph.
	JobRefine JobType = "refine"
)

// ErrStopped is returned when submitting to a stopped pipeline.
var ErrStopped = errors.New("pipeline stopped")

// Job represents a single processing request.
type Job struct {
	ID        string
	RunID     string
	Type      JobType
	InputPath string
	Output    string
	Options   map[string]any
	// Reply, when set, receives the job's Result. It should be buffered.
	Reply chan<- Result `json:"-"`
}

// Result captures the outcome of a Job.
type Result struct {
	Job      Job            `json:"job"`
	Error    error          `json:"-"`
	Meta     map[string]any `json:"meta,omitempty"`
	Duration time.Duration  `json:"duration"`
}

// Processor executes a job and returns a Result.
type Processor interface {
	Process(ctx context.Context, job Job) Result
}

// Pipeline orchestrates job dispatch across workers.
type Pipeline struct {
	processor Processor
	log       *slog.Logger
	jobs      chan Job
	ctx       context.Context
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	stopOnce  sync.Once
	store     *storage.Store
	mu        sync.Mutex
	subs      map[int]chan Result
	nextSubID int
}

// New creates a Pipeline whose workers route jobs to the goCTF refiner
// configured by cfg.
func New(ctx context.Context, concurrency int, logger *slog.Logger, store *storage.Store, cfg *config.Config) *Pipeline {
	return NewWithProcessor(ctx, concurrency, logger, store, newRouter(logger, cfg))
}

// NewWithProcessor creates a Pipeline with the given concurrency and processor implementation.
func NewWithProcessor(ctx context.Context, concurrency int, logger *slog.Logger, store *storage.Store, processor Processor) *Pipeline {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		processor: processor,
		log:       logger,
		jobs:      make(chan Job, concurrency*2),
		ctx:       ctx,
		cancel:    cancel,
		store:     store,
		subs:      make(map[int]chan Result),
	}
	for i := 0; i < concurrency; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	return p
}

// SubmitContext adds a job to the queue, waiting for room until ctx is done.
func (p *Pipeline) SubmitContext(ctx context.Context, job Job) error {
	if p.ctx.Err() != nil {
		return ErrStopped
	}
	p.recordQueued(job)
	select {
	case p.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrStopped
	}
}

func (p *Pipeline) recordQueued(job Job) {
	if p.store == nil {
		return
	}
	optsJSON, _ := json.Marshal(job.Options)
	if err := p.store.RecordJobQueued(storage.JobRecord{
		ID:          job.ID,
		RunID:       job.RunID,
		JobType:     string(job.Type),
		InputPath:   job.InputPath,
		OutputPath:  job.Output,
		OptionsJSON: string(optsJSON),
	}); err != nil {
		p.log.Warn("failed to record queued job", "job", job.ID, "error", err)
	}
}

// Done is closed once the pipeline is stopped.
func (p *Pipeline) Done() <-chan struct{} { return p.ctx.Done() }

// Stop signals workers to exit and waits for completion. Jobs still queued
// are dropped.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.cancel()
		p.wg.Wait()
		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	})
}

func (p *Pipeline) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case job := <-p.jobs:
			p.run(job)
		}
	}
}

func (p *Pipeline) run(job Job) {
	start := time.Now()
	logging.LogJobStart(p.log, string(job.Type), job.ID, job.InputPath, job.Options)
	if p.store != nil {
		_ = p.store.RecordJobStart(job.ID)
	}

	res := p.processor.Process(p.ctx, job)
	res.Job = job
	res.Duration = time.Since(start)

	status := storage.StatusCompleted
	if res.Error != nil {
		status = storage.StatusFailed
		logging.LogJobError(p.log, string(job.Type), job.ID, res.Duration, res.Error, map[string]any{
			"input":  job.InputPath,
			"output": job.Output,
		})
	} else {
		logging.LogJobComplete(p.log, string(job.Type), job.ID, res.Duration, res.Meta)
	}
	if p.store != nil {
		_ = p.store.RecordJobResult(job.ID, status, res.Meta, errString(res.Error))
	}

	if job.Reply != nil {
		select {
		case job.Reply <- res:
		case <-p.ctx.Done():
		}
	}
	p.broadcast(res)
}

// Subscribe returns a channel for receiving job results and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Result, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Result, 8)
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (p *Pipeline) broadcast(res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- res:
		default:
			p.log.Warn("result channel full", "subscriber", id, "job", res.Job.ID)
		}
	}
}
