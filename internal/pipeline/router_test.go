package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"ctfrefine/internal/emdata"
	"ctfrefine/internal/storage"
	"ctfrefine/internal/tasks"
)

type stubRefiner struct {
	mu    sync.Mutex
	calls []tasks.RefineRequest
	fail  map[string]error
}

func (s *stubRefiner) Refine(ctx context.Context, req tasks.RefineRequest) (tasks.RefineResult, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	s.mu.Unlock()
	if err := s.fail[req.Micrograph.MicName]; err != nil {
		return tasks.RefineResult{}, err
	}
	return tasks.RefineResult{
		MicName:    req.Micrograph.MicName,
		OutputStar: filepath.Join(req.WorkDir, req.Micrograph.MicName+"_goCTF.star"),
		Duration:   time.Millisecond,
	}, nil
}

func refineJob(id, mic string, reply chan<- Result) Job {
	return Job{
		ID:    id,
		RunID: "run-1",
		Type:  JobRefine,
		Options: map[string]any{
			OptRefineRequest: tasks.RefineRequest{
				Micrograph: emdata.Micrograph{MicName: mic, FileName: mic + ".mrc"},
				WorkDir:    "/tmp/" + mic,
			},
		},
		Reply: reply,
	}
}

func TestRouterRefineMeta(t *testing.T) {
	stub := &stubRefiner{}
	r := &router{log: slog.Default(), refiner: stub}

	res := r.Process(context.Background(), refineJob("j1", "mic1", nil))
	if res.Error != nil {
		t.Fatalf("expected nil error, got %v", res.Error)
	}
	if res.Meta["output"] != "/tmp/mic1/mic1_goCTF.star" {
		t.Fatalf("unexpected meta %v", res.Meta)
	}
	if len(stub.calls) != 1 || stub.calls[0].Micrograph.MicName != "mic1" {
		t.Fatalf("unexpected refine calls %+v", stub.calls)
	}
}

func TestRouterRejectsUnknownAndMalformed(t *testing.T) {
	r := &router{log: slog.Default(), refiner: &stubRefiner{}}
	if res := r.Process(context.Background(), Job{ID: "x", Type: "pano"}); res.Error == nil {
		t.Fatalf("expected unknown job type error")
	}
	if res := r.Process(context.Background(), Job{ID: "y", Type: JobRefine}); res.Error == nil {
		t.Fatalf("expected missing request error")
	}
}

func TestPipelineRepliesAndRecords(t *testing.T) {
	store, err := storage.New(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	stub := &stubRefiner{fail: map[string]error{"bad": errors.New("goCTF has failed on bad.mrc")}}
	p := NewWithProcessor(context.Background(), 2, slog.Default(), store, &router{log: slog.Default(), refiner: stub})
	defer p.Stop()

	results, unsub := p.Subscribe()
	defer unsub()

	reply := make(chan Result, 3)
	for i, mic := range []string{"good1", "bad", "good2"} {
		if err := p.SubmitContext(context.Background(), refineJob(mic, mic, reply)); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	failed := 0
	for i := 0; i < 3; i++ {
		select {
		case res := <-reply:
			if res.Error != nil {
				failed++
				if res.Job.ID != "bad" {
					t.Fatalf("unexpected failure for %s", res.Job.ID)
				}
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for results")
		}
	}
	if failed != 1 {
		t.Fatalf("expected one failure, got %d", failed)
	}

	select {
	case <-results:
	case <-time.After(time.Second):
		t.Fatalf("subscriber received nothing")
	}

	jobs, err := store.RunJobs("run-1")
	if err != nil || len(jobs) != 3 {
		t.Fatalf("RunJobs = %v, %v", jobs, err)
	}
	for _, j := range jobs {
		want := storage.StatusCompleted
		if j.ID == "bad" {
			want = storage.StatusFailed
		}
		if j.Status != want {
			t.Fatalf("job %s status %s, want %s", j.ID, j.Status, want)
		}
	}
}

func TestSubmitAfterStop(t *testing.T) {
	p := NewWithProcessor(context.Background(), 1, slog.Default(), nil, &router{log: slog.Default(), refiner: &stubRefiner{}})
	p.Stop()
	if err := p.SubmitContext(context.Background(), refineJob("late", "mic", nil)); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
	select {
	case <-p.Done():
	default:
		t.Fatalf("Done should be closed after Stop")
	}
}
