package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"ctfrefine/internal/config"
	"ctfrefine/internal/emdata"
	"ctfrefine/internal/mrc"
	"ctfrefine/internal/pipeline"
	"ctfrefine/internal/storage"
	"ctfrefine/internal/tasks"
)

type echoProcessor struct{}

func (echoProcessor) Process(ctx context.Context, job pipeline.Job) pipeline.Result {
	if job.InputPath == "bad.mrc" {
		return pipeline.Result{Job: job, Error: errors.New("goCTF has failed on bad.mrc")}
	}
	return pipeline.Result{Job: job, Meta: map[string]any{"micrograph": job.InputPath}}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestServer(t *testing.T, store *storage.Store, pipe *pipeline.Pipeline, cfg *config.Config) (*Server, *httptest.Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	s := NewServer("", cfg, store, pipe, quietLogger())
	s.startFeeds(ctx)
	ts := httptest.NewServer(s.routes())
	t.Cleanup(func() {
		ts.Close()
		cancel()
		s.runs.Wait()
	})
	return s, ts
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestHealthz(t *testing.T) {
	_, ts := newTestServer(t, nil, nil, nil)
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "ok" {
		t.Fatalf("healthz returned %d %q", resp.StatusCode, body)
	}
}

func TestRunEndpoints(t *testing.T) {
	store := newStore(t)
	if err := store.RecordRunStart(storage.RunRecord{ID: "run-1", ParticlesPath: "parts.sqlite", MicrographsPath: "mics.sqlite"}); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"run-1-0001", "run-1-0002"} {
		if err := store.RecordJobQueued(storage.JobRecord{ID: id, RunID: "run-1", JobType: "refine"}); err != nil {
			t.Fatal(err)
		}
	}
	_, ts := newTestServer(t, store, nil, nil)

	var runs []storage.RunRecord
	if code := getJSON(t, ts.URL+"/runs", &runs); code != http.StatusOK || len(runs) != 1 || runs[0].ID != "run-1" {
		t.Fatalf("GET /runs: %d %+v", code, runs)
	}

	var run storage.RunRecord
	if code := getJSON(t, ts.URL+"/runs/run-1", &run); code != http.StatusOK || run.Status != storage.StatusRunning {
		t.Fatalf("GET /runs/run-1: %d %+v", code, run)
	}

	if code := getJSON(t, ts.URL+"/runs/nope", nil); code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown run, got %d", code)
	}

	var jobs []storage.JobRecord
	if code := getJSON(t, ts.URL+"/runs/run-1/jobs", &jobs); code != http.StatusOK || len(jobs) != 2 {
		t.Fatalf("GET /runs/run-1/jobs: %d %+v", code, jobs)
	}
	if jobs[0].ID != "run-1-0001" || jobs[0].Status != storage.StatusQueued {
		t.Fatalf("unexpected first job %+v", jobs[0])
	}

	if err := store.RecordJobResult("run-1-0001", storage.StatusCompleted, map[string]any{"micrograph": "M1"}, ""); err != nil {
		t.Fatal(err)
	}
	var meta map[string]any
	if code := getJSON(t, ts.URL+"/jobs/run-1-0001/meta", &meta); code != http.StatusOK || meta["micrograph"] != "M1" {
		t.Fatalf("GET /jobs/run-1-0001/meta: %d %+v", code, meta)
	}
	if code := getJSON(t, ts.URL+"/jobs/run-1-0002/meta", nil); code != http.StatusNotFound {
		t.Fatalf("expected 404 for a job without results, got %d", code)
	}
}

func TestRunsWithoutStore(t *testing.T) {
	_, ts := newTestServer(t, nil, nil, nil)
	if code := getJSON(t, ts.URL+"/runs", nil); code != http.StatusInternalServerError {
		t.Fatalf("expected 500 without a journal, got %d", code)
	}
}

func TestStreamSendsJobResults(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pipe := pipeline.NewWithProcessor(ctx, 1, quietLogger(), nil, echoProcessor{})
	defer pipe.Stop()
	_, ts := newTestServer(t, nil, pipe, nil)

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}

	if err := pipe.SubmitContext(ctx, pipeline.Job{ID: "j1", RunID: "r1", Type: pipeline.JobRefine, InputPath: "bad.mrc"}); err != nil {
		t.Fatal(err)
	}

	lines := make(chan string, 1)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			if strings.HasPrefix(sc.Text(), "data: ") {
				lines <- strings.TrimPrefix(sc.Text(), "data: ")
				return
			}
		}
	}()

	select {
	case line := <-lines:
		var ev jobEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			t.Fatalf("decode event %q: %v", line, err)
		}
		if ev.JobID != "j1" || ev.Status != storage.StatusFailed || !strings.Contains(ev.Error, "bad.mrc") {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for stream event")
	}
}

func TestWebSocketFeed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pipe := pipeline.NewWithProcessor(ctx, 1, quietLogger(), nil, echoProcessor{})
	defer pipe.Stop()
	_, ts := newTestServer(t, nil, pipe, nil)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Registration with the hub races the first broadcast, so keep
	// submitting until a message arrives.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			if err := pipe.SubmitContext(ctx, pipeline.Job{ID: "ws-job", RunID: "r1", Type: pipeline.JobRefine, InputPath: "mic.mrc"}); err != nil {
				return
			}
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("no websocket message received: %v", err)
	}
	var ev jobEvent
	if err := json.Unmarshal(msg, &ev); err != nil {
		t.Fatalf("decode %q: %v", msg, err)
	}
	if ev.JobID != "ws-job" || ev.Status != storage.StatusCompleted || ev.Meta["micrograph"] != "mic.mrc" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestLaunchRejectsBadRequests(t *testing.T) {
	_, ts := newTestServer(t, nil, nil, nil)
	cases := map[string]string{
		"malformed":    `{"particles":`,
		"missing sets": `{"output":"out.sqlite"}`,
		"unknown file": `{"particles":"/nonexistent/parts.sqlite","micrographs":"/nonexistent/mics.sqlite"}`,
	}
	for name, body := range cases {
		resp, err := http.Post(ts.URL+"/runs", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", name, resp.StatusCode)
		}
	}
}

const fakeGoCTF = `#!/bin/sh
read micFn
cat > /dev/null
base=${micFn%.mrc}
{
  printf 'data_\n\nloop_\n_rlnCoordinateX #1\n_rlnCoordinateY #2\n_rlnDefocusU #3\n_rlnDefocusV #4\n_rlnDefocusAngle #5\n'
  awk '$1 ~ /^[0-9.-]+$/ && NF == 5 { printf "%s %s %.2f %.2f %s\n", $1, $2, $3 + 100, $4 + 50, $5 }' "${base}_go.star"
} > "${base}_goCTF.star"
`

// writeLaunchSets writes a one-particle refinement on micrograph M1 and a
// config pointing at the fake goCTF.
func writeLaunchSets(t *testing.T) (cfg *config.Config, partsPath, micsPath string) {
	t.Helper()
	t.Setenv(tasks.GoCTFHomeVar, "")
	root := t.TempDir()
	home := filepath.Join(root, "goctf")
	if err := os.MkdirAll(filepath.Join(home, "bin"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(home, "bin", "goctf"), []byte(fakeGoCTF), 0o755); err != nil {
		t.Fatal(err)
	}
	cfg = config.Default()
	cfg.Tools.GoCTF.Home = home
	cfg.Processing.TempDir = filepath.Join(root, "work")

	micFile := filepath.Join(root, "M1.mrc")
	if err := mrc.WriteFile(micFile, mrc.NewImage(8, 8, 1)); err != nil {
		t.Fatal(err)
	}
	acq := emdata.Acquisition{Voltage: 300, SphericalAberration: 2.7, AmplitudeContrast: 0.1}
	micsPath = filepath.Join(root, "mics.sqlite")
	if err := emdata.WriteMicrographSet(micsPath, &emdata.MicrographSet{
		SamplingRate: 1,
		Acquisition:  acq,
		Micrographs:  []emdata.Micrograph{{ID: 1, MicName: "M1", FileName: micFile, SamplingRate: 1}},
	}); err != nil {
		t.Fatal(err)
	}
	partsPath = filepath.Join(root, "parts.sqlite")
	if err := emdata.WriteParticleSet(partsPath, &emdata.ParticleSet{
		SamplingRate: 1,
		Alignment:    emdata.AlignNone,
		Acquisition:  acq,
		Particles: []emdata.Particle{
			{ID: 1, MicID: 1, Coordinate: emdata.Coordinate{X: 10, Y: 20, MicName: "M1"},
				CTF: emdata.CTFModel{DefocusU: 21000, DefocusV: 20000, DefocusAngle: 15}},
		},
	}); err != nil {
		t.Fatal(err)
	}
	return cfg, partsPath, micsPath
}

func postLaunch(t *testing.T, url string, req map[string]any) map[string]string {
	t.Helper()
	body, _ := json.Marshal(req)
	resp, err := http.Post(url+"/runs", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var launched map[string]string
	_ = json.NewDecoder(resp.Body).Decode(&launched)
	if resp.StatusCode != http.StatusAccepted || launched["id"] == "" {
		t.Fatalf("launch returned %d %v", resp.StatusCode, launched)
	}
	return launched
}

func waitRun(t *testing.T, url, id string) storage.RunRecord {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	var run storage.RunRecord
	for time.Now().Before(deadline) {
		if getJSON(t, url+"/runs/"+id, &run) == http.StatusOK && run.Status != storage.StatusRunning {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if run.Status != storage.StatusCompleted {
		t.Fatalf("run did not complete: %+v", run)
	}
	return run
}

func TestLaunchRunsRefinement(t *testing.T) {
	cfg, partsPath, micsPath := writeLaunchSets(t)
	store := newStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pipe := pipeline.New(ctx, 1, quietLogger(), store, cfg)
	defer pipe.Stop()
	_, ts := newTestServer(t, store, pipe, cfg)

	launched := postLaunch(t, ts.URL, map[string]any{
		"particles":   partsPath,
		"micrographs": micsPath,
		"params":      map[string]any{"window_size": 256},
	})
	if want := filepath.Join(filepath.Dir(partsPath), "parts_goctf.sqlite"); launched["output"] != want {
		t.Fatalf("output %q, want %q", launched["output"], want)
	}

	run := waitRun(t, ts.URL, launched["id"])
	if !strings.Contains(run.ParamsJSON, `"window_size":256`) || !strings.Contains(run.ParamsJSON, `"low_res":30`) {
		t.Fatalf("params should merge request over config defaults: %s", run.ParamsJSON)
	}

	out, err := emdata.ReadParticleSet(launched["output"])
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if out.Size() != 1 || out.Particles[0].CTF.DefocusU != 21100 {
		t.Fatalf("unexpected output particles %+v", out.Particles)
	}
}

func TestLaunchWithThreadsStartsOwnWorkers(t *testing.T) {
	cfg, partsPath, micsPath := writeLaunchSets(t)
	store := newStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// The shared pipeline never runs goCTF, so a refined particle proves
	// the run used workers of its own.
	shared := pipeline.NewWithProcessor(ctx, 1, quietLogger(), nil, echoProcessor{})
	defer shared.Stop()
	_, ts := newTestServer(t, store, shared, cfg)

	launched := postLaunch(t, ts.URL, map[string]any{
		"particles":   partsPath,
		"micrographs": micsPath,
		"params":      map[string]any{"threads": cfg.Processing.Threads + 2},
	})
	run := waitRun(t, ts.URL, launched["id"])
	if !strings.Contains(run.ParamsJSON, fmt.Sprintf(`"threads":%d`, cfg.Processing.Threads+2)) {
		t.Fatalf("threads not recorded: %s", run.ParamsJSON)
	}
	out, err := emdata.ReadParticleSet(launched["output"])
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if out.Size() != 1 || !out.Particles[0].CTF.Refined {
		t.Fatalf("run with its own threads did not refine: %+v", out.Particles)
	}
}
