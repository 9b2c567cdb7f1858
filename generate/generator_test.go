package generate

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"synthgen/config"
)

// shellWorker stands in for the renderer: it acknowledges every assigned
// unit over the line protocol without rendering anything.
type shellWorker struct {
	mu        sync.Mutex
	manifests [][]int
	crashOnce bool
	crashed   bool
}

func (w *shellWorker) Build(ctx context.Context, ordinal int, remaining []int) (*exec.Cmd, error) {
	w.mu.Lock()
	w.manifests = append(w.manifests, append([]int(nil), remaining...))
	crash := w.crashOnce && !w.crashed
	if crash {
		w.crashed = true
	}
	w.mu.Unlock()

	var sb strings.Builder
	for i, id := range remaining {
		if crash && i == len(remaining)/2 {
			sb.WriteString("exit 1; ")
			break
		}
		fmt.Fprintf(&sb, "echo FILENAME:%d; echo PROGRESS; ", id)
	}
	sb.WriteString("echo GENERATION_SUCCESSFUL")
	return exec.CommandContext(ctx, "sh", "-c", sb.String()), nil
}

func (w *shellWorker) Name() string { return "sh" }

func testConfig(t *testing.T, samples, workers int) *config.Config {
	t.Helper()
	return &config.Config{
		Samples:        samples,
		Workers:        workers,
		Verbose:        true,
		RendererBinary: "sh",
		OutputRoot:     t.TempDir(),
	}
}

func TestGenerator_RunCompletesAllUnits(t *testing.T) {
	cfg := testConfig(t, 6, 2)
	worker := &shellWorker{}
	gen := New(cfg, worker, "", nil, nil, zaptest.NewLogger(t))

	if err := gen.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// Two workers, one attempt each.
	if len(worker.manifests) != 2 {
		t.Errorf("expected 2 worker launches, got %d", len(worker.manifests))
	}
	seen := map[int]bool{}
	for _, manifest := range worker.manifests {
		for _, id := range manifest {
			if seen[id] {
				t.Errorf("unit %d assigned to more than one worker", id)
			}
			seen[id] = true
		}
	}
	for id := 0; id < 6; id++ {
		if !seen[id] {
			t.Errorf("unit %d never assigned", id)
		}
	}
}

func TestGenerator_RecoversFromWorkerCrash(t *testing.T) {
	cfg := testConfig(t, 4, 1)
	worker := &shellWorker{crashOnce: true}
	gen := New(cfg, worker, "", nil, nil, zaptest.NewLogger(t))

	if err := gen.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(worker.manifests) < 2 {
		t.Fatalf("expected a relaunch after the crash, got %d attempts", len(worker.manifests))
	}
	first, second := worker.manifests[0], worker.manifests[1]
	if len(second) >= len(first) {
		t.Errorf("restart manifest did not shrink: first %v, second %v", first, second)
	}
}

func TestGenerator_SufficientOutputSkipsWorkers(t *testing.T) {
	cfg := testConfig(t, 2, 2)
	if err := os.MkdirAll(cfg.ImageDir(), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(cfg.LabelDir(), 0o755); err != nil {
		t.Fatal(err)
	}
	for _, stem := range []string{"0", "1"} {
		if err := os.WriteFile(cfg.ImageDir()+"/"+stem+".PNG", []byte("pixels"), 0o644); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(cfg.LabelDir()+"/"+stem+".txt", []byte("label"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	worker := &shellWorker{}
	gen := New(cfg, worker, "", nil, nil, zaptest.NewLogger(t))

	if err := gen.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(worker.manifests) != 0 {
		t.Errorf("expected no worker launches, got %d", len(worker.manifests))
	}
}

func TestGenerator_ClearOutputsWipesPriorState(t *testing.T) {
	cfg := testConfig(t, 1, 1)
	cfg.ClearOutputs = true
	if err := os.MkdirAll(cfg.ImageDir(), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(cfg.ImageDir()+"/0.PNG", []byte("stale"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(cfg.MarkerFile(), []byte("0.PNG\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	worker := &shellWorker{}
	gen := New(cfg, worker, "", nil, nil, zaptest.NewLogger(t))

	if err := gen.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// The stale pair was wiped, so the full sample count was regenerated.
	if len(worker.manifests) != 1 {
		t.Fatalf("expected 1 worker launch, got %d", len(worker.manifests))
	}
	if got := worker.manifests[0]; len(got) != 1 || got[0] != 0 {
		t.Errorf("expected manifest [0], got %v", got)
	}
	if _, err := os.Stat(cfg.MarkerFile()); !os.IsNotExist(err) {
		t.Error("checkpoint log survived clear_outputs")
	}
}

func TestGenerator_CancellationReturnsPromptly(t *testing.T) {
	cfg := testConfig(t, 2, 1)
	worker := &hangingWorker{}
	gen := New(cfg, worker, "", nil, nil, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gen.Run(ctx) }()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected cancellation error, got nil")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

type hangingWorker struct{}

func (w *hangingWorker) Build(ctx context.Context, ordinal int, remaining []int) (*exec.Cmd, error) {
	return exec.CommandContext(ctx, "sh", "-c", "sleep 60"), nil
}

func (w *hangingWorker) Name() string { return "sh" }
