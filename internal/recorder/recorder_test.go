package recorder

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/oriys/nexus/internal/domain"
)

func newRecorder(t *testing.T) (*Recorder, string) {
	t.Helper()
	dir := t.TempDir()
	return New(func() string { return dir }), dir
}

func TestRecordAndPersist(t *testing.T) {
	r, dir := newRecorder(t)

	if _, err := r.Start("r1"); err != nil {
		t.Fatal(err)
	}

	id1 := r.RecordCommand("pwd", CtxSnapshot{Cwd: "/home/u"})
	r.RecordResult(id1, domain.NewString("/home/u"), nil, 3*time.Millisecond)

	id2 := r.RecordCommand("date", CtxSnapshot{Cwd: "/home/u"})
	r.RecordResult(id2, domain.NewString("2026-01-01"), nil, time.Millisecond)

	rec, err := r.Stop()
	if err != nil {
		t.Fatal(err)
	}
	if len(rec.Commands) != 2 {
		t.Fatalf("commands = %d, want 2", len(rec.Commands))
	}
	for _, e := range rec.Commands {
		if e.Input == "" || e.Result == nil || e.ExecutionTime < 0 {
			t.Errorf("entry %+v incomplete", e)
		}
	}

	// The file lands under <cwd>/.nexus/recordings/<name>.json.
	path := filepath.Join(dir, ".nexus", "recordings", "r1.json")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatal(err)
	}
	cmds, ok := doc["commands"].([]any)
	if !ok || len(cmds) != 2 {
		t.Fatalf("persisted commands = %v", doc["commands"])
	}
	meta, ok := doc["metadata"].(map[string]any)
	if !ok || meta["shell"] != "nexus" {
		t.Errorf("metadata = %v", doc["metadata"])
	}
}

func TestStartWhileActive(t *testing.T) {
	r, _ := newRecorder(t)
	r.Start("a")
	if _, err := r.Start("b"); err == nil {
		t.Fatal("second Start must fail")
	}
}

func TestStopWithoutStart(t *testing.T) {
	r, _ := newRecorder(t)
	if _, err := r.Stop(); err == nil {
		t.Fatal("expected error")
	}
}

func TestRecordingInactiveIsNoop(t *testing.T) {
	r, _ := newRecorder(t)
	if id := r.RecordCommand("pwd", CtxSnapshot{}); id != "" {
		t.Fatal("expected empty id when not recording")
	}
	r.RecordResult("", domain.Null(), nil, 0) // must not panic
}

func TestLoadToleratesUnknownKeys(t *testing.T) {
	r, dir := newRecorder(t)
	recDir := filepath.Join(dir, ".nexus", "recordings")
	os.MkdirAll(recDir, 0755)
	body := `{
		"id": 1, "name": "x", "startTime": 5,
		"futureField": {"a": 1},
		"commands": [{"id": "e1", "seq": 0, "timestamp": 6, "input": "pwd",
			"context": {"cwd": "/"}, "result": "/", "executionTime": 1,
			"unknownEntryKey": true}],
		"snapshots": []
	}`
	os.WriteFile(filepath.Join(recDir, "x.json"), []byte(body), 0644)

	rec, err := r.Load("x")
	if err != nil {
		t.Fatal(err)
	}
	if len(rec.Commands) != 1 || rec.Commands[0].Input != "pwd" {
		t.Fatalf("loaded = %+v", rec)
	}
}

func TestSnapshots(t *testing.T) {
	r, _ := newRecorder(t)
	if err := r.CreateSnapshot("manual", "pre", nil, nil); err == nil {
		t.Fatal("snapshot without recording must fail")
	}
	r.Start("s")
	if err := r.CreateSnapshot("manual", "pre", map[string]any{"load": 0.1}, nil); err != nil {
		t.Fatal(err)
	}
	rec, _ := r.Stop()
	if len(rec.Snapshots) != 1 || rec.Snapshots[0].Type != "manual" {
		t.Fatalf("snapshots = %+v", rec.Snapshots)
	}
}

// Replaying against an exec that returns the recorded responses must
// reproduce the recorded result sequence with no divergences.
func TestReplayDeterminism(t *testing.T) {
	r, _ := newRecorder(t)
	r.Start("det")
	for i, in := range []string{"one", "two", "three"} {
		id := r.RecordCommand(in, CtxSnapshot{})
		r.RecordResult(id, domain.NewInt(int64(i)), nil, 0)
	}
	r.Stop()

	stub := func(ctx context.Context, input string) (*domain.Value, error) {
		switch input {
		case "one":
			return domain.NewInt(0), nil
		case "two":
			return domain.NewInt(1), nil
		default:
			return domain.NewInt(2), nil
		}
	}

	s, err := r.Replay("det", ReplayOptions{}, stub)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(s.Divergences()) != 0 {
		t.Fatalf("divergences = %v", s.Divergences())
	}
	results := s.Results()
	if len(results) != 3 || results[2].Int != 2 {
		t.Fatalf("results = %v", results)
	}
}

func TestReplayDivergenceReported(t *testing.T) {
	r, _ := newRecorder(t)
	r.Start("div")
	id := r.RecordCommand("x", CtxSnapshot{})
	r.RecordResult(id, domain.NewInt(1), nil, 0)
	r.Stop()

	s, _ := r.Replay("div", ReplayOptions{}, func(ctx context.Context, in string) (*domain.Value, error) {
		return domain.NewInt(99), nil
	})
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("divergence must not abort by default: %v", err)
	}
	if len(s.Divergences()) != 1 {
		t.Fatalf("divergences = %d", len(s.Divergences()))
	}

	s2, _ := r.Replay("div", ReplayOptions{AbortOnDivergence: true}, func(ctx context.Context, in string) (*domain.Value, error) {
		return domain.NewInt(99), nil
	})
	if err := s2.Run(context.Background()); err == nil {
		t.Fatal("expected abort")
	}
}

func TestReplayBreakpointAndResume(t *testing.T) {
	r, _ := newRecorder(t)
	r.Start("bp")
	for _, in := range []string{"a", "b", "c"} {
		id := r.RecordCommand(in, CtxSnapshot{})
		r.RecordResult(id, domain.NewString(in), nil, 0)
	}
	r.Stop()

	var executed []string
	s, _ := r.Replay("bp", ReplayOptions{Breakpoints: []int{1}}, func(ctx context.Context, in string) (*domain.Value, error) {
		executed = append(executed, in)
		return domain.NewString(in), nil
	})

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	// Wait for the pause before entry 1.
	deadline := time.Now().Add(2 * time.Second)
	for !s.Paused() {
		if time.Now().After(deadline) {
			t.Fatal("never paused")
		}
		time.Sleep(2 * time.Millisecond)
	}
	if len(executed) != 1 || executed[0] != "a" {
		t.Fatalf("executed before breakpoint = %v", executed)
	}

	s.Resume()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if len(executed) != 3 {
		t.Fatalf("executed = %v", executed)
	}
}

func TestReplayCancelledAtBreakpoint(t *testing.T) {
	r, _ := newRecorder(t)
	r.Start("cancel")
	id := r.RecordCommand("a", CtxSnapshot{})
	r.RecordResult(id, domain.NewString("a"), nil, 0)
	r.Stop()

	s, _ := r.Replay("cancel", ReplayOptions{StepMode: true}, func(ctx context.Context, in string) (*domain.Value, error) {
		return domain.NewString(in), nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	for !s.Paused() {
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; !domain.IsKind(err, domain.ErrCancelled) {
		t.Fatalf("err = %v", err)
	}
}

func TestList(t *testing.T) {
	r, _ := newRecorder(t)
	names, err := r.List()
	if err != nil || names != nil {
		t.Fatalf("empty list: %v %v", names, err)
	}
	r.Start("zz")
	r.Stop()
	r.Start("aa")
	r.Stop()
	names, err = r.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 || names[0] != "aa" {
		t.Fatalf("names = %v", names)
	}
}
