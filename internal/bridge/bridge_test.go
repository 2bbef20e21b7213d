package bridge

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/oriys/nexus/internal/capability"
	"github.com/oriys/nexus/internal/domain"
)

type stubSpawner struct {
	lastArgv []string
	result   SpawnResult
	err      error
}

func (s *stubSpawner) Spawn(ctx context.Context, argv []string, cwd string, env map[string]string, stdin string, capture bool) (SpawnResult, error) {
	s.lastArgv = argv
	return s.result, s.err
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func newTestBridge(t *testing.T, grant ...string) (*Bridge, *capability.Store, *stubSpawner) {
	t.Helper()
	caps := capability.NewStore(256)
	t.Cleanup(caps.Close)
	for _, g := range grant {
		caps.Grant(g)
	}
	sp := &stubSpawner{result: SpawnResult{Code: 0, Stdout: "out", Stderr: ""}}
	state := domain.NewShellState()
	state.SetCwd(t.TempDir())
	b, err := New(Options{
		Caps:      caps,
		State:     state,
		Spawner:   sp,
		MaxMemory: 4 << 20,
	})
	if err != nil {
		t.Fatal(err)
	}
	return b, caps, sp
}

func run(t *testing.T, b *Bridge, script string) (*domain.Value, error) {
	t.Helper()
	return b.RunScript(context.Background(), script, &domain.CommandContext{Cwd: b.state.Cwd()})
}

func TestMarshalRoundTrip(t *testing.T) {
	b, _, _ := newTestBridge(t)

	tests := []struct {
		name string
		v    *domain.Value
	}{
		{"null", domain.Null()},
		{"bool", domain.NewBool(true)},
		{"int", domain.NewInt(42)},
		{"float", domain.NewFloat(1.5)},
		{"string", domain.NewString("héllo")},
		{"bytes", domain.NewBytes([]byte{0, 1, 2, 255})},
		{"list", domain.NewList(domain.NewInt(1), domain.NewString("x"))},
		{"map", domain.NewMap(map[string]*domain.Value{
			"a": domain.NewInt(1),
			"b": domain.NewList(domain.NewBool(false)),
		})},
		{"handle", domain.NewHandle(7, "file")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := b.ToNative(b.ToScripted(tt.v))
			if err != nil {
				t.Fatal(err)
			}
			if !got.Equal(tt.v) {
				t.Errorf("round trip: got %s, want %s", got.Render(), tt.v.Render())
			}
		})
	}
}

func TestCycleDetection(t *testing.T) {
	b, _, _ := newTestBridge(t)
	b.caps.Grant("utils:deepClone:*")

	_, err := run(t, b, `const a = {}; a.self = a; utils.deepClone(a)`)
	if !domain.IsKind(err, domain.ErrInvalidArgument) {
		t.Fatalf("err = %v, want InvalidArgument", err)
	}
}

func TestScriptResultMarshalling(t *testing.T) {
	b, _, _ := newTestBridge(t)

	v, err := run(t, b, `({n: 2, xs: [1, 2, 3], s: "ok", f: 0.5, t: true, nothing: null})`)
	if err != nil {
		t.Fatal(err)
	}
	if v.Kind != domain.KindMap {
		t.Fatalf("kind = %v", v.Kind)
	}
	if v.Map["n"].Int != 2 || len(v.Map["xs"].List) != 3 || v.Map["s"].Str != "ok" {
		t.Errorf("marshalled = %s", v.Render())
	}
	if !v.Map["nothing"].IsNull() {
		t.Errorf("null field = %s", v.Map["nothing"].Render())
	}
}

func TestScriptSyntaxError(t *testing.T) {
	b, _, _ := newTestBridge(t)
	_, err := run(t, b, `const = broken(`)
	if !domain.IsKind(err, domain.ErrSyntax) {
		t.Fatalf("err = %v, want SyntaxError", err)
	}
}

func TestScriptThrowIsExecutionFailure(t *testing.T) {
	b, _, _ := newTestBridge(t)
	_, err := run(t, b, `throw new Error("boom")`)
	if !domain.IsKind(err, domain.ErrExecutionFailure) {
		t.Fatalf("err = %v", err)
	}
}

func TestPermissionDeniedIdenticalAcrossDomains(t *testing.T) {
	b, _, _ := newTestBridge(t) // no grants at all

	// Native caller.
	_, nativeErr := b.FSReadFile("/etc/passwd", "")
	if !domain.IsKind(nativeErr, domain.ErrPermissionDenied) {
		t.Fatalf("native err = %v", nativeErr)
	}

	// Scripted caller surfaces the same kind.
	_, scriptErr := run(t, b, `fs.readFile("/etc/passwd")`)
	if !domain.IsKind(scriptErr, domain.ErrPermissionDenied) {
		t.Fatalf("script err = %v", scriptErr)
	}
}

func TestScriptCanCatchPermissionDenied(t *testing.T) {
	b, _, _ := newTestBridge(t)
	v, err := run(t, b, `
		let kind = "";
		try { fs.readFile("/etc/passwd") } catch (e) { kind = e.kind }
		kind
	`)
	if err != nil {
		t.Fatal(err)
	}
	if v.Str != "PermissionDenied" {
		t.Fatalf("caught kind = %q", v.Str)
	}
}

func TestFSReadWriteListStat(t *testing.T) {
	b, _, _ := newTestBridge(t, "fs:*:**")
	dir := b.state.Cwd()

	if err := b.FSWriteFile(filepath.Join(dir, "a.txt"), []byte("hello")); err != nil {
		t.Fatal(err)
	}

	v, err := b.FSReadFile("a.txt", "")
	if err != nil {
		t.Fatal(err)
	}
	if v.Str != "hello" {
		t.Errorf("content = %q", v.Str)
	}

	bin, err := b.FSReadFile("a.txt", "binary")
	if err != nil {
		t.Fatal(err)
	}
	if bin.Kind != domain.KindBytes || string(bin.Bytes) != "hello" {
		t.Errorf("binary read = %s", bin.Render())
	}

	ls, err := b.FSListDir(".")
	if err != nil {
		t.Fatal(err)
	}
	if len(ls.List) != 1 || ls.List[0].Map["name"].Str != "a.txt" {
		t.Errorf("listDir = %s", ls.Render())
	}
	if !ls.List[0].Map["isFile"].Bool {
		t.Error("isFile = false")
	}

	st, err := b.FSStat("a.txt")
	if err != nil {
		t.Fatal(err)
	}
	if st.Map["size"].Int != 5 || !st.Map["isFile"].Bool {
		t.Errorf("stat = %s", st.Render())
	}
}

func TestFSWriteParentMissing(t *testing.T) {
	b, _, _ := newTestBridge(t, "fs:*:**")
	err := b.FSWriteFile("no/such/dir/f.txt", []byte("x"))
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestFSReadMissingIsNotFound(t *testing.T) {
	b, _, _ := newTestBridge(t, "fs:*:**")
	_, err := b.FSReadFile("missing.txt", "")
	if !domain.IsKind(err, domain.ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestFSFind(t *testing.T) {
	b, _, _ := newTestBridge(t, "fs:*:**")
	dir := b.state.Cwd()
	os.MkdirAll(filepath.Join(dir, "sub", "deeper"), 0755)
	os.WriteFile(filepath.Join(dir, "one.log"), []byte("x"), 0644)
	os.WriteFile(filepath.Join(dir, "sub", "two.log"), []byte("y"), 0644)
	os.WriteFile(filepath.Join(dir, "sub", "deeper", "three.log"), []byte("z"), 0644)
	os.WriteFile(filepath.Join(dir, "other.txt"), []byte("w"), 0644)

	v, err := b.FSFind(".log", FindOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(v.List) != 3 {
		t.Fatalf("found %d, want 3: %s", len(v.List), v.Render())
	}

	v, err = b.FSFind(".log", FindOptions{MaxDepth: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(v.List) != 1 {
		t.Fatalf("depth-limited found %d, want 1", len(v.List))
	}

	v, err = b.FSFind(`^t.*\.log$`, FindOptions{Regex: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(v.List) != 2 {
		t.Fatalf("regex found %d, want 2", len(v.List))
	}
}

func TestFSFindScriptedPredicate(t *testing.T) {
	b, _, _ := newTestBridge(t, "fs:*:**")
	dir := b.state.Cwd()
	os.WriteFile(filepath.Join(dir, "keep.log"), []byte("x"), 0644)
	os.WriteFile(filepath.Join(dir, "skip.txt"), []byte("y"), 0644)

	v, err := run(t, b, `fs.find(n => n.endsWith(".log")).map(f => f.name)`)
	if err != nil {
		t.Fatal(err)
	}
	if len(v.List) != 1 || v.List[0].Str != "keep.log" {
		t.Fatalf("predicate find = %s", v.Render())
	}
}

// Scenario: a scripted directory listing chained through filter/map.
func TestScriptedDirFilterMap(t *testing.T) {
	b, _, _ := newTestBridge(t, "fs:*:**")
	dir := b.state.Cwd()
	os.WriteFile(filepath.Join(dir, "big.bin"), make([]byte, 2048), 0644)
	os.WriteFile(filepath.Join(dir, "small.txt"), []byte("s"), 0644)

	v, err := run(t, b, `fs.dir(".").filter(f => f.size > 1024).map(f => f.name)`)
	if err != nil {
		t.Fatal(err)
	}
	if v.Kind != domain.KindList || len(v.List) != 1 || v.List[0].Str != "big.bin" {
		t.Fatalf("result = %s", v.Render())
	}
}

func TestProcExecThroughSpawner(t *testing.T) {
	b, _, sp := newTestBridge(t, "proc:*:**")
	sp.result = SpawnResult{Code: 3, Stdout: "so", Stderr: "se"}

	v, err := run(t, b, `proc.exec("mytool", {args: ["-v", "x"]})`)
	if err != nil {
		t.Fatal(err)
	}
	if v.Map["code"].Int != 3 || v.Map["success"].Bool {
		t.Errorf("result = %s", v.Render())
	}
	if v.Map["stdout"].Str != "so" || v.Map["stderr"].Str != "se" {
		t.Errorf("stdio = %s", v.Render())
	}
	if len(sp.lastArgv) != 3 || sp.lastArgv[0] != "mytool" || sp.lastArgv[2] != "x" {
		t.Errorf("argv = %v", sp.lastArgv)
	}
}

func TestProcKillDeniedUnderDefaultPolicy(t *testing.T) {
	b, caps, _ := newTestBridge(t)
	caps.ApplyPolicy("sandbox")

	_, err := run(t, b, `proc.kill(1)`)
	if !domain.IsKind(err, domain.ErrPermissionDenied) {
		t.Fatalf("err = %v", err)
	}

	denied := caps.Audit().Query(func(e capability.AuditEntry) bool {
		return e.Action == "proc:kill" && !e.Granted
	})
	if len(denied) != 1 {
		t.Fatalf("denied audit entries = %d, want 1", len(denied))
	}
}

func TestNetGetStubbed(t *testing.T) {
	caps := capability.NewStore(64)
	t.Cleanup(caps.Close)
	caps.Grant("net:http:api.example.com")
	state := domain.NewShellState()

	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: 200,
			Header:     http.Header{"X-Kind": []string{"stub"}},
			Body:       io.NopCloser(strings.NewReader(`{"ok":true}`)),
			Request:    r,
		}, nil
	})}

	b, err := New(Options{Caps: caps, State: state, HTTPClient: client, MaxMemory: 1 << 20})
	if err != nil {
		t.Fatal(err)
	}

	v, err := b.NetGet("https://api.example.com/v1/x", RequestOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if v.Map["status"].Int != 200 || !v.Map["ok"].Bool {
		t.Errorf("response = %s", v.Render())
	}
	if v.Map["body"].Str != `{"ok":true}` {
		t.Errorf("body = %q", v.Map["body"].Str)
	}

	// Unlisted host is denied before any I/O.
	if _, err := b.NetGet("https://evil.example.net/", RequestOptions{}); !domain.IsKind(err, domain.ErrPermissionDenied) {
		t.Fatalf("err = %v", err)
	}
}

func TestUtilsSurface(t *testing.T) {
	b, _, _ := newTestBridge(t, "utils:*:**")

	v, err := run(t, b, `utils.hash("abc", "sha256")`)
	if err != nil {
		t.Fatal(err)
	}
	if v.Str != "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad" {
		t.Errorf("sha256 = %q", v.Str)
	}

	v, err = run(t, b, `utils.formatBytes(1536)`)
	if err != nil {
		t.Fatal(err)
	}
	if v.Str != "1.5 KB" {
		t.Errorf("formatBytes = %q", v.Str)
	}

	v, err = run(t, b, `utils.uuid()`)
	if err != nil {
		t.Fatal(err)
	}
	if len(v.Str) != 36 {
		t.Errorf("uuid = %q", v.Str)
	}

	v, err = run(t, b, `utils.deepMerge({a: 1, nest: {x: 1}}, {b: 2, nest: {y: 2}})`)
	if err != nil {
		t.Fatal(err)
	}
	nest := v.Map["nest"]
	if v.Map["a"].Int != 1 || v.Map["b"].Int != 2 || nest.Map["x"].Int != 1 || nest.Map["y"].Int != 2 {
		t.Errorf("deepMerge = %s", v.Render())
	}
}

func TestUtilsRetry(t *testing.T) {
	b, _, _ := newTestBridge(t, "utils:*:**")

	v, err := run(t, b, `
		let n = 0;
		utils.retry(() => {
			n++;
			if (n < 3) throw new Error("flaky");
			return n;
		}, {attempts: 5, delay: 0})
	`)
	if err != nil {
		t.Fatal(err)
	}
	if v.Int != 3 {
		t.Fatalf("retry result = %s", v.Render())
	}

	_, err = run(t, b, `utils.retry(() => { throw new Error("always") }, {attempts: 2, delay: 0})`)
	if !domain.IsKind(err, domain.ErrExecutionFailure) {
		t.Fatalf("err = %v", err)
	}
}

func TestMemoryCap(t *testing.T) {
	caps := capability.NewStore(64)
	t.Cleanup(caps.Close)
	caps.Grant("fs:*:**")
	state := domain.NewShellState()
	dir := t.TempDir()
	state.SetCwd(dir)

	b, err := New(Options{Caps: caps, State: state, MaxMemory: 1024})
	if err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(dir, "big.bin"), make([]byte, 4096), 0644)

	_, err = b.FSReadFile("big.bin", "")
	if !domain.IsKind(err, domain.ErrMemoryExceeded) {
		t.Fatalf("err = %v, want MemoryExceeded", err)
	}
}

func TestHandleTable(t *testing.T) {
	ht := NewHandleTable()
	id := ht.Put("payload", "file")
	obj, typ, ok := ht.Get(id)
	if !ok || obj.(string) != "payload" || typ != "file" {
		t.Fatalf("get = (%v, %q, %t)", obj, typ, ok)
	}
	if !ht.Release(id) {
		t.Fatal("release failed")
	}
	if _, _, ok := ht.Get(id); ok {
		t.Fatal("handle resolvable after release")
	}
	if ht.Release(id) {
		t.Fatal("double release reported success")
	}
}

func TestWatch(t *testing.T) {
	b, _, _ := newTestBridge(t, "fs:*:**", "utils:*:**")
	dir := b.state.Cwd()

	v, err := run(t, b, `
		let events = [];
		const w = fs.watch(".", e => events.push(e.eventType));
		w.stop();
		events
	`)
	if err != nil {
		t.Fatal(err)
	}
	if v.Kind != domain.KindList {
		t.Fatalf("result = %s", v.Render())
	}
	_ = dir
	if got := b.Handles().Len(); got != 0 {
		t.Errorf("handles live after stop = %d", got)
	}
}
