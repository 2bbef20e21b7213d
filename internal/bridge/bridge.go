// Package bridge is the only code path that exposes the native
// filesystem, process and network APIs to scripted code. It marshals
// Values between the native and scripted domains, owns the handle
// table that pins native resources, and funnels every surface call
// through a capability check before any work happens.
//
// # Scripting runtime
//
// The embedded general-purpose language is JavaScript via goja. One
// runtime exists per bridge and is single-threaded: script evaluation
// and callback delivery (watchers, monitors) serialise on vmMu. Bridge
// methods look synchronous to scripts; blocking work happens on the
// calling goroutine, which for async submissions is a pool worker.
//
// # Errors
//
// Surface failures are domain errors. When the caller is scripted they
// are thrown as JS exceptions carrying the taxonomy kind and
// reconstructed into the same domain error on the way out, so a
// PermissionDenied looks identical to native and scripted callers.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
	"github.com/oriys/nexus/internal/capability"
	"github.com/oriys/nexus/internal/domain"
	"github.com/oriys/nexus/internal/logging"
	"github.com/oriys/nexus/internal/metrics"
)

// SpawnResult is the outcome of one external process run.
type SpawnResult struct {
	Code   int
	Stdout string
	Stderr string
}

// Spawner is the external-process boundary: argv[0] resolves via host
// PATH rules, no shell metacharacter re-interpretation. Non-zero exit
// is reported in SpawnResult, not as an error; a spawn failure (binary
// not found) is an error.
type Spawner interface {
	Spawn(ctx context.Context, argv []string, cwd string, env map[string]string, stdin string, capture bool) (SpawnResult, error)
}

// Options configures a Bridge.
type Options struct {
	Caps      *capability.Store
	Metrics   *metrics.Metrics
	State     *domain.ShellState
	Spawner   Spawner
	MaxMemory int64
	// MemoryWarning, when positive, logs a warning the first time the
	// live payload total crosses it.
	MemoryWarning int64
	// HTTPClient overrides the default client (tests inject a stub
	// transport here).
	HTTPClient *http.Client
}

// Bridge marshals Values and exposes the fs/proc/net/utils surfaces.
type Bridge struct {
	caps    *capability.Store
	metrics *metrics.Metrics
	state   *domain.ShellState
	spawner Spawner
	handles *HandleTable
	mem     *memTracker
	memWarn int64
	warned  atomic.Bool
	http    *http.Client

	vmMu sync.Mutex
	vm   *goja.Runtime

	// curCtx is the command context of the script currently running on
	// the VM; guarded by vmMu.
	curCtx *domain.CommandContext
}

// New creates a Bridge and installs the scripted surfaces into a fresh
// runtime.
func New(opts Options) (*Bridge, error) {
	if opts.Caps == nil {
		return nil, fmt.Errorf("bridge requires a capability store")
	}
	b := &Bridge{
		caps:    opts.Caps,
		metrics: opts.Metrics,
		state:   opts.State,
		spawner: opts.Spawner,
		handles: NewHandleTable(),
		mem:     newMemTracker(opts.MaxMemory),
		memWarn: opts.MemoryWarning,
		http:    opts.HTTPClient,
		vm:      goja.New(),
	}
	if b.http == nil {
		b.http = &http.Client{Timeout: 30 * time.Second}
	}
	if err := b.install(); err != nil {
		return nil, err
	}
	return b, nil
}

// Handles exposes the native-handle table.
func (b *Bridge) Handles() *HandleTable { return b.handles }

// LiveBytes reports the tracked live Value payload total.
func (b *Bridge) LiveBytes() int64 { return b.mem.Live() }

// install registers the fs/proc/net/utils objects on the runtime.
func (b *Bridge) install() error {
	surfaces := map[string]map[string]func(goja.FunctionCall) goja.Value{
		"fs": {
			"readFile":  b.jsFSReadFile,
			"writeFile": b.jsFSWriteFile,
			"listDir":   b.jsFSListDir,
			"dir":       b.jsFSListDir, // alias; scripts chain .filter/.map on it
			"stat":      b.jsFSStat,
			"watch":     b.jsFSWatch,
			"find":      b.jsFSFind,
		},
		"proc": {
			"exec":    b.jsProcExec,
			"list":    b.jsProcList,
			"kill":    b.jsProcKill,
			"info":    b.jsProcInfo,
			"monitor": b.jsProcMonitor,
		},
		"net": {
			"get":      b.jsNetGet,
			"post":     b.jsNetPost,
			"download": b.jsNetDownload,
		},
		"utils": {
			"sleep":       b.jsUtilsSleep,
			"uuid":        b.jsUtilsUUID,
			"hash":        b.jsUtilsHash,
			"formatBytes": b.jsUtilsFormatBytes,
			"retry":       b.jsUtilsRetry,
			"deepMerge":   b.jsUtilsDeepMerge,
			"deepClone":   b.jsUtilsDeepClone,
		},
	}
	for name, methods := range surfaces {
		obj := b.vm.NewObject()
		for m, fn := range methods {
			if err := obj.Set(m, fn); err != nil {
				return err
			}
		}
		if err := b.vm.Set(name, obj); err != nil {
			return err
		}
	}
	return nil
}

// SurfacePaths lists every dotted method path for parser completions.
func (b *Bridge) SurfacePaths() []string {
	paths := []string{
		"fs.readFile", "fs.writeFile", "fs.listDir", "fs.dir", "fs.stat", "fs.watch", "fs.find",
		"proc.exec", "proc.list", "proc.kill", "proc.info", "proc.monitor",
		"net.get", "net.post", "net.download",
		"utils.sleep", "utils.uuid", "utils.hash", "utils.formatBytes",
		"utils.retry", "utils.deepMerge", "utils.deepClone",
	}
	sort.Strings(paths)
	return paths
}

// RunScript evaluates a script on the runtime under the given command
// context and marshals the completion value to a native Value.
// Cancellation interrupts the VM at its next instruction boundary.
func (b *Bridge) RunScript(ctx context.Context, script string, cctx *domain.CommandContext) (*domain.Value, error) {
	b.vmMu.Lock()
	defer b.vmMu.Unlock()
	b.curCtx = cctx
	defer func() { b.curCtx = nil }()

	prog, err := goja.Compile("", script, false)
	if err != nil {
		return nil, b.scriptError(err)
	}

	stop := make(chan struct{})
	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		select {
		case <-ctx.Done():
			b.vm.Interrupt(ctx.Err())
		case <-stop:
		}
	}()

	val, err := b.vm.RunProgram(prog)

	close(stop)
	<-watcherDone
	b.vm.ClearInterrupt()

	if err != nil {
		return nil, b.scriptError(err)
	}
	return b.ToNative(val)
}

// scriptError maps a goja evaluation error onto the taxonomy,
// recovering domain errors thrown by surface methods.
func (b *Bridge) scriptError(err error) error {
	var ierr *goja.InterruptedError
	if errors.As(err, &ierr) {
		if cause, ok := ierr.Value().(error); ok {
			if errors.Is(cause, context.DeadlineExceeded) {
				return domain.WrapError(domain.ErrTimeout, cause, "script deadline exceeded")
			}
			return domain.WrapError(domain.ErrCancelled, cause, "script interrupted")
		}
		return domain.NewError(domain.ErrCancelled, "script interrupted")
	}

	var cerr *goja.CompilerSyntaxError
	if errors.As(err, &cerr) {
		return domain.SyntaxErrorAt(0, "script syntax error: %s", cerr.Error())
	}

	var exc *goja.Exception
	if errors.As(err, &exc) {
		if de := b.domainException(exc); de != nil {
			return de
		}
		return domain.WrapError(domain.ErrExecutionFailure, err, "script threw: %s", exc.Error())
	}
	return domain.WrapError(domain.ErrExecutionFailure, err, "script evaluation failed")
}

// domainException recovers a taxonomy error thrown by throwErr.
func (b *Bridge) domainException(exc *goja.Exception) *domain.Error {
	obj, ok := exc.Value().(*goja.Object)
	if !ok {
		return nil
	}
	marker := obj.Get("__nexusError")
	if marker == nil || !marker.ToBoolean() {
		return nil
	}
	return &domain.Error{
		Kind:    domain.ErrorKind(obj.Get("kind").String()),
		Message: obj.Get("message").String(),
		Offset:  -1,
	}
}

// throwErr raises err into the running script as a catchable exception
// carrying the taxonomy kind. Must only be called on the VM goroutine.
func (b *Bridge) throwErr(err error) {
	var de *domain.Error
	if !errors.As(err, &de) {
		de = domain.WrapError(domain.ErrInternal, err, "%s", err.Error())
	}
	obj := b.vm.NewObject()
	obj.Set("__nexusError", true)
	obj.Set("kind", string(de.Kind))
	obj.Set("name", string(de.Kind))
	obj.Set("message", de.Message)
	panic(b.vm.ToValue(obj))
}

// require gates a surface method: the capability check runs before any
// work, and a denial is surfaced as PermissionDenied.
func (b *Bridge) require(action, resource string) error {
	if b.caps.Check(action, resource) {
		return nil
	}
	if b.metrics != nil {
		b.metrics.RecordPermissionDenial()
	}
	return domain.NewError(domain.ErrPermissionDenied, "%s on %s denied", action, resource)
}

// inReplay reports whether the currently running script executes under
// a replay session.
func (b *Bridge) inReplay() bool {
	return b.curCtx != nil && b.curCtx.InReplay
}

// cwd resolves the shell working directory for surface methods.
func (b *Bridge) cwd() string {
	if b.curCtx != nil && b.curCtx.Cwd != "" {
		return b.curCtx.Cwd
	}
	if b.state != nil {
		return b.state.Cwd()
	}
	return "."
}

// ToNative marshals a scripted value into a Value. Cyclic object graphs
// are detected by identity set and reported as InvalidArgument.
func (b *Bridge) ToNative(v goja.Value) (*domain.Value, error) {
	out, err := b.toNative(v, make(map[*goja.Object]bool))
	if err != nil {
		return nil, err
	}
	if err := b.mem.track(out); err != nil {
		return nil, err
	}
	if b.metrics != nil {
		b.metrics.SetLiveValueBytes(b.mem.Live())
	}
	return out, nil
}

func (b *Bridge) toNative(v goja.Value, seen map[*goja.Object]bool) (*domain.Value, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return domain.Null(), nil
	}

	switch exported := v.Export().(type) {
	case bool:
		return domain.NewBool(exported), nil
	case int64:
		return domain.NewInt(exported), nil
	case float64:
		return domain.NewFloat(exported), nil
	case string:
		return domain.NewString(exported), nil
	case goja.ArrayBuffer:
		buf := exported.Bytes()
		cp := make([]byte, len(buf))
		copy(cp, buf)
		return domain.NewBytes(cp), nil
	}

	obj, ok := v.(*goja.Object)
	if !ok {
		return domain.NewString(v.String()), nil
	}
	if seen[obj] {
		return nil, domain.NewError(domain.ErrInvalidArgument, "cyclic object graph cannot be marshalled")
	}
	seen[obj] = true
	defer delete(seen, obj)

	// A scripted handle round-trips by identity.
	if hv := obj.Get("__handle"); hv != nil && !goja.IsUndefined(hv) {
		id := uint64(hv.ToInteger())
		typ := "handle"
		if tv := obj.Get("__handleType"); tv != nil && !goja.IsUndefined(tv) {
			typ = tv.String()
		}
		return domain.NewHandle(id, typ), nil
	}

	if obj.ClassName() == "Array" {
		length := obj.Get("length").ToInteger()
		elems := make([]*domain.Value, 0, length)
		for i := int64(0); i < length; i++ {
			ev, err := b.toNative(obj.Get(strconv.FormatInt(i, 10)), seen)
			if err != nil {
				return nil, err
			}
			elems = append(elems, ev)
		}
		return domain.NewList(elems...), nil
	}

	if _, isFn := goja.AssertFunction(v); isFn {
		// Opaque to the native model: pin it and hand back a handle.
		id := b.handles.Put(v, "function")
		return domain.NewHandle(id, "function"), nil
	}

	m := make(map[string]*domain.Value)
	for _, key := range obj.Keys() {
		ev, err := b.toNative(obj.Get(key), seen)
		if err != nil {
			return nil, err
		}
		m[key] = ev
	}
	return domain.NewMap(m), nil
}

// ToScripted marshals a Value into the runtime's domain. Handles keep
// their identity via the __handle marker.
func (b *Bridge) ToScripted(v *domain.Value) goja.Value {
	if v == nil {
		return goja.Null()
	}
	switch v.Kind {
	case domain.KindNull:
		return goja.Null()
	case domain.KindBool:
		return b.vm.ToValue(v.Bool)
	case domain.KindInt:
		return b.vm.ToValue(v.Int)
	case domain.KindFloat:
		return b.vm.ToValue(v.Float)
	case domain.KindString:
		return b.vm.ToValue(v.Str)
	case domain.KindBytes:
		cp := make([]byte, len(v.Bytes))
		copy(cp, v.Bytes)
		return b.vm.ToValue(b.vm.NewArrayBuffer(cp))
	case domain.KindList:
		arr := make([]any, len(v.List))
		for i, e := range v.List {
			arr[i] = b.ToScripted(e)
		}
		return b.vm.ToValue(arr)
	case domain.KindMap:
		obj := b.vm.NewObject()
		for k, e := range v.Map {
			obj.Set(k, b.ToScripted(e))
		}
		return obj
	case domain.KindHandle:
		obj := b.vm.NewObject()
		obj.Set("__handle", v.Handle)
		obj.Set("__handleType", v.Type)
		return obj
	}
	return goja.Undefined()
}

// TrackValue charges a natively constructed Value (surface results,
// pipeline outputs) against the memory cap.
func (b *Bridge) TrackValue(v *domain.Value) error {
	if err := b.mem.track(v); err != nil {
		logging.Op().Warn("value allocation rejected", "bytes", v.Size, "error", err)
		return err
	}
	live := b.mem.Live()
	if b.metrics != nil {
		b.metrics.SetLiveValueBytes(live)
	}
	if b.memWarn > 0 && live > b.memWarn && b.warned.CompareAndSwap(false, true) {
		logging.Op().Warn("live value payloads above warning threshold",
			"live", live, "threshold", b.memWarn)
	}
	return nil
}

// arg fetches a positional call argument or undefined.
func arg(call goja.FunctionCall, i int) goja.Value {
	if i < len(call.Arguments) {
		return call.Arguments[i]
	}
	return goja.Undefined()
}

// optsObject decodes an options argument into a plain map.
func optsObject(v goja.Value) map[string]any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	if m, ok := v.Export().(map[string]any); ok {
		return m
	}
	return nil
}
