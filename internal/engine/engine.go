// Package engine dispatches parsed plans to builtins, the scripted
// evaluator or the external-process path, manages pipeline data flow
// and emits metrics.
//
// # Invocation pipeline
//
// Execute is the single entry point for all command lines. The
// per-command state machine is:
//
//	parsed → permission_check → (record) → execute → (record_result) → return
//
// Permission failure is terminal and skips execute; recording is
// best-effort and never blocks execute. Metrics recording, command
// logging and recorder result attachment are side effects off the
// critical path.
//
// # Concurrency
//
// Engine is safe for concurrent use. Commands run inline on the caller
// goroutine by default; ExecuteAsync submits to the worker pool. The
// inflight WaitGroup drains in-flight commands during graceful
// shutdown: Drain blocks new work first, then waits for active
// commands to finish.
//
// # Failure behaviour
//
// Errors are never swallowed; they propagate to the Execute caller. A
// failing stage aborts its pipeline. A failing command with an open
// transaction triggers rollback of that transaction.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/oriys/nexus/internal/bridge"
	"github.com/oriys/nexus/internal/capability"
	"github.com/oriys/nexus/internal/domain"
	"github.com/oriys/nexus/internal/logging"
	"github.com/oriys/nexus/internal/metrics"
	"github.com/oriys/nexus/internal/observability"
	"github.com/oriys/nexus/internal/parser"
	"github.com/oriys/nexus/internal/pool"
	"github.com/oriys/nexus/internal/recorder"
	"github.com/oriys/nexus/internal/txn"
	"golang.org/x/sync/errgroup"
)

// Builtin is a registered in-process command handler.
type Builtin func(ctx context.Context, cctx *domain.CommandContext) (*domain.Value, error)

// Options wires an Engine.
type Options struct {
	Parser   *parser.Parser
	Bridge   *bridge.Bridge
	Caps     *capability.Store
	State    *domain.ShellState
	Pool     *pool.Pool
	Metrics  *metrics.Metrics
	Recorder *recorder.Recorder
	Txns     *txn.Manager
	Logger   *logging.Logger
	Spawner  bridge.Spawner

	Monitoring     bool
	LatencyWarning time.Duration
}

// Engine executes parsed plans.
type Engine struct {
	parser   *parser.Parser
	bridge   *bridge.Bridge
	caps     *capability.Store
	state    *domain.ShellState
	pool     *pool.Pool
	metrics  *metrics.Metrics
	rec      *recorder.Recorder
	txns     *txn.Manager
	logger   *logging.Logger
	spawner  bridge.Spawner
	monitor  bool
	latWarn  time.Duration

	mu       sync.RWMutex
	builtins map[string]Builtin

	inflight sync.WaitGroup
	draining chan struct{}
	drainMu  sync.Mutex
	drained  bool
}

// New creates an Engine.
func New(opts Options) *Engine {
	return &Engine{
		parser:   opts.Parser,
		bridge:   opts.Bridge,
		caps:     opts.Caps,
		state:    opts.State,
		pool:     opts.Pool,
		metrics:  opts.Metrics,
		rec:      opts.Recorder,
		txns:     opts.Txns,
		logger:   opts.Logger,
		spawner:  opts.Spawner,
		monitor:  opts.Monitoring,
		latWarn:  opts.LatencyWarning,
		builtins: make(map[string]Builtin),
		draining: make(chan struct{}),
	}
}

// Register installs a builtin command handler.
func (e *Engine) Register(name string, fn Builtin) {
	e.mu.Lock()
	e.builtins[name] = fn
	e.mu.Unlock()
	if e.parser != nil {
		e.parser.RegisterBuiltins(name)
	}
}

// BuiltinNames lists registered builtins.
func (e *Engine) BuiltinNames() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.builtins))
	for n := range e.builtins {
		names = append(names, n)
	}
	return names
}

func (e *Engine) builtin(name string) (Builtin, bool) {
	e.mu.RLock()
	fn, ok := e.builtins[name]
	e.mu.RUnlock()
	return fn, ok
}

// NewContext builds a command context from a consistent snapshot of the
// shell state.
func (e *Engine) NewContext() *domain.CommandContext {
	snap := e.state.Snapshot()
	return &domain.CommandContext{
		Cwd:           snap.Cwd,
		Env:           snap.Env,
		PipelineIndex: 0,
		CaptureStdio:  true,
	}
}

// Execute parses and dispatches one input line; the primary entry
// point.
func (e *Engine) Execute(ctx context.Context, line string) (*domain.Value, error) {
	return e.ExecuteWith(ctx, line, e.NewContext())
}

// ExecuteWith is Execute under a caller-supplied command context (used
// by replay, which sets InReplay).
func (e *Engine) ExecuteWith(ctx context.Context, line string, cctx *domain.CommandContext) (*domain.Value, error) {
	select {
	case <-e.draining:
		return nil, domain.NewError(domain.ErrCancelled, "shell is shutting down")
	default:
	}
	e.inflight.Add(1)
	defer e.inflight.Done()

	plan, err := e.parser.Parse(line)
	if err != nil {
		return nil, err
	}

	ctx, span := observability.StartSpan(ctx, "execute",
		observability.AttrMode.String(string(plan.Mode)),
		observability.AttrReplay.Bool(cctx.InReplay),
	)
	defer span.End()

	recID := ""
	if e.rec != nil && !cctx.InReplay {
		recID = e.rec.RecordCommand(line, recorder.CtxSnapshot{
			Cwd:            cctx.Cwd,
			Mode:           string(plan.Mode),
			PipelineLength: len(plan.Commands),
			InReplay:       cctx.InReplay,
		})
	}

	start := time.Now()
	result, execErr := e.dispatch(ctx, plan, cctx)
	latency := time.Since(start)

	if e.rec != nil {
		e.rec.RecordResult(recID, result, execErr, latency)
	}
	e.logLine(plan, cctx, latency, execErr)
	e.warnSlow(line, latency)

	if execErr != nil {
		observability.SetSpanError(span, execErr)
		// A failing command inside a transaction aborts it.
		if e.txns != nil {
			if id := e.txns.Active(); id != 0 {
				e.txns.Rollback(id)
			}
		}
		return nil, execErr
	}
	span.SetAttributes(observability.AttrLatencyMs.Int64(latency.Milliseconds()))
	observability.SetSpanOK(span)
	return result, nil
}

func (e *Engine) dispatch(ctx context.Context, plan *domain.ParsedInput, cctx *domain.CommandContext) (*domain.Value, error) {
	if plan.Mode == domain.ModeScripted {
		return e.ExecuteScripted(ctx, plan.Script, cctx)
	}
	if len(plan.Commands) == 0 {
		return domain.Null(), nil
	}
	if len(plan.Commands) == 1 {
		return e.executeSingle(ctx, plan.Commands[0], cctx)
	}
	return e.ExecutePipeline(ctx, plan.Commands, cctx)
}

// ExecuteScripted hands a script to the embedded evaluator.
func (e *Engine) ExecuteScripted(ctx context.Context, script string, cctx *domain.CommandContext) (*domain.Value, error) {
	if e.metrics != nil {
		e.metrics.RecordScripted()
	}
	return e.bridge.RunScript(ctx, script, cctx)
}

// ExecutePipeline chains segments, passing the prior stage's Value as
// the next stage's pipeline input. Any failing stage aborts the
// pipeline; there is no partial-success reporting.
func (e *Engine) ExecutePipeline(ctx context.Context, commands []domain.ParsedCommand, cctx *domain.CommandContext) (*domain.Value, error) {
	var result *domain.Value
	for i, cmd := range commands {
		stage := cctx.Clone()
		stage.PipelineInput = result
		stage.PipelineIndex = i
		stage.PipelineLength = len(commands)
		v, err := e.executeSingle(ctx, cmd, stage)
		if err != nil {
			return nil, err
		}
		result = v
	}
	return result, nil
}

// executeSingle runs one command: alias resolution, permission check,
// builtin or external dispatch, metric emission.
func (e *Engine) executeSingle(ctx context.Context, cmd domain.ParsedCommand, cctx *domain.CommandContext) (*domain.Value, error) {
	resolved, err := e.resolveAlias(cmd)
	if err != nil {
		return nil, err
	}

	if !e.caps.Check("shell:exec", resolved.Name) {
		if e.metrics != nil {
			e.metrics.RecordPermissionDenial()
		}
		return nil, domain.NewError(domain.ErrPermissionDenied,
			"execution of %q denied", resolved.Name)
	}

	invoke := cctx.Clone()
	invoke.Args = resolved.Args
	invoke.Flags = resolved.Flags

	start := time.Now()
	var v *domain.Value
	if fn, ok := e.builtin(resolved.Name); ok {
		v, err = fn(ctx, invoke)
	} else {
		v, err = e.spawnExternal(ctx, resolved, invoke)
	}
	if e.metrics != nil {
		e.metrics.Record(resolved.Name, time.Since(start), err == nil)
	}
	if err != nil {
		return nil, err
	}
	if v == nil {
		v = domain.Null()
	}
	return v, nil
}

// resolveAlias applies a single alias lookup to the command name. The
// alias value is tokenised; its first token replaces the name and the
// rest prepend to the arguments. A resolved name that is itself aliased
// is a cycle and errors rather than expanding further.
func (e *Engine) resolveAlias(cmd domain.ParsedCommand) (domain.ParsedCommand, error) {
	target, ok := e.state.Alias(cmd.Name)
	if !ok {
		return cmd, nil
	}
	expansion, err := e.parser.Parse(target)
	if err != nil {
		return cmd, domain.WrapError(domain.ErrInvalidArgument, err, "alias %q", cmd.Name)
	}
	if expansion.Mode != domain.ModeTraditional || len(expansion.Commands) != 1 {
		return cmd, domain.NewError(domain.ErrInvalidArgument,
			"alias %q does not expand to a single command", cmd.Name)
	}
	head := expansion.Commands[0]
	if _, again := e.state.Alias(head.Name); again {
		return cmd, domain.NewError(domain.ErrInvalidArgument,
			"AliasCycle: alias %q resolves to aliased name %q", cmd.Name, head.Name)
	}

	out := cmd
	out.Name = head.Name
	out.Args = append(append([]string{}, head.Args...), cmd.Args...)
	out.Argv = append(append([]string{}, head.Argv...), cmd.Argv[1:]...)
	if len(head.Flags) > 0 {
		merged := make(map[string]domain.FlagValue, len(head.Flags)+len(cmd.Flags))
		for k, fv := range head.Flags {
			merged[k] = fv
		}
		for k, fv := range cmd.Flags {
			merged[k] = fv
		}
		out.Flags = merged
	}
	return out, nil
}

// ExecuteMany runs independent lines concurrently and returns their
// results in input order. The first failure cancels the remaining
// lines. Lines share no pipeline channel; each gets its own context
// snapshot.
func (e *Engine) ExecuteMany(ctx context.Context, lines []string) ([]*domain.Value, error) {
	g, ctx := errgroup.WithContext(ctx)
	results := make([]*domain.Value, len(lines))
	for i, line := range lines {
		g.Go(func() error {
			v, err := e.Execute(ctx, line)
			if err != nil {
				return err
			}
			results[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// ExecuteAsync submits a line to the worker pool and returns its
// future.
func (e *Engine) ExecuteAsync(line string) (*pool.Future, error) {
	if e.metrics != nil {
		e.metrics.RecordAsync()
	}
	cctx := e.NewContext()
	return e.pool.Submit(func(ctx context.Context) (*domain.Value, error) {
		return e.ExecuteWith(ctx, line, cctx)
	})
}

// Drain blocks new commands and waits for in-flight ones to finish.
func (e *Engine) Drain() {
	e.drainMu.Lock()
	if !e.drained {
		e.drained = true
		close(e.draining)
	}
	e.drainMu.Unlock()
	e.inflight.Wait()
}

func (e *Engine) logLine(plan *domain.ParsedInput, cctx *domain.CommandContext, latency time.Duration, err error) {
	if e.logger == nil {
		return
	}
	entry := &logging.CommandLog{
		Input:      plan.Original,
		Mode:       string(plan.Mode),
		DurationMs: latency.Milliseconds(),
		Success:    err == nil,
		InReplay:   cctx.InReplay,
	}
	if e.txns != nil {
		entry.InTx = e.txns.Active() != 0
	}
	if err != nil {
		entry.Error = err.Error()
		entry.ErrorKind = string(domain.KindOf(err))
	}
	e.logger.Log(entry)
}

func (e *Engine) warnSlow(line string, latency time.Duration) {
	if e.monitor && e.latWarn > 0 && latency > e.latWarn {
		logging.Op().Warn("slow command",
			"input", line, "latency_ms", latency.Milliseconds(),
			"threshold_ms", e.latWarn.Milliseconds())
	}
}

// normalizeCtxErr maps a context failure into the taxonomy.
func normalizeCtxErr(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return domain.WrapError(domain.ErrTimeout, err, "command timed out")
	}
	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		return domain.WrapError(domain.ErrCancelled, err, "command cancelled")
	}
	return err
}
