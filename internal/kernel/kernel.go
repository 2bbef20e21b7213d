// Package kernel owns the shell lifecycle: it wires the capability
// store, bridge, engine, worker pool, transaction manager and recorder
// from the loaded configuration, registers the in-core builtins, and
// tears everything down in order on shutdown.
package kernel

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oriys/nexus/internal/bridge"
	"github.com/oriys/nexus/internal/capability"
	"github.com/oriys/nexus/internal/config"
	"github.com/oriys/nexus/internal/domain"
	"github.com/oriys/nexus/internal/engine"
	"github.com/oriys/nexus/internal/logging"
	"github.com/oriys/nexus/internal/metrics"
	"github.com/oriys/nexus/internal/observability"
	"github.com/oriys/nexus/internal/parser"
	"github.com/oriys/nexus/internal/pool"
	"github.com/oriys/nexus/internal/recorder"
	"github.com/oriys/nexus/internal/txn"
)

const historyLimit = 1000

// Kernel wires and owns every core component.
type Kernel struct {
	cfg     *config.Config
	state   *domain.ShellState
	caps    *capability.Store
	bridge  *bridge.Bridge
	engine  *engine.Engine
	pool    *pool.Pool
	rec     *recorder.Recorder
	txns    *txn.Manager
	metrics *metrics.Metrics
	logger  *logging.Logger
	parser  *parser.Parser

	histMu  sync.Mutex
	history []string

	auditFile *os.File
	redisSink *capability.RedisSink
	metricsLn *http.Server

	initialized bool
}

// New creates an unwired kernel from configuration.
func New(cfg *config.Config) *Kernel {
	if cfg == nil {
		cfg = config.Default()
	}
	return &Kernel{cfg: cfg}
}

// Init wires all components. It must be called once before Execute.
func (k *Kernel) Init(ctx context.Context) error {
	if k.initialized {
		return domain.NewError(domain.ErrInvalidArgument, "kernel already initialized")
	}

	if k.cfg.Shell.EnableDebug {
		logging.SetLevel(slog.LevelDebug)
	}

	if err := observability.Init(ctx, observability.Config{
		Enabled:     k.cfg.Performance.Monitoring,
		Exporter:    exporterFromEnv(),
		Endpoint:    os.Getenv("NEXUS_OTLP_ENDPOINT"),
		ServiceName: "nexus",
		SampleRate:  1.0,
	}); err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	k.state = domain.NewShellState()
	k.metrics = metrics.New()
	metrics.InitPrometheus("nexus", nil)

	k.caps = capability.NewStore(capability.DefaultAuditCapacity)
	if err := k.caps.ApplyPolicy(k.cfg.Security.DefaultPolicy); err != nil {
		return err
	}
	for _, grant := range k.cfg.Security.Capabilities {
		k.caps.Grant(grant)
	}
	if err := k.wireAuditSinks(); err != nil {
		return err
	}
	if k.cfg.Shell.EnableSandbox {
		if _, err := k.caps.CreateSandbox("default", sandboxAllowList()); err != nil {
			return err
		}
		if err := k.caps.Enter("default"); err != nil {
			return err
		}
	}

	k.pool = pool.New(k.cfg.Shell.ThreadPoolSize)
	k.txns = txn.NewManager(k.state)
	k.rec = recorder.New(k.state.Cwd)
	k.logger = logging.NewLogger()
	k.logger.SetConsole(k.cfg.Shell.EnableDebug)

	spawner := engine.ExecSpawner{}
	var err error
	k.bridge, err = bridge.New(bridge.Options{
		Caps:          k.caps,
		Metrics:       k.metrics,
		State:         k.state,
		Spawner:       spawner,
		MaxMemory:     k.cfg.MaxMemoryBytes,
		MemoryWarning: k.cfg.MemoryWarningBytes,
	})
	if err != nil {
		return fmt.Errorf("init bridge: %w", err)
	}

	k.parser = parser.New()
	k.parser.RegisterSurfacePaths(k.bridge.SurfacePaths()...)

	k.engine = engine.New(engine.Options{
		Parser:         k.parser,
		Bridge:         k.bridge,
		Caps:           k.caps,
		State:          k.state,
		Pool:           k.pool,
		Metrics:        k.metrics,
		Recorder:       k.rec,
		Txns:           k.txns,
		Logger:         k.logger,
		Spawner:        spawner,
		Monitoring:     k.cfg.Performance.Monitoring,
		LatencyWarning: time.Duration(k.cfg.Performance.Thresholds.LatencyWarning) * time.Millisecond,
	})
	k.registerBuiltins()
	k.serveMetricsFromEnv()

	k.initialized = true
	logging.Op().Info("kernel initialized",
		"policy", k.cfg.Security.DefaultPolicy,
		"workers", k.pool.Workers(),
		"maxMemory", k.cfg.MaxMemoryBytes)
	return nil
}

func exporterFromEnv() string {
	if os.Getenv("NEXUS_OTLP_ENDPOINT") != "" {
		return "otlp-http"
	}
	return "stdout"
}

func sandboxAllowList() []string {
	return []string{
		"fs:read:**", "fs:list:**", "fs:stat:**",
		"utils:*:**", "shell:exec:**", "proc:list:*",
	}
}

func (k *Kernel) wireAuditSinks() error {
	if k.cfg.Security.AuditLogging {
		cwd, _ := os.Getwd()
		dir := filepath.Join(cwd, ".nexus")
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create audit dir: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(dir, "audit.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("open audit log: %w", err)
		}
		k.auditFile = f
		k.caps.Audit().AttachSink(capability.NewWriterSink(f))
	}
	if url := k.cfg.Security.AuditSink; url != "" {
		sink, err := capability.NewRedisSink(url)
		if err != nil {
			return fmt.Errorf("audit sink: %w", err)
		}
		k.redisSink = sink
		k.caps.Audit().AttachSink(sink)
	}
	return nil
}

// serveMetricsFromEnv exposes the Prometheus endpoint when
// NEXUS_METRICS_ADDR is set.
func (k *Kernel) serveMetricsFromEnv() {
	addr := os.Getenv("NEXUS_METRICS_ADDR")
	if addr == "" {
		return
	}
	h := metrics.Handler()
	if h == nil {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	srv := &http.Server{Addr: addr, Handler: mux}
	k.metricsLn = srv
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Op().Warn("metrics listener failed", "addr", addr, "error", err)
		}
	}()
}

// Execute runs one input line and appends it to the history.
func (k *Kernel) Execute(ctx context.Context, line string) (*domain.Value, error) {
	if !k.initialized {
		return nil, domain.NewError(domain.ErrInternal, "kernel not initialized")
	}
	k.appendHistory(line)
	return k.engine.Execute(ctx, line)
}

// ExecuteAsync submits a line to the worker pool.
func (k *Kernel) ExecuteAsync(line string) (*pool.Future, error) {
	if !k.initialized {
		return nil, domain.NewError(domain.ErrInternal, "kernel not initialized")
	}
	k.appendHistory(line)
	return k.engine.ExecuteAsync(line)
}

// Replay runs a saved recording through the engine with in_replay set
// on every command context.
func (k *Kernel) Replay(ctx context.Context, name string, opts recorder.ReplayOptions) (*recorder.ReplaySession, error) {
	session, err := k.rec.Replay(name, opts, func(ctx context.Context, input string) (*domain.Value, error) {
		cctx := k.engine.NewContext()
		cctx.InReplay = true
		return k.engine.ExecuteWith(ctx, input, cctx)
	})
	if err != nil {
		return nil, err
	}
	if err := session.Run(ctx); err != nil {
		return session, err
	}
	return session, nil
}

func (k *Kernel) appendHistory(line string) {
	k.histMu.Lock()
	k.history = append(k.history, line)
	if len(k.history) > historyLimit {
		k.history = k.history[len(k.history)-historyLimit:]
	}
	k.histMu.Unlock()
}

// History returns a copy of the retained input lines, oldest first.
func (k *Kernel) History() []string {
	k.histMu.Lock()
	defer k.histMu.Unlock()
	out := make([]string, len(k.history))
	copy(out, k.history)
	return out
}

// Accessors for the REPL and tests.

func (k *Kernel) Engine() *engine.Engine       { return k.engine }
func (k *Kernel) Parser() *parser.Parser       { return k.parser }
func (k *Kernel) Capabilities() *capability.Store { return k.caps }
func (k *Kernel) Recorder() *recorder.Recorder { return k.rec }
func (k *Kernel) Transactions() *txn.Manager   { return k.txns }
func (k *Kernel) State() *domain.ShellState    { return k.state }
func (k *Kernel) Metrics() *metrics.Metrics    { return k.metrics }
func (k *Kernel) Bridge() *bridge.Bridge       { return k.bridge }

// Shutdown drains in-flight work and releases every component in
// dependency order.
func (k *Kernel) Shutdown(ctx context.Context) error {
	if !k.initialized {
		return nil
	}
	k.initialized = false

	k.engine.Drain()
	k.pool.Shutdown()

	if k.rec.Recording() {
		if _, err := k.rec.Stop(); err != nil {
			logging.Op().Warn("flush active recording failed", "error", err)
		}
	}
	if k.metricsLn != nil {
		k.metricsLn.Shutdown(ctx)
	}
	k.caps.Close()
	if k.auditFile != nil {
		k.auditFile.Close()
	}
	if k.redisSink != nil {
		k.redisSink.Close()
	}
	k.metrics.Close()
	k.logger.Close()
	if err := observability.Shutdown(ctx); err != nil {
		logging.Op().Warn("telemetry shutdown failed", "error", err)
	}
	logging.Op().Info("kernel shut down")
	return nil
}
