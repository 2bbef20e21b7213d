package bridge

import (
	"context"
	"strconv"
	"syscall"
	"time"

	"github.com/dop251/goja"
	"github.com/oriys/nexus/internal/domain"
	"github.com/oriys/nexus/internal/logging"
	"github.com/shirou/gopsutil/v4/process"
)

// ProcExec runs an external command through the spawner and returns the
// {code, stdout, stderr, success} result map. Non-zero exit is not an
// error; spawn failure is.
func (b *Bridge) ProcExec(ctx context.Context, cmd string, args []string, cwd string, env map[string]string, timeout time.Duration) (*domain.Value, error) {
	if err := b.require("proc:exec", cmd); err != nil {
		return nil, err
	}
	if b.spawner == nil {
		return nil, domain.NewError(domain.ErrExecutionFailure, "no process spawner configured")
	}
	if cwd == "" {
		cwd = b.cwd()
	}
	if env == nil && b.curCtx != nil {
		env = b.curCtx.Env
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	res, err := b.spawner.Spawn(ctx, append([]string{cmd}, args...), cwd, env, "", true)
	if err != nil {
		return nil, err
	}
	return SpawnValue(res), nil
}

// SpawnValue converts a spawn result into the contract map.
func SpawnValue(res SpawnResult) *domain.Value {
	return domain.NewMap(map[string]*domain.Value{
		"code":    domain.NewInt(int64(res.Code)),
		"stdout":  domain.NewString(res.Stdout),
		"stderr":  domain.NewString(res.Stderr),
		"success": domain.NewBool(res.Code == 0),
	})
}

// ProcList returns {pid, name, cpu, memory, uptime} for every visible
// process. CPU is the percentage since process start, which is the
// cheapest portable reading.
func (b *Bridge) ProcList() (*domain.Value, error) {
	if err := b.require("proc:list", "*"); err != nil {
		return nil, err
	}
	procs, err := process.Processes()
	if err != nil {
		return nil, domain.WrapError(domain.ErrExecutionFailure, err, "list processes")
	}
	now := time.Now().UnixMilli()
	out := make([]*domain.Value, 0, len(procs))
	for _, p := range procs {
		name, err := p.Name()
		if err != nil {
			continue // process vanished mid-walk
		}
		cpu, _ := p.CPUPercent()
		var rss uint64
		if mi, err := p.MemoryInfo(); err == nil && mi != nil {
			rss = mi.RSS
		}
		var uptime int64
		if created, err := p.CreateTime(); err == nil {
			uptime = (now - created) / 1000
		}
		out = append(out, domain.NewMap(map[string]*domain.Value{
			"pid":    domain.NewInt(int64(p.Pid)),
			"name":   domain.NewString(name),
			"cpu":    domain.NewFloat(cpu),
			"memory": domain.NewInt(int64(rss)),
			"uptime": domain.NewInt(uptime),
		}))
	}
	v := domain.NewList(out...)
	if err := b.TrackValue(v); err != nil {
		return nil, err
	}
	return v, nil
}

// ProcInfo returns a detailed record for one pid, or null when the
// process does not exist.
func (b *Bridge) ProcInfo(pid int32) (*domain.Value, error) {
	if err := b.require("proc:info", strconv.Itoa(int(pid))); err != nil {
		return nil, err
	}
	p, err := process.NewProcess(pid)
	if err != nil {
		return domain.Null(), nil
	}
	name, _ := p.Name()
	cmdline, _ := p.Cmdline()
	cpu, _ := p.CPUPercent()
	user, _ := p.Username()
	var rss uint64
	if mi, err := p.MemoryInfo(); err == nil && mi != nil {
		rss = mi.RSS
	}
	created, _ := p.CreateTime()
	statuses, _ := p.Status()
	status := ""
	if len(statuses) > 0 {
		status = statuses[0]
	}
	return domain.NewMap(map[string]*domain.Value{
		"pid":     domain.NewInt(int64(pid)),
		"name":    domain.NewString(name),
		"cmdline": domain.NewString(cmdline),
		"cpu":     domain.NewFloat(cpu),
		"memory":  domain.NewInt(int64(rss)),
		"user":    domain.NewString(user),
		"status":  domain.NewString(status),
		"created": domain.NewInt(created),
	}), nil
}

var signalNames = map[string]syscall.Signal{
	"SIGTERM": syscall.SIGTERM,
	"SIGKILL": syscall.SIGKILL,
	"SIGINT":  syscall.SIGINT,
	"SIGHUP":  syscall.SIGHUP,
	"SIGUSR1": syscall.SIGUSR1,
	"SIGUSR2": syscall.SIGUSR2,
}

// ProcKill delivers a signal (default SIGTERM) to a pid.
func (b *Bridge) ProcKill(pid int32, signal string) error {
	if err := b.require("proc:kill", strconv.Itoa(int(pid))); err != nil {
		return err
	}
	if signal == "" {
		signal = "SIGTERM"
	}
	sig, ok := signalNames[signal]
	if !ok {
		return domain.NewError(domain.ErrInvalidArgument, "unknown signal %q", signal)
	}
	p, err := process.NewProcess(pid)
	if err != nil {
		return domain.WrapError(domain.ErrNotFound, err, "process %d", pid)
	}
	if err := p.SendSignal(sig); err != nil {
		return domain.WrapError(domain.ErrExecutionFailure, err, "signal %s to %d", signal, pid)
	}
	return nil
}

// monitor is the native resource behind a proc.monitor handle.
type monitor struct {
	done chan struct{}
}

func (m *monitor) stop() {
	select {
	case <-m.done:
	default:
		close(m.done)
	}
}

// --- scripted wrappers ---

func (b *Bridge) jsProcExec(call goja.FunctionCall) goja.Value {
	cmd := arg(call, 0).String()
	var args []string
	cwd := ""
	var env map[string]string
	var timeout time.Duration
	if o := optsObject(arg(call, 1)); o != nil {
		if raw, ok := o["args"].([]any); ok {
			for _, a := range raw {
				args = append(args, toString(a))
			}
		}
		if c, ok := o["cwd"].(string); ok {
			cwd = c
		}
		if rawEnv, ok := o["env"].(map[string]any); ok {
			env = make(map[string]string, len(rawEnv))
			for k, ev := range rawEnv {
				env[k] = toString(ev)
			}
		}
		if t, ok := o["timeout"].(int64); ok {
			timeout = time.Duration(t) * time.Millisecond
		}
	}
	v, err := b.ProcExec(context.Background(), cmd, args, cwd, env, timeout)
	if err != nil {
		b.throwErr(err)
	}
	return b.ToScripted(v)
}

func (b *Bridge) jsProcList(call goja.FunctionCall) goja.Value {
	v, err := b.ProcList()
	if err != nil {
		b.throwErr(err)
	}
	return b.ToScripted(v)
}

func (b *Bridge) jsProcKill(call goja.FunctionCall) goja.Value {
	pid := int32(arg(call, 0).ToInteger())
	signal := ""
	if s := arg(call, 1); !goja.IsUndefined(s) {
		signal = s.String()
	}
	if err := b.ProcKill(pid, signal); err != nil {
		b.throwErr(err)
	}
	return goja.Undefined()
}

func (b *Bridge) jsProcInfo(call goja.FunctionCall) goja.Value {
	v, err := b.ProcInfo(int32(arg(call, 0).ToInteger()))
	if err != nil {
		b.throwErr(err)
	}
	return b.ToScripted(v)
}

// jsProcMonitor invokes cb with the process list every interval_ms
// until the returned object's stop() is called.
func (b *Bridge) jsProcMonitor(call goja.FunctionCall) goja.Value {
	cb, ok := goja.AssertFunction(arg(call, 0))
	if !ok {
		b.throwErr(domain.NewError(domain.ErrInvalidArgument, "proc.monitor requires a callback"))
	}
	interval := time.Duration(arg(call, 1).ToInteger()) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}
	if err := b.require("proc:monitor", "*"); err != nil {
		b.throwErr(err)
	}

	m := &monitor{done: make(chan struct{})}
	id := b.handles.Put(m, "monitor")

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.done:
				return
			case <-ticker.C:
				v, err := b.ProcList()
				if err != nil {
					logging.Op().Warn("proc.monitor sample failed", "error", err)
					continue
				}
				b.vmMu.Lock()
				_, cerr := cb(goja.Undefined(), b.ToScripted(v))
				b.vmMu.Unlock()
				if cerr != nil {
					logging.Op().Warn("proc.monitor callback failed", "error", cerr)
				}
			}
		}
	}()

	obj := b.vm.NewObject()
	obj.Set("__handle", id)
	obj.Set("__handleType", "monitor")
	obj.Set("stop", func(goja.FunctionCall) goja.Value {
		m.stop()
		b.handles.Release(id)
		return goja.Undefined()
	})
	return obj
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}
