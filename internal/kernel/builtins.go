package kernel

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/oriys/nexus/internal/capability"
	"github.com/oriys/nexus/internal/domain"
	"github.com/oriys/nexus/internal/metrics"
	"github.com/oriys/nexus/internal/recorder"
)

// registerBuiltins installs the in-core command set. These are the
// commands the kernel itself needs (state, transactions, recording,
// permissions); the wider command surface is registered by the host
// program through Engine().Register.
func (k *Kernel) registerBuiltins() {
	e := k.engine

	e.Register("pwd", func(ctx context.Context, cctx *domain.CommandContext) (*domain.Value, error) {
		return domain.NewString(cctx.Cwd), nil
	})

	e.Register("cd", k.builtinCd)
	e.Register("env", k.builtinEnv)
	e.Register("export", k.builtinExport)
	e.Register("alias", k.builtinAlias)
	e.Register("unalias", k.builtinUnalias)
	e.Register("history", k.builtinHistory)

	e.Register("begin", func(ctx context.Context, cctx *domain.CommandContext) (*domain.Value, error) {
		return domain.NewInt(int64(k.txns.Begin())), nil
	})
	e.Register("commit", func(ctx context.Context, cctx *domain.CommandContext) (*domain.Value, error) {
		id, err := k.txnID(cctx.Args)
		if err != nil {
			return nil, err
		}
		return domain.NewBool(true), k.txns.Commit(id)
	})
	e.Register("rollback", func(ctx context.Context, cctx *domain.CommandContext) (*domain.Value, error) {
		id, err := k.txnID(cctx.Args)
		if err != nil {
			return nil, err
		}
		return domain.NewBool(true), k.txns.Rollback(id)
	})

	e.Register("record", k.builtinRecord)
	e.Register("replay", k.builtinReplay)
	e.Register("grant", k.builtinGrant)
	e.Register("revoke", k.builtinRevoke)
	e.Register("policy", k.builtinPolicy)
	e.Register("metrics", k.builtinMetrics)
}

func (k *Kernel) builtinCd(ctx context.Context, cctx *domain.CommandContext) (*domain.Value, error) {
	target := ""
	if len(cctx.Args) > 0 {
		target = cctx.Args[0]
	} else if home, ok := cctx.Env["HOME"]; ok {
		target = home
	} else {
		return nil, domain.NewError(domain.ErrInvalidArgument, "cd: no directory given and HOME unset")
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(cctx.Cwd, target)
	}
	target = filepath.Clean(target)

	info, err := os.Stat(target)
	if err != nil {
		return nil, domain.WrapError(domain.ErrNotFound, err, "cd: %s", target)
	}
	if !info.IsDir() {
		return nil, domain.NewError(domain.ErrInvalidArgument, "cd: %s is not a directory", target)
	}

	prev := k.state.Cwd()
	k.state.SetCwd(target)
	k.txns.RegisterRollback(func() error {
		k.state.SetCwd(prev)
		return nil
	})
	k.txns.RecordOp("cd " + target)
	return domain.NewString(target), nil
}

func (k *Kernel) builtinEnv(ctx context.Context, cctx *domain.CommandContext) (*domain.Value, error) {
	if len(cctx.Args) > 0 {
		if v, ok := cctx.Env[cctx.Args[0]]; ok {
			return domain.NewString(v), nil
		}
		return domain.Null(), nil
	}
	m := make(map[string]*domain.Value, len(cctx.Env))
	for key, v := range cctx.Env {
		m[key] = domain.NewString(v)
	}
	return domain.NewMap(m), nil
}

func (k *Kernel) builtinExport(ctx context.Context, cctx *domain.CommandContext) (*domain.Value, error) {
	if len(cctx.Args) == 0 {
		return nil, domain.NewError(domain.ErrInvalidArgument, "export: usage: export KEY=VALUE")
	}
	kv := cctx.Args[0]
	eq := strings.IndexByte(kv, '=')
	if eq <= 0 {
		return nil, domain.NewError(domain.ErrInvalidArgument, "export: usage: export KEY=VALUE")
	}
	key, value := kv[:eq], kv[eq+1:]

	prev, had := k.state.Getenv(key)
	k.state.Setenv(key, value)
	k.txns.RegisterRollback(func() error {
		if had {
			k.state.Setenv(key, prev)
		} else {
			k.state.Unsetenv(key)
		}
		return nil
	})
	k.txns.RecordOp("export " + key)
	return domain.Null(), nil
}

func (k *Kernel) builtinAlias(ctx context.Context, cctx *domain.CommandContext) (*domain.Value, error) {
	if len(cctx.Args) == 0 {
		snap := k.state.Snapshot()
		m := make(map[string]*domain.Value, len(snap.Aliases))
		for name, v := range snap.Aliases {
			m[name] = domain.NewString(v)
		}
		return domain.NewMap(m), nil
	}
	def := strings.Join(cctx.Args, " ")
	eq := strings.IndexByte(def, '=')
	if eq <= 0 {
		return nil, domain.NewError(domain.ErrInvalidArgument, "alias: usage: alias name=value")
	}
	name, value := def[:eq], def[eq+1:]

	prev, had := k.state.Alias(name)
	k.state.SetAlias(name, value)
	k.txns.RegisterRollback(func() error {
		if had {
			k.state.SetAlias(name, prev)
		} else {
			k.state.RemoveAlias(name)
		}
		return nil
	})
	return domain.Null(), nil
}

func (k *Kernel) builtinUnalias(ctx context.Context, cctx *domain.CommandContext) (*domain.Value, error) {
	if len(cctx.Args) == 0 {
		return nil, domain.NewError(domain.ErrInvalidArgument, "unalias: name required")
	}
	name := cctx.Args[0]
	prev, had := k.state.Alias(name)
	if !had {
		return nil, domain.NewError(domain.ErrNotFound, "unalias: %s not found", name)
	}
	k.state.RemoveAlias(name)
	k.txns.RegisterRollback(func() error {
		k.state.SetAlias(name, prev)
		return nil
	})
	return domain.Null(), nil
}

func (k *Kernel) builtinHistory(ctx context.Context, cctx *domain.CommandContext) (*domain.Value, error) {
	lines := k.History()
	out := make([]*domain.Value, len(lines))
	for i, l := range lines {
		out[i] = domain.NewString(l)
	}
	return domain.NewList(out...), nil
}

func (k *Kernel) txnID(args []string) (uint64, error) {
	if len(args) > 0 {
		id, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return 0, domain.WrapError(domain.ErrInvalidArgument, err, "transaction id %q", args[0])
		}
		return id, nil
	}
	if id := k.txns.Active(); id != 0 {
		return id, nil
	}
	return 0, domain.NewError(domain.ErrTransactionAborted, "no open transaction")
}

func (k *Kernel) builtinRecord(ctx context.Context, cctx *domain.CommandContext) (*domain.Value, error) {
	sub := "start"
	if len(cctx.Args) > 0 {
		sub = cctx.Args[0]
	}
	switch sub {
	case "start":
		name := ""
		if len(cctx.Args) > 1 {
			name = cctx.Args[1]
		}
		rec, err := k.rec.Start(name)
		if err != nil {
			return nil, err
		}
		return domain.NewString(rec.Name), nil
	case "stop":
		rec, err := k.rec.Stop()
		if err != nil {
			return nil, err
		}
		return domain.NewMap(map[string]*domain.Value{
			"name":     domain.NewString(rec.Name),
			"commands": domain.NewInt(int64(len(rec.Commands))),
			"duration": domain.NewInt(rec.Duration),
		}), nil
	case "list":
		names, err := k.rec.List()
		if err != nil {
			return nil, err
		}
		out := make([]*domain.Value, len(names))
		for i, n := range names {
			out[i] = domain.NewString(n)
		}
		return domain.NewList(out...), nil
	case "snapshot":
		typ := "manual"
		desc := ""
		if len(cctx.Args) > 1 {
			typ = cctx.Args[1]
		}
		if len(cctx.Args) > 2 {
			desc = strings.Join(cctx.Args[2:], " ")
		}
		snap := k.state.Snapshot()
		err := k.rec.CreateSnapshot(typ, desc, nil, map[string]any{
			"cwd":     snap.Cwd,
			"aliases": snap.Aliases,
		})
		return domain.NewBool(err == nil), err
	default:
		return nil, domain.NewError(domain.ErrInvalidArgument, "record: unknown subcommand %q", sub)
	}
}

func (k *Kernel) builtinReplay(ctx context.Context, cctx *domain.CommandContext) (*domain.Value, error) {
	if len(cctx.Args) == 0 {
		return nil, domain.NewError(domain.ErrInvalidArgument, "replay: recording name required")
	}
	opts := recorder.ReplayOptions{Speed: 1.0}
	if fv, ok := cctx.Flags["speed"]; ok && !fv.IsBool {
		if s, err := strconv.ParseFloat(fv.Str, 64); err == nil && s > 0 {
			opts.Speed = s
		}
	}
	if fv, ok := cctx.Flags["from"]; ok && !fv.IsBool {
		if n, err := strconv.Atoi(fv.Str); err == nil {
			opts.StartFrom = n
		}
	}
	if fv, ok := cctx.Flags["strict"]; ok && fv.IsBool {
		opts.AbortOnDivergence = true
	}

	session, err := k.Replay(ctx, cctx.Args[0], opts)
	if err != nil {
		return nil, err
	}
	return domain.NewMap(map[string]*domain.Value{
		"commands":    domain.NewInt(int64(session.Position())),
		"divergences": domain.NewInt(int64(len(session.Divergences()))),
	}), nil
}

func (k *Kernel) builtinGrant(ctx context.Context, cctx *domain.CommandContext) (*domain.Value, error) {
	if len(cctx.Args) == 0 {
		return nil, domain.NewError(domain.ErrInvalidArgument, "grant: pattern required")
	}
	k.caps.Grant(cctx.Args[0], cctx.Args[1:]...)
	return domain.NewBool(true), nil
}

func (k *Kernel) builtinRevoke(ctx context.Context, cctx *domain.CommandContext) (*domain.Value, error) {
	if len(cctx.Args) == 0 {
		return nil, domain.NewError(domain.ErrInvalidArgument, "revoke: pattern required")
	}
	k.caps.Revoke(cctx.Args[0], cctx.Args[1:]...)
	return domain.NewBool(true), nil
}

func (k *Kernel) builtinPolicy(ctx context.Context, cctx *domain.CommandContext) (*domain.Value, error) {
	if len(cctx.Args) == 0 {
		names := capability.PolicyNames()
		sort.Strings(names)
		out := make([]*domain.Value, len(names))
		for i, n := range names {
			out[i] = domain.NewString(n)
		}
		return domain.NewList(out...), nil
	}
	if err := k.caps.ApplyPolicy(cctx.Args[0]); err != nil {
		return nil, err
	}
	return domain.NewBool(true), nil
}

func (k *Kernel) builtinMetrics(ctx context.Context, cctx *domain.CommandContext) (*domain.Value, error) {
	m := k.metrics
	perCommand := make(map[string]*domain.Value)
	m.EachCommand(func(name string, cm *metrics.CommandMetrics) {
		perCommand[name] = domain.NewMap(map[string]*domain.Value{
			"invocations": domain.NewInt(cm.Invocations.Load()),
			"failures":    domain.NewInt(cm.Failures.Load()),
			"maxLatencyUs": domain.NewInt(cm.MaxLatencyUs.Load()),
		})
	})
	return domain.NewMap(map[string]*domain.Value{
		"total":             domain.NewInt(m.TotalCommands.Load()),
		"success":           domain.NewInt(m.SuccessCommands.Load()),
		"failed":            domain.NewInt(m.FailedCommands.Load()),
		"permissionDenials": domain.NewInt(m.PermissionDenials.Load()),
		"scripted":          domain.NewInt(m.ScriptedCommands.Load()),
		"liveValueBytes":    domain.NewInt(k.bridge.LiveBytes()),
		"uptimeSeconds":     domain.NewInt(int64(m.Uptime().Seconds())),
		"commands":          domain.NewMap(perCommand),
	}), nil
}
