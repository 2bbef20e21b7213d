package engine

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"

	"github.com/oriys/nexus/internal/bridge"
	"github.com/oriys/nexus/internal/domain"
)

// ExecSpawner runs external processes via os/exec. argv[0] resolves via
// host PATH rules; no shell metacharacter re-interpretation occurs.
type ExecSpawner struct{}

// Spawn implements bridge.Spawner.
func (ExecSpawner) Spawn(ctx context.Context, argv []string, cwd string, env map[string]string, stdin string, capture bool) (bridge.SpawnResult, error) {
	if len(argv) == 0 {
		return bridge.SpawnResult{}, domain.NewError(domain.ErrInvalidArgument, "empty argv")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = cwd
	if env != nil {
		envv := make([]string, 0, len(env))
		for k, v := range env {
			envv = append(envv, k+"="+v)
		}
		cmd.Env = envv
	}
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	var stdout, stderr bytes.Buffer
	if capture {
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
	} else {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	}

	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// Non-zero exit is a result, not an error.
			return bridge.SpawnResult{
				Code:   exitErr.ExitCode(),
				Stdout: stdout.String(),
				Stderr: stderr.String(),
			}, nil
		}
		if ctx.Err() != nil {
			return bridge.SpawnResult{}, normalizeCtxErr(ctx, err)
		}
		var execErr *exec.Error
		if errors.As(err, &execErr) && errors.Is(execErr.Err, exec.ErrNotFound) {
			return bridge.SpawnResult{}, domain.WrapError(domain.ErrNotFound, err,
				"command not found: %s", argv[0])
		}
		return bridge.SpawnResult{}, domain.WrapError(domain.ErrExecutionFailure, err,
			"spawn %s", argv[0])
	}

	return bridge.SpawnResult{Code: 0, Stdout: stdout.String(), Stderr: stderr.String()}, nil
}

// spawnExternal is the engine's "system command" path: the child runs
// with the context's cwd and env and its stdin is fed from the pipeline
// input. The returned Value is the {code, stdout, stderr, success} map;
// non-zero exit surfaces as success=false, never as an error.
func (e *Engine) spawnExternal(ctx context.Context, cmd domain.ParsedCommand, cctx *domain.CommandContext) (*domain.Value, error) {
	if e.spawner == nil {
		return nil, domain.NewError(domain.ErrNotFound, "unknown command %q", cmd.Name)
	}

	argv := cmd.Argv
	if len(argv) == 0 {
		argv = []string{cmd.Name}
	}

	res, err := e.spawner.Spawn(ctx, argv, cctx.Cwd, cctx.Env, stdinFrom(cctx.PipelineInput), cctx.CaptureStdio)
	if err != nil {
		return nil, err
	}
	v := bridge.SpawnValue(res)
	if e.bridge != nil {
		if terr := e.bridge.TrackValue(v); terr != nil {
			return nil, terr
		}
	}
	return v, nil
}

// stdinFrom renders a pipeline Value into the byte stream fed to an
// external process. A prior external stage contributes its stdout.
func stdinFrom(v *domain.Value) string {
	if v == nil || v.IsNull() {
		return ""
	}
	switch v.Kind {
	case domain.KindString:
		return v.Str
	case domain.KindBytes:
		return string(v.Bytes)
	case domain.KindMap:
		if out, ok := v.Map["stdout"]; ok && out.Kind == domain.KindString {
			return out.Str
		}
	}
	return v.Render() + "\n"
}
