package txn

import (
	"errors"
	"testing"

	"github.com/oriys/nexus/internal/domain"
)

func newState(t *testing.T) *domain.ShellState {
	t.Helper()
	s := domain.NewShellState()
	s.SetCwd("/home/u")
	s.Setenv("MODE", "a")
	s.SetAlias("ll", "ls -l")
	return s
}

func TestRollbackRestoresSnapshot(t *testing.T) {
	state := newState(t)
	m := NewManager(state)

	id := m.Begin()
	state.SetCwd("/tmp")
	state.Setenv("MODE", "b")
	state.SetAlias("ll", "ls -la")

	if err := m.Rollback(id); err != nil {
		t.Fatal(err)
	}

	if state.Cwd() != "/home/u" {
		t.Errorf("cwd = %q", state.Cwd())
	}
	if v, _ := state.Getenv("MODE"); v != "a" {
		t.Errorf("env MODE = %q", v)
	}
	if v, _ := state.Alias("ll"); v != "ls -l" {
		t.Errorf("alias ll = %q", v)
	}
}

func TestCommitKeepsState(t *testing.T) {
	state := newState(t)
	m := NewManager(state)

	id := m.Begin()
	state.SetCwd("/tmp")
	if err := m.Commit(id); err != nil {
		t.Fatal(err)
	}
	if state.Cwd() != "/tmp" {
		t.Errorf("cwd = %q", state.Cwd())
	}
}

func TestRollbackClosuresLIFO(t *testing.T) {
	m := NewManager(newState(t))

	var order []int
	id := m.Begin()
	m.RegisterRollback(func() error { order = append(order, 1); return nil })
	m.RegisterRollback(func() error { order = append(order, 2); return nil })
	m.RegisterRollback(func() error { order = append(order, 3); return nil })
	m.Rollback(id)

	if len(order) != 3 || order[0] != 3 || order[1] != 2 || order[2] != 1 {
		t.Fatalf("order = %v, want [3 2 1]", order)
	}
}

func TestRollbackClosureErrorsSkipped(t *testing.T) {
	m := NewManager(newState(t))

	var ran []string
	id := m.Begin()
	m.RegisterRollback(func() error { ran = append(ran, "a"); return nil })
	m.RegisterRollback(func() error { return errors.New("boom") })
	m.RegisterRollback(func() error { ran = append(ran, "c"); return nil })

	if err := m.Rollback(id); err != nil {
		t.Fatalf("rollback must not propagate closure errors: %v", err)
	}
	if len(ran) != 2 {
		t.Errorf("ran = %v", ran)
	}
}

func TestNestedCommitMergesIntoParent(t *testing.T) {
	state := newState(t)
	m := NewManager(state)

	var undone []string
	outer := m.Begin()
	inner := m.Begin()
	m.RegisterRollback(func() error { undone = append(undone, "inner"); return nil })
	if err := m.Commit(inner); err != nil {
		t.Fatal(err)
	}

	// Inner committed; outer rollback must still undo inner's work.
	m.RegisterRollback(func() error { undone = append(undone, "outer"); return nil })
	m.Rollback(outer)

	if len(undone) != 2 || undone[0] != "outer" || undone[1] != "inner" {
		t.Fatalf("undone = %v, want [outer inner]", undone)
	}
}

func TestChildRollbackDoesNotCascade(t *testing.T) {
	state := newState(t)
	m := NewManager(state)

	outer := m.Begin()
	state.SetCwd("/outer")
	inner := m.Begin()
	state.SetCwd("/inner")
	m.Rollback(inner)

	// Child rollback restores to the child's snapshot only.
	if state.Cwd() != "/outer" {
		t.Errorf("cwd after child rollback = %q", state.Cwd())
	}
	if m.Active() != outer {
		t.Errorf("outer transaction lost")
	}
	m.Commit(outer)
}

func TestCommitNotInnermost(t *testing.T) {
	m := NewManager(newState(t))
	outer := m.Begin()
	m.Begin()
	if err := m.Commit(outer); err == nil {
		t.Fatal("committing a non-innermost frame must fail")
	}
}

func TestExecuteTransactionAbortsOnError(t *testing.T) {
	state := newState(t)
	m := NewManager(state)

	rolledBack := false
	results, err := m.ExecuteTransaction(
		[]string{"ok1", "fail", "ok2"},
		ExecOptions{OnRollback: func() { rolledBack = true }},
		func(input string) (*domain.Value, error) {
			if input == "fail" {
				return nil, domain.NewError(domain.ErrExecutionFailure, "nope")
			}
			state.SetCwd("/mutated")
			return domain.NewString(input), nil
		},
	)

	if err == nil {
		t.Fatal("expected abort")
	}
	if !domain.IsKind(err, domain.ErrTransactionAborted) {
		t.Errorf("kind = %v", domain.KindOf(err))
	}
	if len(results) != 1 {
		t.Errorf("results = %d", len(results))
	}
	if !rolledBack {
		t.Error("OnRollback not invoked")
	}
	if state.Cwd() != "/home/u" {
		t.Errorf("state not restored: %q", state.Cwd())
	}
	if m.Depth() != 0 {
		t.Errorf("depth = %d", m.Depth())
	}
}

func TestExecuteTransactionCommits(t *testing.T) {
	state := newState(t)
	m := NewManager(state)

	results, err := m.ExecuteTransaction([]string{"a", "b"}, ExecOptions{},
		func(input string) (*domain.Value, error) {
			return domain.NewString(input), nil
		})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 || results[1].Str != "b" {
		t.Errorf("results = %v", results)
	}
}
