// Package txn groups commands under nestable transactions over the
// mutable shell state.
//
// # Semantics
//
// Begin captures a snapshot of {cwd, env, aliases} and pushes a frame.
// Ops executed under the frame may register rollback closures, which
// run in LIFO order on rollback before the snapshot is restored. Commit
// pops the frame and merges its rollback closures into the parent frame
// so an outer rollback still undoes inner committed work. A child
// rollback never cascades to the parent.
//
// Rollback closures that fail are logged and skipped; rollback never
// returns an error to the caller.
package txn

import (
	"sync"
	"sync/atomic"

	"github.com/oriys/nexus/internal/domain"
	"github.com/oriys/nexus/internal/logging"
)

// State tracks a transaction through its lifecycle.
type State int

const (
	StateOpen State = iota
	StateCommitting
	StateCommitted
	StateRolledBack
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateCommitting:
		return "committing"
	case StateCommitted:
		return "committed"
	case StateRolledBack:
		return "rolled_back"
	default:
		return "unknown"
	}
}

// Op records one command executed under a transaction, for inspection.
type Op struct {
	Input string
}

// Transaction is one frame of the transaction stack.
type Transaction struct {
	ID       uint64
	Parent   uint64 // 0 for a root transaction
	snapshot domain.SnapshotState
	ops      []Op
	rollback []func() error
	state    State
}

// State returns the frame's lifecycle state.
func (t *Transaction) State() State { return t.state }

// Manager owns the transaction stack for one shell.
type Manager struct {
	mu     sync.Mutex
	stack  []*Transaction
	nextID atomic.Uint64
	state  *domain.ShellState
}

// NewManager creates a manager over the given shell state.
func NewManager(state *domain.ShellState) *Manager {
	return &Manager{state: state}
}

// Begin opens a transaction and returns its id. Nested begins push onto
// the stack.
func (m *Manager) Begin() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &Transaction{
		ID:       m.nextID.Add(1),
		snapshot: m.state.Snapshot(),
		state:    StateOpen,
	}
	if n := len(m.stack); n > 0 {
		tx.Parent = m.stack[n-1].ID
	}
	m.stack = append(m.stack, tx)
	return tx.ID
}

// Active returns the innermost open transaction id, or 0.
func (m *Manager) Active() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n := len(m.stack); n > 0 {
		return m.stack[n-1].ID
	}
	return 0
}

// Depth reports the current nesting depth.
func (m *Manager) Depth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.stack)
}

// RecordOp attaches an executed input to the innermost transaction.
func (m *Manager) RecordOp(input string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n := len(m.stack); n > 0 {
		m.stack[n-1].ops = append(m.stack[n-1].ops, Op{Input: input})
	}
}

// RegisterRollback attaches an undo closure to the innermost
// transaction. Closures run LIFO on rollback. Registering with no open
// transaction is a no-op.
func (m *Manager) RegisterRollback(fn func() error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n := len(m.stack); n > 0 {
		m.stack[n-1].rollback = append(m.stack[n-1].rollback, fn)
	}
}

// Commit pops the identified transaction, keeping mutated state. Its
// rollback closures merge into the parent frame so an outer rollback
// remains correct.
func (m *Manager) Commit(id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, err := m.topLocked(id)
	if err != nil {
		return err
	}
	tx.state = StateCommitting
	m.stack = m.stack[:len(m.stack)-1]

	if n := len(m.stack); n > 0 {
		parent := m.stack[n-1]
		parent.rollback = append(parent.rollback, tx.rollback...)
		parent.ops = append(parent.ops, tx.ops...)
	}
	tx.state = StateCommitted
	return nil
}

// Rollback pops the identified transaction, runs its rollback closures
// in LIFO order and restores the snapshot taken at Begin. Closure
// errors are logged and skipped.
func (m *Manager) Rollback(id uint64) error {
	m.mu.Lock()
	tx, err := m.topLocked(id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.stack = m.stack[:len(m.stack)-1]
	m.mu.Unlock()

	for i := len(tx.rollback) - 1; i >= 0; i-- {
		if err := tx.rollback[i](); err != nil {
			logging.Op().Warn("rollback closure failed", "tx", tx.ID, "error", err)
		}
	}
	m.state.Restore(tx.snapshot)
	tx.state = StateRolledBack
	return nil
}

func (m *Manager) topLocked(id uint64) (*Transaction, error) {
	n := len(m.stack)
	if n == 0 {
		return nil, domain.NewError(domain.ErrTransactionAborted, "no open transaction")
	}
	tx := m.stack[n-1]
	if tx.ID != id {
		return nil, domain.NewError(domain.ErrTransactionAborted,
			"transaction %d is not innermost (innermost is %d)", id, tx.ID)
	}
	return tx, nil
}

// ExecOptions configures ExecuteTransaction.
type ExecOptions struct {
	OnRollback func()
}

// ExecuteTransaction runs the given inputs serially under a fresh
// transaction via exec. The first failing input aborts and rolls the
// transaction back; success commits. Results of the executed inputs are
// returned in order.
func (m *Manager) ExecuteTransaction(inputs []string, opts ExecOptions, exec func(string) (*domain.Value, error)) ([]*domain.Value, error) {
	id := m.Begin()
	results := make([]*domain.Value, 0, len(inputs))

	for _, input := range inputs {
		m.RecordOp(input)
		v, err := exec(input)
		if err != nil {
			m.Rollback(id)
			if opts.OnRollback != nil {
				opts.OnRollback()
			}
			return results, domain.WrapError(domain.ErrTransactionAborted, err,
				"transaction aborted at %q", input)
		}
		results = append(results, v)
	}

	if err := m.Commit(id); err != nil {
		return results, err
	}
	return results, nil
}
