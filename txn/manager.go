// Package txn is the transaction manager collaborator of the coordinator.
//
// A TxManager begins, commits and rolls back transactions through a Driver.
// The transaction it begins is bound to the scope carried in the context, and
// commit and rollback only succeed when the handle's resource is bound to the
// scope of the context they are called with.
package txn

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/oarkflow/txfanout/scope"
)

var (
	ErrNoScope                 = errors.New("no transaction scope in context")
	ErrNotBound                = errors.New("transaction resource not bound to current scope")
	ErrAlreadyCompleted        = errors.New("transaction already completed")
	ErrUnexpectedRollback      = errors.New("transaction rolled back because it was marked rollback-only")
	ErrIllegalTransactionState = errors.New("illegal transaction state")
	ErrForeignHandle           = errors.New("handle was not created by this manager")
)

// Handle is the opaque result of Begin. It is completed exactly once, by
// Commit or by Rollback.
type Handle interface {
	ID() string
	Name() string
	IsNewTransaction() bool
	IsCompleted() bool
	SetRollbackOnly()
	IsRollbackOnly() bool
}

type Manager interface {
	Begin(ctx context.Context, def Definition) (Handle, error)
	Commit(ctx context.Context, h Handle) error
	Rollback(ctx context.Context, h Handle) error
}

// Tx is a driver-level transaction.
type Tx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Driver opens transactions on one resource. Key identifies the resource in
// a scope; two drivers over the same database must return the same key.
type Driver interface {
	Key() any
	BeginTx(ctx context.Context, def Definition) (Tx, error)
}

// holder is what gets bound to a scope under the driver key.
type holder struct {
	id           string
	tx           Tx
	def          Definition
	rollbackOnly atomic.Bool
}

func (h *holder) String() string {
	return "tx-" + h.id
}

type suspended struct {
	holder *holder
	state  scope.State
}

type status struct {
	id           string
	def          Definition
	holder       *holder
	newTx        bool
	suspended    *suspended
	completed    atomic.Bool
	rollbackOnly atomic.Bool
	mgr          *TxManager
}

func (s *status) ID() string             { return s.id }
func (s *status) Name() string           { return s.def.Name }
func (s *status) IsNewTransaction() bool { return s.newTx }
func (s *status) IsCompleted() bool      { return s.completed.Load() }
func (s *status) SetRollbackOnly()       { s.rollbackOnly.Store(true) }

func (s *status) IsRollbackOnly() bool {
	return s.rollbackOnly.Load() || s.holder.rollbackOnly.Load()
}

func (s *status) String() string {
	return fmt.Sprintf("%s(%s)", s.id, s.def.Name)
}

type TxManager struct {
	driver Driver
	logger *zap.Logger
}

func NewTxManager(driver Driver, logger *zap.Logger) *TxManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TxManager{driver: driver, logger: logger.Named("txn")}
}

func (m *TxManager) Driver() Driver {
	return m.driver
}

// Current returns the driver transaction bound to the scope in ctx under key.
func Current(ctx context.Context, key any) (Tx, bool) {
	sc, ok := scope.FromContext(ctx)
	if !ok {
		return nil, false
	}
	v, ok := sc.Resource(key)
	if !ok {
		return nil, false
	}
	h, ok := v.(*holder)
	if !ok {
		return nil, false
	}
	return h.tx, true
}

func (m *TxManager) Begin(ctx context.Context, def Definition) (Handle, error) {
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("begin %q: %w", def.Name, err)
	}
	sc, ok := scope.FromContext(ctx)
	if !ok {
		return nil, ErrNoScope
	}
	key := m.driver.Key()
	if v, bound := sc.Resource(key); bound {
		existing, ok := v.(*holder)
		if !ok {
			return nil, fmt.Errorf("begin %q: key %v holds a foreign resource %T", def.Name, key, v)
		}
		switch def.Propagation {
		case PropagationNever:
			return nil, fmt.Errorf("%w: transaction %s bound to scope %s with propagation NEVER", ErrIllegalTransactionState, existing, sc.ID())
		case PropagationRequired, PropagationMandatory:
			m.logger.Debug("joining existing transaction",
				zap.String("scope", sc.ID()), zap.Stringer("tx", existing), zap.String("name", def.Name))
			return &status{id: uuid.NewString(), def: def, holder: existing, mgr: m}, nil
		case PropagationRequiresNew:
			susp := m.suspend(sc, key, existing)
			st, err := m.beginNew(ctx, sc, key, def)
			if err != nil {
				if rerr := m.resume(sc, key, susp); rerr != nil {
					m.logger.Error("resume after failed begin", zap.String("scope", sc.ID()), zap.Error(rerr))
				}
				return nil, err
			}
			st.suspended = susp
			return st, nil
		}
	}
	if def.Propagation == PropagationMandatory {
		return nil, fmt.Errorf("%w: no transaction bound to scope %s with propagation MANDATORY", ErrIllegalTransactionState, sc.ID())
	}
	return m.beginNew(ctx, sc, key, def)
}

func (m *TxManager) beginNew(ctx context.Context, sc *scope.Scope, key any, def Definition) (*status, error) {
	var tx Tx
	err := safeCall(func() error {
		var berr error
		tx, berr = m.driver.BeginTx(ctx, def)
		return berr
	}, "begin")
	if err != nil {
		return nil, fmt.Errorf("begin %q: %w", def.Name, err)
	}
	h := &holder{id: uuid.NewString(), tx: tx, def: def}
	if err := sc.BindResource(key, h); err != nil {
		_ = tx.Rollback(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("begin %q: %w", def.Name, err)
	}
	sc.ResetTransactionState()
	_ = sc.InitSynchronization()
	sc.SetTransactionName(def.Name)
	sc.SetReadOnly(def.ReadOnly)
	sc.SetIsolation(def.Isolation)
	sc.SetActualTransactionActive(true)
	m.logger.Debug("transaction begun",
		zap.String("scope", sc.ID()), zap.Stringer("tx", h), zap.Stringer("definition", def))
	return &status{id: uuid.NewString(), def: def, holder: h, newTx: true, mgr: m}, nil
}

func (m *TxManager) suspend(sc *scope.Scope, key any, h *holder) *suspended {
	state := sc.TransactionState()
	_, _ = sc.UnbindResource(key)
	sc.ResetTransactionState()
	m.logger.Debug("transaction suspended", zap.String("scope", sc.ID()), zap.Stringer("tx", h))
	return &suspended{holder: h, state: state}
}

func (m *TxManager) resume(sc *scope.Scope, key any, s *suspended) error {
	if err := sc.BindResource(key, s.holder); err != nil {
		return err
	}
	sc.RestoreTransactionState(s.state)
	m.logger.Debug("transaction resumed", zap.String("scope", sc.ID()), zap.Stringer("tx", s.holder))
	return nil
}

// lookup checks that h belongs to this manager and that its resource is
// bound to the scope in ctx.
func (m *TxManager) lookup(ctx context.Context, h Handle) (*status, *scope.Scope, error) {
	st, ok := h.(*status)
	if !ok || st.mgr != m {
		return nil, nil, ErrForeignHandle
	}
	if st.completed.Load() {
		return nil, nil, fmt.Errorf("%w: %s", ErrAlreadyCompleted, st)
	}
	sc, ok := scope.FromContext(ctx)
	if !ok {
		return nil, nil, ErrNoScope
	}
	v, _ := sc.Resource(m.driver.Key())
	if bound, ok := v.(*holder); !ok || bound != st.holder {
		return nil, nil, fmt.Errorf("%w: %s in scope %s", ErrNotBound, st, sc.ID())
	}
	return st, sc, nil
}

func (m *TxManager) Commit(ctx context.Context, h Handle) error {
	st, sc, err := m.lookup(ctx, h)
	if err != nil {
		return err
	}
	if !st.completed.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: %s", ErrAlreadyCompleted, st)
	}
	if !st.newTx {
		if st.rollbackOnly.Load() {
			st.holder.rollbackOnly.Store(true)
		}
		return nil
	}
	if st.IsRollbackOnly() {
		if err := m.processRollback(ctx, sc, st); err != nil {
			return errors.Join(ErrUnexpectedRollback, err)
		}
		return fmt.Errorf("commit %s: %w", st, ErrUnexpectedRollback)
	}
	return m.processCommit(ctx, sc, st)
}

func (m *TxManager) Rollback(ctx context.Context, h Handle) error {
	st, sc, err := m.lookup(ctx, h)
	if err != nil {
		return err
	}
	if !st.completed.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: %s", ErrAlreadyCompleted, st)
	}
	if !st.newTx {
		st.holder.rollbackOnly.Store(true)
		m.logger.Debug("participating transaction marked rollback-only", zap.Stringer("tx", st.holder))
		return nil
	}
	return m.processRollback(ctx, sc, st)
}

func (m *TxManager) processCommit(ctx context.Context, sc *scope.Scope, st *status) error {
	syncs := sc.Synchronizations()
	readOnly := sc.ReadOnly()
	for _, cb := range syncs {
		if err := safeCall(func() error { return cb.BeforeCommit(ctx, readOnly) }, "before-commit callback"); err != nil {
			rbErr := m.processRollback(ctx, sc, st)
			return errors.Join(fmt.Errorf("commit %s: %w", st, err), rbErr)
		}
	}
	err := safeCall(func() error { return st.holder.tx.Commit(ctx) }, "commit")
	result := scope.StatusCommitted
	if err != nil {
		result = scope.StatusUnknown
	}
	m.completion(ctx, sc, st, syncs, result)
	if err != nil {
		m.logger.Error("commit failed", zap.String("scope", sc.ID()), zap.Stringer("tx", st.holder), zap.Error(err))
		return fmt.Errorf("commit %s: %w", st, err)
	}
	m.logger.Debug("transaction committed", zap.String("scope", sc.ID()), zap.Stringer("tx", st.holder))
	return nil
}

func (m *TxManager) processRollback(ctx context.Context, sc *scope.Scope, st *status) error {
	syncs := sc.Synchronizations()
	err := safeCall(func() error { return st.holder.tx.Rollback(ctx) }, "rollback")
	result := scope.StatusRolledBack
	if err != nil {
		result = scope.StatusUnknown
	}
	m.completion(ctx, sc, st, syncs, result)
	if err != nil {
		m.logger.Error("rollback failed", zap.String("scope", sc.ID()), zap.Stringer("tx", st.holder), zap.Error(err))
		return fmt.Errorf("rollback %s: %w", st, err)
	}
	m.logger.Debug("transaction rolled back", zap.String("scope", sc.ID()), zap.Stringer("tx", st.holder))
	return nil
}

// completion runs the after-completion callbacks and unbinds the
// transaction from sc, resuming a suspended outer transaction if any.
func (m *TxManager) completion(ctx context.Context, sc *scope.Scope, st *status, syncs []scope.Synchronization, result scope.Status) {
	for _, cb := range syncs {
		_ = safeCall(func() error {
			cb.AfterCompletion(ctx, result)
			return nil
		}, "after-completion callback")
	}
	if _, err := sc.UnbindResource(m.driver.Key()); err != nil {
		m.logger.Warn("resource already unbound at completion", zap.String("scope", sc.ID()), zap.Error(err))
	}
	sc.ResetTransactionState()
	if st.suspended != nil {
		if err := m.resume(sc, m.driver.Key(), st.suspended); err != nil {
			m.logger.Error("resume suspended transaction", zap.String("scope", sc.ID()), zap.Error(err))
		}
	}
}

func safeCall(fn func() error, desc string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic recovered during %s: %v", desc, r)
		}
	}()
	return fn()
}
