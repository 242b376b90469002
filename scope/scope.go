// Package scope holds the transactional bindings of one execution slot and
// lets them be captured and temporarily relocated onto another slot.
//
// A Scope is owned by a single goroutine at a time. It travels in the
// context handed to that goroutine, and transaction managers resolve their
// bound resources through it instead of through goroutine-global state.
package scope

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrAlreadyBound            = errors.New("resource already bound to scope")
	ErrNotBound                = errors.New("no resource bound to scope")
	ErrSynchronizationInactive = errors.New("transaction synchronization is not active")
	ErrLeaked                  = errors.New("bindings left in scope")
)

type Status int

const (
	StatusCommitted Status = iota
	StatusRolledBack
	StatusUnknown
)

func (s Status) String() string {
	switch s {
	case StatusCommitted:
		return "Committed"
	case StatusRolledBack:
		return "RolledBack"
	default:
		return "Unknown"
	}
}

// Synchronization is a completion callback registered against the
// transaction bound to a scope.
type Synchronization interface {
	BeforeCommit(ctx context.Context, readOnly bool) error
	AfterCompletion(ctx context.Context, status Status)
}

type Scope struct {
	mu         sync.Mutex
	id         string
	resources  map[any]any
	syncs      []Synchronization
	syncActive bool
	name       string
	readOnly   bool
	isolation  sql.IsolationLevel
	active     bool
}

func New(id string) *Scope {
	return &Scope{id: id, resources: make(map[any]any)}
}

func (s *Scope) ID() string {
	return s.id
}

func (s *Scope) BindResource(key, value any) error {
	if key == nil || value == nil {
		return errors.New("resource key and value cannot be nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.resources[key]; ok {
		return fmt.Errorf("%w: key %v already holds %v in scope %s", ErrAlreadyBound, key, existing, s.id)
	}
	s.resources[key] = value
	return nil
}

func (s *Scope) Resource(key any) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.resources[key]
	return v, ok
}

func (s *Scope) HasResource(key any) bool {
	_, ok := s.Resource(key)
	return ok
}

func (s *Scope) UnbindResource(key any) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.resources[key]
	if !ok {
		return nil, fmt.Errorf("%w: key %v in scope %s", ErrNotBound, key, s.id)
	}
	delete(s.resources, key)
	return v, nil
}

func (s *Scope) InitSynchronization() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.syncActive {
		return fmt.Errorf("cannot activate synchronization in scope %s: already active", s.id)
	}
	s.syncActive = true
	s.syncs = nil
	return nil
}

func (s *Scope) SynchronizationActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncActive
}

func (s *Scope) RegisterSynchronization(cb Synchronization) error {
	if cb == nil {
		return errors.New("synchronization cannot be nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.syncActive {
		return fmt.Errorf("%w in scope %s", ErrSynchronizationInactive, s.id)
	}
	s.syncs = append(s.syncs, cb)
	return nil
}

// Synchronizations returns a copy of the registered callbacks in
// registration order.
func (s *Scope) Synchronizations() []Synchronization {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Synchronization, len(s.syncs))
	copy(out, s.syncs)
	return out
}

func (s *Scope) ClearSynchronization() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncs = nil
	s.syncActive = false
}

func (s *Scope) SetTransactionName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.name = name
}

func (s *Scope) TransactionName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

func (s *Scope) SetReadOnly(readOnly bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readOnly = readOnly
}

func (s *Scope) ReadOnly() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readOnly
}

func (s *Scope) SetIsolation(level sql.IsolationLevel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isolation = level
}

func (s *Scope) Isolation() sql.IsolationLevel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isolation
}

func (s *Scope) SetActualTransactionActive(active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = active
}

func (s *Scope) ActualTransactionActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// State is the transactional part of a scope: everything except the
// resource bindings.
type State struct {
	Synchronizations      []Synchronization
	SynchronizationActive bool
	Name                  string
	ReadOnly              bool
	Isolation             sql.IsolationLevel
	Active                bool
}

func (s *Scope) TransactionState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{
		Synchronizations:      append([]Synchronization(nil), s.syncs...),
		SynchronizationActive: s.syncActive,
		Name:                  s.name,
		ReadOnly:              s.readOnly,
		Isolation:             s.isolation,
		Active:                s.active,
	}
}

func (s *Scope) RestoreTransactionState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncs = append([]Synchronization(nil), st.Synchronizations...)
	s.syncActive = st.SynchronizationActive
	s.name = st.Name
	s.readOnly = st.ReadOnly
	s.isolation = st.Isolation
	s.active = st.Active
}

// ResetTransactionState clears the synchronizations and the scalar fields
// but leaves resource bindings alone.
func (s *Scope) ResetTransactionState() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}

func (s *Scope) resetLocked() {
	s.syncs = nil
	s.syncActive = false
	s.name = ""
	s.readOnly = false
	s.isolation = sql.LevelDefault
	s.active = false
}

// Empty reports whether the scope carries no bindings of any kind.
func (s *Scope) Empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.resources) == 0 && len(s.syncs) == 0 && !s.syncActive &&
		s.name == "" && !s.readOnly && s.isolation == sql.LevelDefault && !s.active
}

// ResourceKeys returns the keys currently bound, in no particular order.
func (s *Scope) ResourceKeys() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]any, 0, len(s.resources))
	for k := range s.resources {
		keys = append(keys, k)
	}
	return keys
}

// Clear drops every binding and returns the number of resources removed.
func (s *Scope) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.resources)
	s.resources = make(map[any]any)
	s.resetLocked()
	return n
}

type scopeKey struct{}

func WithScope(ctx context.Context, s *Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

func FromContext(ctx context.Context) (*Scope, bool) {
	s, ok := ctx.Value(scopeKey{}).(*Scope)
	return s, ok && s != nil
}
