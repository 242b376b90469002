package scope

import (
	"database/sql"
	"fmt"
	"sync"

	"go.uber.org/multierr"
)

// Snapshot is an immutable copy of a scope's bindings taken right after a
// transaction began on it.
type Snapshot struct {
	origin    string
	resources map[any]any
	keys      []any
	syncs     []Synchronization
	name      string
	readOnly  bool
	isolation sql.IsolationLevel
	active    bool
}

// Capture copies the bindings of s. The source scope is left untouched.
func Capture(s *Scope) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		origin:    s.id,
		resources: make(map[any]any, len(s.resources)),
		keys:      make([]any, 0, len(s.resources)),
		syncs:     make([]Synchronization, len(s.syncs)),
		name:      s.name,
		readOnly:  s.readOnly,
		isolation: s.isolation,
		active:    s.active,
	}
	for k, v := range s.resources {
		snap.resources[k] = v
		snap.keys = append(snap.keys, k)
	}
	copy(snap.syncs, s.syncs)
	return snap
}

func (sn Snapshot) Origin() string { return sn.origin }

func (sn Snapshot) TransactionName() string { return sn.name }

func (sn Snapshot) ReadOnly() bool { return sn.readOnly }

func (sn Snapshot) Isolation() sql.IsolationLevel { return sn.isolation }

func (sn Snapshot) ActualTransactionActive() bool { return sn.active }

func (sn Snapshot) Resources() map[any]any {
	out := make(map[any]any, len(sn.resources))
	for k, v := range sn.resources {
		out[k] = v
	}
	return out
}

func (sn Snapshot) Resource(key any) (any, bool) {
	v, ok := sn.resources[key]
	return v, ok
}

func (sn Snapshot) Synchronizations() []Synchronization {
	out := make([]Synchronization, len(sn.syncs))
	copy(out, sn.syncs)
	return out
}

func (sn Snapshot) IsZero() bool {
	return sn.resources == nil
}

// Rebind installs the snapshot onto target and returns the Binding that
// must be released once the borrowed transaction has been completed.
// Nothing is left behind on target when Rebind fails.
func (sn Snapshot) Rebind(target *Scope) (*Binding, error) {
	target.mu.Lock()
	defer target.mu.Unlock()
	for _, k := range sn.keys {
		if _, ok := target.resources[k]; ok {
			return nil, fmt.Errorf("rebind snapshot of %s onto %s: %w: key %v", sn.origin, target.id, ErrAlreadyBound, k)
		}
	}
	if target.syncActive {
		return nil, fmt.Errorf("rebind snapshot of %s onto %s: synchronization already active", sn.origin, target.id)
	}
	before := make(map[any]struct{}, len(target.resources))
	for k := range target.resources {
		before[k] = struct{}{}
	}
	for _, k := range sn.keys {
		target.resources[k] = sn.resources[k]
	}
	target.syncActive = true
	target.syncs = append([]Synchronization(nil), sn.syncs...)
	target.name = sn.name
	target.readOnly = sn.readOnly
	target.isolation = sn.isolation
	target.active = sn.active
	return &Binding{scope: target, snap: sn, before: before}, nil
}

// Binding is one installation of a snapshot onto a scope.
type Binding struct {
	once   sync.Once
	scope  *Scope
	snap   Snapshot
	before map[any]struct{}
	err    error
}

func (b *Binding) Scope() *Scope { return b.scope }

// Release removes what Rebind installed. Keys the transaction manager has
// already unbound during completion are skipped. Release is idempotent.
func (b *Binding) Release() error {
	b.once.Do(func() {
		s := b.scope
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, k := range b.snap.keys {
			if _, ok := s.resources[k]; ok {
				delete(s.resources, k)
			}
		}
		for k := range s.resources {
			if _, ok := b.before[k]; !ok {
				b.err = multierr.Append(b.err, fmt.Errorf("release %s: foreign key %v bound while snapshot of %s was installed", s.id, k, b.snap.origin))
			}
		}
		s.resetLocked()
	})
	return b.err
}
