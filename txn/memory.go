package txn

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var ErrTxDone = errors.New("memory transaction already finished")

type EventKind string

const (
	EventBegin          EventKind = "begin"
	EventCommit         EventKind = "commit"
	EventCommitFailed   EventKind = "commit_failed"
	EventRollback       EventKind = "rollback"
	EventRollbackFailed EventKind = "rollback_failed"
)

// Event is one entry of the store's transaction history.
type Event struct {
	Kind  EventKind
	Seq   int64
	Name  string
	Label string
}

// Faults injects failures into a MemoryStore. A nil hook never fails.
type Faults struct {
	Begin    func(def Definition, seq int64) error
	Commit   func(tx *MemoryTx) error
	Rollback func(tx *MemoryTx) error
}

// MemoryStore is an in-memory key/value store whose transactions stage
// their writes and apply them on commit. It is its own scope key.
type MemoryStore struct {
	mu     sync.Mutex
	data   map[string]string
	seq    int64
	open   int
	events []Event
	faults Faults
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]string)}
}

func (s *MemoryStore) SetFaults(f Faults) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = f
}

func (s *MemoryStore) Key() any {
	return s
}

func (s *MemoryStore) BeginTx(_ context.Context, def Definition) (Tx, error) {
	s.mu.Lock()
	s.seq++
	seq := s.seq
	faults := s.faults
	s.mu.Unlock()
	if faults.Begin != nil {
		if err := faults.Begin(def, seq); err != nil {
			return nil, err
		}
	}
	tx := &MemoryTx{
		store:    s,
		seq:      seq,
		name:     def.Name,
		readOnly: def.ReadOnly,
		writes:   make(map[string]*string),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open++
	s.events = append(s.events, Event{Kind: EventBegin, Seq: tx.seq, Name: tx.name})
	return tx, nil
}

func (s *MemoryStore) currentFaults() Faults {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.faults
}

func (s *MemoryStore) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok
}

func (s *MemoryStore) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *MemoryStore) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func (s *MemoryStore) Count(kind EventKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// Open returns the number of transactions begun but not yet finished.
func (s *MemoryStore) Open() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

type MemoryTx struct {
	store    *MemoryStore
	seq      int64
	name     string
	readOnly bool

	mu     sync.Mutex
	label  string
	writes map[string]*string
	done   bool
}

func (t *MemoryTx) Seq() int64   { return t.seq }
func (t *MemoryTx) Name() string { return t.name }

func (t *MemoryTx) Label() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.label
}

// SetLabel tags the transaction in the store's event history.
func (t *MemoryTx) SetLabel(label string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.label = label
}

func (t *MemoryTx) Put(key, value string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.writableLocked(); err != nil {
		return err
	}
	t.writes[key] = &value
	return nil
}

func (t *MemoryTx) Delete(key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.writableLocked(); err != nil {
		return err
	}
	t.writes[key] = nil
	return nil
}

// Get reads through the staged writes of t.
func (t *MemoryTx) Get(key string) (string, bool) {
	t.mu.Lock()
	if v, ok := t.writes[key]; ok {
		t.mu.Unlock()
		if v == nil {
			return "", false
		}
		return *v, true
	}
	t.mu.Unlock()
	return t.store.Get(key)
}

func (t *MemoryTx) writableLocked() error {
	if t.done {
		return ErrTxDone
	}
	if t.readOnly {
		return fmt.Errorf("transaction %d (%s) is read-only", t.seq, t.name)
	}
	return nil
}

// finish marks t done and returns its staged writes and label. Fault hooks
// are called without any lock held so they may inspect t and the store.
func (t *MemoryTx) finish() (map[string]*string, string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil, "", ErrTxDone
	}
	t.done = true
	writes := t.writes
	t.writes = nil
	return writes, t.label, nil
}

func (t *MemoryTx) Commit(context.Context) error {
	writes, label, err := t.finish()
	if err != nil {
		return err
	}
	s := t.store
	var ferr error
	if hook := s.currentFaults().Commit; hook != nil {
		ferr = hook(t)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open--
	if ferr != nil {
		s.events = append(s.events, Event{Kind: EventCommitFailed, Seq: t.seq, Name: t.name, Label: label})
		return ferr
	}
	for k, v := range writes {
		if v == nil {
			delete(s.data, k)
			continue
		}
		s.data[k] = *v
	}
	s.events = append(s.events, Event{Kind: EventCommit, Seq: t.seq, Name: t.name, Label: label})
	return nil
}

func (t *MemoryTx) Rollback(context.Context) error {
	_, label, err := t.finish()
	if err != nil {
		return err
	}
	s := t.store
	var ferr error
	if hook := s.currentFaults().Rollback; hook != nil {
		ferr = hook(t)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open--
	if ferr != nil {
		s.events = append(s.events, Event{Kind: EventRollbackFailed, Seq: t.seq, Name: t.name, Label: label})
		return ferr
	}
	s.events = append(s.events, Event{Kind: EventRollback, Seq: t.seq, Name: t.name, Label: label})
	return nil
}

// MemoryTxFrom returns the transaction bound for store in the scope of ctx.
func MemoryTxFrom(ctx context.Context, store *MemoryStore) (*MemoryTx, bool) {
	tx, ok := Current(ctx, store)
	if !ok {
		return nil, false
	}
	mt, ok := tx.(*MemoryTx)
	return mt, ok
}
