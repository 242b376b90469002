package txfanout

import (
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"

	"github.com/oarkflow/txfanout/scope"
	"github.com/oarkflow/txfanout/txn"
)

type ParticipantState int32

const (
	ParticipantBegun ParticipantState = iota
	ParticipantResolving
	ParticipantCommitted
	ParticipantRolledBack
	ParticipantResolutionFailed
)

func (s ParticipantState) String() string {
	switch s {
	case ParticipantBegun:
		return "Begun"
	case ParticipantResolving:
		return "Resolving"
	case ParticipantCommitted:
		return "Committed"
	case ParticipantRolledBack:
		return "RolledBack"
	case ParticipantResolutionFailed:
		return "ResolutionFailed"
	default:
		return "Unknown"
	}
}

func (s ParticipantState) label() string {
	switch s {
	case ParticipantCommitted:
		return "committed"
	case ParticipantRolledBack:
		return "rolled_back"
	case ParticipantResolutionFailed:
		return "resolution_failed"
	default:
		return "unresolved"
	}
}

// Participant is a transaction begun by a worker and left open for the
// coordinator to resolve.
type Participant struct {
	ID       string
	Index    int
	Handle   txn.Handle
	Snapshot scope.Snapshot

	state atomic.Int32
}

func (p *Participant) State() ParticipantState {
	return ParticipantState(p.state.Load())
}

// startResolving moves p from Begun to Resolving. It fails for a participant
// that is already being resolved or was resolved before.
func (p *Participant) startResolving() bool {
	return p.state.CompareAndSwap(int32(ParticipantBegun), int32(ParticipantResolving))
}

func (p *Participant) finish(s ParticipantState) {
	p.state.CompareAndSwap(int32(ParticipantResolving), int32(s))
}

// Result is the outcome of the execute phase of a run. It is resolved at
// most once.
type Result struct {
	runID  string
	failed atomic.Bool

	mu           sync.Mutex
	participants []*Participant
	failures     []error
	cancelled    int

	skipped  atomic.Int64
	consumed atomic.Bool
}

func newResult(runID string) *Result {
	return &Result{runID: runID}
}

func (r *Result) RunID() string { return r.runID }

// AllSucceeded reports whether every task ran and none failed.
func (r *Result) AllSucceeded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.failed.Load() && len(r.failures) == 0
}

// Participants returns the participants in the order they began.
func (r *Result) Participants() []*Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Participant(nil), r.participants...)
}

func (r *Result) Failures() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.failures...)
}

// Err combines every failure recorded during the run.
func (r *Result) Err() error {
	return multierr.Combine(r.Failures()...)
}

// Skipped is the number of tasks that never began a transaction because a
// failure was already known.
func (r *Result) Skipped() int {
	return int(r.skipped.Load())
}

// Cancelled is the number of submitted tasks that were cancelled before
// they started.
func (r *Result) Cancelled() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

func (r *Result) add(p *Participant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.participants = append(r.participants, p)
}

// fail sets the failure flag and records err. It reports whether this call
// was the first to set the flag.
func (r *Result) fail(err error) bool {
	first := r.failed.CompareAndSwap(false, true)
	r.mu.Lock()
	r.failures = append(r.failures, err)
	r.mu.Unlock()
	return first
}

func (r *Result) addCancelled(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled += n
}

func (r *Result) consume() bool {
	return r.consumed.CompareAndSwap(false, true)
}
