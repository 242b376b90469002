package txfanout

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/oarkflow/txfanout/pool"
	"github.com/oarkflow/txfanout/scope"
	"github.com/oarkflow/txfanout/storage"
	"github.com/oarkflow/txfanout/txn"
)

// Task is one unit of work. It runs inside the transaction its worker
// began; the transaction's resource is reachable through the scope in ctx.
// A task must not register synchronizations on that scope: the participant
// is captured before the body runs, so such callbacks would never fire, and
// the run fails with ErrLateSynchronization instead.
type Task func(ctx context.Context) error

// execution is the state shared by the workers of one run.
type execution struct {
	coord  *Coordinator
	res    *Result
	logger *zap.Logger
	// caller is the scope of the goroutine that started the run. A worker
	// handed this scope runs on a private one instead.
	caller *scope.Scope

	mu      sync.Mutex
	futures []pool.Future
}

func (e *execution) track(f pool.Future) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.futures = append(e.futures, f)
}

func (e *execution) tracked() []pool.Future {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]pool.Future(nil), e.futures...)
}

// cancelPending cancels every tracked future that has not started.
func (e *execution) cancelPending() int {
	n := 0
	for _, f := range e.tracked() {
		if f.Cancel() {
			n++
		}
	}
	if n > 0 {
		e.logger.Debug("cancelled pending tasks", zap.Int("count", n))
	}
	return n
}

// fail records err and, for the first failure of the run, cancels the
// tasks that have not started yet.
func (e *execution) fail(ctx context.Context, err *Error) {
	first := e.res.fail(err)
	c := e.coord
	c.metrics.IncFailure(err.Kind.String())
	c.journalAppend(e.res.runID, storage.Entry{
		Participant: err.Participant, Index: err.Index, Event: "failed", Error: err.Err.Error(),
		Data: map[string]any{"kind": err.Kind.String(), "op": err.Op},
	})
	if c.hooks != nil && c.hooks.OnFailure != nil {
		c.hooks.OnFailure(ctx, e.res.runID, err)
	}
	if first {
		e.logger.Info("run failed, cancelling pending tasks",
			zap.String("kind", err.Kind.String()), zap.Int("task", err.Index), zap.Error(err.Err))
		e.cancelPending()
	}
}

type worker struct {
	exec  *execution
	index int
	task  Task
}

func (w *worker) definition() txn.Definition {
	def := w.exec.coord.def
	if def.Name == "" {
		def.Name = fmt.Sprintf("fanout-task-%d", w.index)
	}
	return def
}

// run begins a transaction, records it as a participant and runs the task
// body inside it. The transaction is never completed here.
func (w *worker) run(ctx context.Context) {
	e := w.exec
	c := e.coord
	logger := e.logger.With(zap.Int("task", w.index))
	if e.res.failed.Load() {
		e.res.skipped.Add(1)
		logger.Debug("skipping task, run already failed")
		return
	}

	sc, ok := scope.FromContext(ctx)
	if !ok || sc == e.caller {
		sc = scope.New(fmt.Sprintf("worker-%s-%d", e.res.runID, w.index))
		ctx = scope.WithScope(ctx, sc)
	}
	// The participant owns the bindings from here on.
	defer sc.Clear()

	var h txn.Handle
	err := safeAction(ctx, func(ctx context.Context) error {
		var berr error
		h, berr = c.manager.Begin(ctx, w.definition())
		return berr
	}, fmt.Sprintf("begin for task %d", w.index))
	if err != nil {
		e.fail(ctx, c.newError(KindInfrastructure, e.res.runID, nil, w.index, "begin", err))
		return
	}

	p := &Participant{
		ID:       uuid.NewString(),
		Index:    w.index,
		Handle:   h,
		Snapshot: scope.Capture(sc),
	}
	e.res.add(p)
	c.journalAppend(e.res.runID, storage.Entry{Participant: p.ID, Index: p.Index, Event: "begun"})
	if c.hooks != nil && c.hooks.OnParticipantBegun != nil {
		c.hooks.OnParticipantBegun(ctx, e.res.runID, p)
	}
	logger.Debug("participant begun", zap.String("participant", p.ID), zap.String("handle", h.ID()))

	err = safeAction(ctx, w.task, fmt.Sprintf("task %d", w.index))
	if err != nil {
		e.fail(ctx, c.newError(KindBusiness, e.res.runID, p, w.index, "execute", err))
	}
	if late := len(sc.Synchronizations()) - len(p.Snapshot.Synchronizations()); late != 0 {
		if err != nil {
			logger.Warn("dropping synchronizations registered by failed task", zap.Int("count", late))
			return
		}
		e.fail(ctx, c.newError(KindInfrastructure, e.res.runID, p, w.index, "execute",
			fmt.Errorf("%w: %d registered on scope %s", ErrLateSynchronization, late, sc.ID())))
	}
}
