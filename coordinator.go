// Package txfanout runs units of work concurrently, each in its own
// transaction, and resolves all of them together: every transaction is
// committed when every unit succeeded, and every one is rolled back when
// any unit failed.
//
// Workers leave their transactions open. Each worker records a participant
// holding its transaction handle and a snapshot of its scope, and once every
// task has finished the coordinator resolves the caller's own transaction
// first and then each participant in turn, rebinding its snapshot onto a
// private resolver scope for the duration of the commit or rollback.
package txfanout

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/oarkflow/txfanout/logs"
	"github.com/oarkflow/txfanout/metrics"
	"github.com/oarkflow/txfanout/pool"
	"github.com/oarkflow/txfanout/scope"
	"github.com/oarkflow/txfanout/storage"
	"github.com/oarkflow/txfanout/txn"
)

// Hooks are optional callbacks invoked at the points of a run named by
// their fields. They run on the goroutine that reaches that point.
type Hooks struct {
	OnParticipantBegun    func(ctx context.Context, runID string, p *Participant)
	OnFailure             func(ctx context.Context, runID string, err *Error)
	OnBeforeResolve       func(ctx context.Context, runID string, commit bool)
	OnParticipantResolved func(ctx context.Context, runID string, p *Participant, err error)
	// OnPartialCommit is called when some transactions of a run committed
	// and others failed to. Nothing is compensated automatically.
	OnPartialCommit func(ctx context.Context, runID string, committed []*Participant, errs []error)
	OnAfterResolve  func(ctx context.Context, runID string, committed bool, errs []error)
}

type Coordinator struct {
	manager           txn.Manager
	def               txn.Definition
	logger            *zap.Logger
	metrics           metrics.Collector
	tracer            trace.Tracer
	journal           storage.Journal
	audit             logs.AuditLogger
	hooks             *Hooks
	clock             clock.Clock
	captureStackTrace bool
}

type Option func(*Coordinator)

func WithDefinition(def txn.Definition) Option {
	return func(c *Coordinator) { c.def = def }
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithMetrics(m metrics.Collector) Option {
	return func(c *Coordinator) {
		if m != nil {
			c.metrics = m
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(c *Coordinator) {
		if t != nil {
			c.tracer = t
		}
	}
}

func WithJournal(j storage.Journal) Option {
	return func(c *Coordinator) { c.journal = j }
}

func WithAuditLogger(a logs.AuditLogger) Option {
	return func(c *Coordinator) {
		if a != nil {
			c.audit = a
		}
	}
}

func WithHooks(h *Hooks) Option {
	return func(c *Coordinator) { c.hooks = h }
}

func WithClock(clk clock.Clock) Option {
	return func(c *Coordinator) {
		if clk != nil {
			c.clock = clk
		}
	}
}

// WithStackTraces makes every *Error carry the stack of the goroutine that
// created it.
func WithStackTraces(enabled bool) Option {
	return func(c *Coordinator) { c.captureStackTrace = enabled }
}

func New(manager txn.Manager, opts ...Option) (*Coordinator, error) {
	if manager == nil {
		return nil, fmt.Errorf("transaction manager cannot be nil")
	}
	c := &Coordinator{
		manager: manager,
		def:     txn.DefaultDefinition(),
		logger:  zap.NewNop(),
		metrics: metrics.NoopCollector{},
		tracer:  metrics.NoopTracer(),
		audit:   logs.NoopAuditLogger{},
		clock:   clock.WallClock,
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := validateWorkerDefinition(c.def); err != nil {
		return nil, fmt.Errorf("invalid definition: %w", err)
	}
	c.logger = c.logger.Named("fanout")
	return c, nil
}

// validateWorkerDefinition rejects definitions no worker can begin. Worker
// scopes start empty, so MANDATORY would fail every task.
func validateWorkerDefinition(def txn.Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	if def.Propagation == txn.PropagationMandatory {
		return fmt.Errorf("propagation %s cannot be used for worker transactions", def.Propagation)
	}
	return nil
}

// Run executes tasks on exec and resolves the outcome together with the
// caller's transaction, if any. committed reports whether the commit
// decision was applied: every task succeeded and the caller's transaction,
// if any, committed. errs holds resolution failures only. committed=true
// with a non-empty errs means the run ended partially committed; the
// failed participants are named in errs. Task failures are logged, and
// Execute followed by Resolve exposes them with their kinds.
func (c *Coordinator) Run(ctx context.Context, tasks []Task, exec pool.Executor, existing txn.Handle) (bool, []error) {
	res, err := c.Execute(ctx, tasks, exec)
	if err != nil {
		errs := []error{err}
		if existing != nil {
			if rerr := safeAction(context.WithoutCancel(ctx), func(ctx context.Context) error {
				return c.manager.Rollback(ctx, existing)
			}, "rollback caller transaction"); rerr != nil {
				errs = append(errs, c.newError(KindResolution, "", nil, -1, "rollback caller", rerr))
			}
		}
		return false, errs
	}
	if !res.AllSucceeded() {
		c.logFailures(res)
	}
	return c.Resolve(ctx, existing, res)
}

// Execute fans tasks out over exec and waits for every submitted task to
// finish or be cancelled. It resolves nothing: the returned Result must be
// passed to Resolve, Commit or Rollback.
func (c *Coordinator) Execute(ctx context.Context, tasks []Task, exec pool.Executor) (*Result, error) {
	if exec == nil {
		return nil, ErrNilExecutor
	}
	res := newResult(uuid.NewString())
	logger := c.logger.With(zap.String("run_id", res.runID))
	start := c.clock.Now()
	ctx, span := c.tracer.Start(ctx, "txfanout.execute", trace.WithAttributes(
		attribute.String("txfanout.run_id", res.runID),
		attribute.Int("txfanout.tasks", len(tasks)),
	))
	c.journalState(res.runID, storage.RunExecuting, map[string]any{"tasks": len(tasks)})
	logger.Debug("executing run", zap.Int("tasks", len(tasks)))

	e := &execution{coord: c, res: res, logger: logger}
	e.caller, _ = scope.FromContext(ctx)

	for i, task := range tasks {
		if res.failed.Load() {
			res.skipped.Add(int64(len(tasks) - i))
			break
		}
		if task == nil {
			e.fail(ctx, c.newError(KindBusiness, res.runID, nil, i, "submit", fmt.Errorf("task %d is nil", i)))
			res.skipped.Add(int64(len(tasks) - i - 1))
			break
		}
		w := &worker{exec: e, index: i, task: task}
		f, err := exec.Submit(ctx, w.run)
		if err != nil {
			e.fail(ctx, c.newError(KindJoin, res.runID, nil, i, "submit", err))
			res.skipped.Add(int64(len(tasks) - i - 1))
			break
		}
		e.track(f)
	}

	c.wait(ctx, e)

	c.metrics.AddSkipped(res.Skipped())
	c.metrics.AddCancelled(res.Cancelled())
	c.metrics.ObservePhase("execute", c.since(start))
	metrics.EndSpan(span, res.Err(),
		attribute.Int("txfanout.participants", len(res.Participants())),
		attribute.Bool("txfanout.succeeded", res.AllSucceeded()),
	)
	logger.Debug("run executed",
		zap.Bool("succeeded", res.AllSucceeded()),
		zap.Int("participants", len(res.Participants())),
		zap.Int("skipped", res.Skipped()),
		zap.Int("cancelled", res.Cancelled()),
	)
	return res, nil
}

// wait blocks until every tracked future is done. Cancellation of ctx fails
// the run and cancels pending tasks, but running tasks are still waited for
// since they may hold a transaction.
func (c *Coordinator) wait(ctx context.Context, e *execution) {
	interrupted := false
	for i, f := range e.tracked() {
		if !interrupted {
			select {
			case <-f.Done():
			case <-ctx.Done():
				interrupted = true
				e.fail(ctx, c.newError(KindJoin, e.res.runID, nil, -1, "wait", ctx.Err()))
				e.cancelPending()
				<-f.Done()
			}
		} else {
			<-f.Done()
		}
		switch {
		case f.State() == pool.TaskCancelled:
			e.res.addCancelled(1)
		case f.Err() != nil:
			e.fail(ctx, c.newError(KindJoin, e.res.runID, nil, i, "wait", f.Err()))
		}
	}
}

// Resolve commits the run when every task succeeded and rolls it back
// otherwise. existing may be nil. The returned bool and errors follow Run.
func (c *Coordinator) Resolve(ctx context.Context, existing txn.Handle, res *Result) (bool, []error) {
	if res == nil {
		return false, []error{ErrNilResult}
	}
	if !res.consume() {
		return false, []error{ErrResultConsumed}
	}
	return c.resolve(ctx, existing, res, res.AllSucceeded())
}

// Commit commits the caller transaction and every participant of res
// regardless of the failures it recorded.
func (c *Coordinator) Commit(ctx context.Context, existing txn.Handle, res *Result) []error {
	if res == nil {
		return []error{ErrNilResult}
	}
	if !res.consume() {
		return []error{ErrResultConsumed}
	}
	_, errs := c.resolve(ctx, existing, res, true)
	return errs
}

// Rollback rolls back the caller transaction and every participant of res.
func (c *Coordinator) Rollback(ctx context.Context, existing txn.Handle, res *Result) []error {
	if res == nil {
		return []error{ErrNilResult}
	}
	if !res.consume() {
		return []error{ErrResultConsumed}
	}
	_, errs := c.resolve(ctx, existing, res, false)
	return errs
}

func (c *Coordinator) resolve(ctx context.Context, existing txn.Handle, res *Result, commit bool) (bool, []error) {
	ctx = context.WithoutCancel(ctx)
	runID := res.runID
	logger := c.logger.With(zap.String("run_id", runID))
	start := c.clock.Now()
	ctx, span := c.tracer.Start(ctx, "txfanout.resolve", trace.WithAttributes(
		attribute.String("txfanout.run_id", runID),
		attribute.Bool("txfanout.commit", commit),
	))
	if c.hooks != nil && c.hooks.OnBeforeResolve != nil {
		c.hooks.OnBeforeResolve(ctx, runID, commit)
	}
	if commit {
		c.journalState(runID, storage.RunCommitting, nil)
	} else {
		c.journalState(runID, storage.RunRollingBack, nil)
	}

	var errs []error
	committedAny := false
	if existing != nil {
		if commit {
			err := safeAction(ctx, func(ctx context.Context) error {
				return c.manager.Commit(ctx, existing)
			}, "commit caller transaction")
			if err != nil {
				logger.Error("caller commit failed, rolling participants back", zap.Error(err))
				errs = append(errs, c.newError(KindResolution, runID, nil, -1, "commit caller", err))
				c.metrics.IncFailure(KindResolution.String())
				commit = false
			} else {
				committedAny = true
			}
		} else if err := safeAction(ctx, func(ctx context.Context) error {
			return c.manager.Rollback(ctx, existing)
		}, "rollback caller transaction"); err != nil {
			logger.Error("caller rollback failed", zap.Error(err))
			errs = append(errs, c.newError(KindResolution, runID, nil, -1, "rollback caller", err))
			c.metrics.IncFailure(KindResolution.String())
		}
	}

	resolver := scope.New("resolver-" + runID)
	var committed []*Participant
	for _, p := range res.Participants() {
		err := c.resolveParticipant(ctx, runID, resolver, p, commit)
		if err != nil {
			errs = append(errs, err)
			c.metrics.IncFailure(KindResolution.String())
			continue
		}
		if commit {
			committedAny = true
			committed = append(committed, p)
		}
	}

	ok := commit && len(errs) == 0
	partial := commit && len(errs) > 0 && committedAny
	if commit && !partial && !ok {
		// Every commit attempt failed; nothing was applied.
		commit = false
	}
	state := storage.RunRolledBack
	switch {
	case partial:
		state = storage.RunPartiallyCommitted
		logger.Error("run partially committed", zap.Int("committed", len(committed)), zap.Error(multierr.Combine(errs...)))
		if c.hooks != nil && c.hooks.OnPartialCommit != nil {
			c.hooks.OnPartialCommit(ctx, runID, committed, errs)
		}
	case ok:
		state = storage.RunCommitted
	case len(errs) > 0:
		state = storage.RunResolutionFailed
		logger.Error("run resolution failed", zap.Bool("commit", commit), zap.Error(multierr.Combine(errs...)))
	}
	c.journalState(runID, state, map[string]any{"resolution_errors": len(errs)})
	outcome := outcomeLabel(ok, partial, errs)
	c.metrics.ObserveRun(outcome)
	c.metrics.ObservePhase("resolve", c.since(start))
	c.audit.LogEvent("run."+outcome, map[string]any{
		"run_id":       runID,
		"participants": len(res.Participants()),
		"errors":       len(errs),
	})
	metrics.EndSpan(span, multierr.Combine(errs...), attribute.String("txfanout.outcome", outcome))
	if c.hooks != nil && c.hooks.OnAfterResolve != nil {
		c.hooks.OnAfterResolve(ctx, runID, commit, errs)
	}
	logger.Debug("run resolved", zap.String("outcome", outcome), zap.Int("errors", len(errs)))
	return commit, errs
}

// resolveParticipant installs p's snapshot on resolver, completes its
// transaction and removes the snapshot again. resolver must be empty on
// return.
func (c *Coordinator) resolveParticipant(ctx context.Context, runID string, resolver *scope.Scope, p *Participant, commit bool) (err error) {
	op := "rollback"
	if commit {
		op = "commit"
	}
	if !p.startResolving() {
		return c.newError(KindResolution, runID, p, -1, op, fmt.Errorf("%w: state %s", ErrAlreadyResolved, p.State()))
	}
	ctx, span := c.tracer.Start(ctx, "txfanout.resolve_participant", trace.WithAttributes(
		attribute.String("txfanout.participant", p.ID),
		attribute.Int("txfanout.task", p.Index),
		attribute.String("txfanout.op", op),
	))
	start := c.clock.Now()
	final := ParticipantResolutionFailed
	defer func() {
		p.finish(final)
		c.metrics.ObserveParticipant(final.label())
		entry := storage.Entry{
			Participant: p.ID, Index: p.Index, Event: final.label(),
			Data: map[string]any{"duration_ms": c.since(start).Milliseconds()},
		}
		if err != nil {
			entry.Error = err.Error()
			c.logger.Error("participant resolution failed",
				zap.String("run_id", runID), zap.String("participant", p.ID), zap.Int("task", p.Index),
				zap.String("op", op), zap.Error(err))
		}
		c.journalAppend(runID, entry)
		if c.hooks != nil && c.hooks.OnParticipantResolved != nil {
			c.hooks.OnParticipantResolved(ctx, runID, p, err)
		}
		metrics.EndSpan(span, err, attribute.String("txfanout.state", final.String()))
	}()

	binding, err := p.Snapshot.Rebind(resolver)
	if err != nil {
		resolver.Clear()
		return c.newError(KindResolution, runID, p, -1, "rebind", err)
	}
	rctx := scope.WithScope(ctx, resolver)
	var opErr, releaseErr error
	func() {
		defer func() {
			releaseErr = binding.Release()
			if !resolver.Empty() {
				releaseErr = multierr.Append(releaseErr, fmt.Errorf("%w: resolver scope %s after %s", scope.ErrLeaked, resolver.ID(), op))
				resolver.Clear()
			}
		}()
		opErr = safeAction(rctx, func(ctx context.Context) error {
			if commit {
				return c.manager.Commit(ctx, p.Handle)
			}
			return c.manager.Rollback(ctx, p.Handle)
		}, fmt.Sprintf("%s participant %s", op, p.ID))
	}()
	if err := multierr.Combine(opErr, releaseErr); err != nil {
		return c.newError(KindResolution, runID, p, -1, op, err)
	}
	if commit {
		final = ParticipantCommitted
	} else {
		final = ParticipantRolledBack
	}
	return nil
}

// logFailures reports the failures of a run that will be rolled back.
// Infrastructure and join failures are logged at warn, task failures at info.
func (c *Coordinator) logFailures(res *Result) {
	logger := c.logger.With(zap.String("run_id", res.runID))
	for _, err := range res.Failures() {
		kind, _ := KindOf(err)
		if kind == KindBusiness {
			logger.Info("run failed", zap.String("kind", kind.String()), zap.Error(err))
			continue
		}
		logger.Warn("run failed", zap.String("kind", kind.String()), zap.Error(err))
	}
}

func (c *Coordinator) journalState(runID string, state storage.RunState, meta map[string]any) {
	if c.journal == nil {
		return
	}
	if err := c.journal.SaveState(runID, state, meta); err != nil {
		c.logger.Warn("journal state write failed", zap.String("run_id", runID), zap.String("state", string(state)), zap.Error(err))
	}
}

func (c *Coordinator) journalAppend(runID string, entry storage.Entry) {
	if c.journal == nil {
		return
	}
	if err := c.journal.Append(runID, entry); err != nil {
		c.logger.Warn("journal append failed", zap.String("run_id", runID), zap.String("event", entry.Event), zap.Error(err))
	}
}

func (c *Coordinator) since(start time.Time) time.Duration {
	return c.clock.Now().Sub(start)
}
