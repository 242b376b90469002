// Package pool is a fixed-size executor whose slots each own a long-lived
// transaction scope.
package pool

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/oarkflow/txfanout/scope"
)

type Executor interface {
	Submit(ctx context.Context, task Task) (Future, error)
}

// LeakHandler is called when a task returns with bindings left in its slot
// scope. keys are the resource keys that were still bound.
type LeakHandler func(slot string, keys []any)

type Option func(*Pool)

func WithQueueSize(n int) Option {
	return func(p *Pool) {
		if n >= 0 {
			p.queueSize = n
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithName(name string) Option {
	return func(p *Pool) {
		if name != "" {
			p.name = name
		}
	}
}

func WithLeakHandler(h LeakHandler) Option {
	return func(p *Pool) {
		p.onLeak = h
	}
}

type Pool struct {
	name      string
	size      int
	queueSize int
	logger    *zap.Logger
	onLeak    LeakHandler

	mu     sync.RWMutex
	closed bool
	queue  chan *future
	group  errgroup.Group
	leaks  atomic.Int64
}

// New starts a pool of size slots. A size below one is treated as one.
func New(size int, opts ...Option) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{
		name:      "pool",
		size:      size,
		queueSize: size,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.Named(p.name)
	p.queue = make(chan *future, p.queueSize)
	for i := 0; i < size; i++ {
		sc := scope.New(fmt.Sprintf("%s-slot-%d", p.name, i))
		p.group.Go(func() error {
			p.runSlot(sc)
			return nil
		})
	}
	p.logger.Debug("pool started", zap.Int("size", size), zap.Int("queue", p.queueSize))
	return p
}

func (p *Pool) Size() int { return p.size }

// Leaks returns how many tasks left bindings behind in their slot scope.
func (p *Pool) Leaks() int64 { return p.leaks.Load() }

// Submit queues task, blocking while the queue is full. It gives up when
// ctx is done and fails with ErrClosed once Close has been called.
func (p *Pool) Submit(ctx context.Context, task Task) (Future, error) {
	if task == nil {
		return nil, fmt.Errorf("%s: nil task", p.name)
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrClosed
	}
	f := newFuture(ctx, task)
	select {
	case p.queue <- f:
		return f, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: submit: %w", p.name, ctx.Err())
	}
}

// Close stops accepting tasks, runs what is already queued and waits for
// every slot to exit. It is safe to call more than once.
func (p *Pool) Close() error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()
	return p.group.Wait()
}

func (p *Pool) runSlot(sc *scope.Scope) {
	for f := range p.queue {
		if !f.start() {
			continue
		}
		f.finish(p.runTask(sc, f))
		p.checkScope(sc)
	}
}

func (p *Pool) runTask(sc *scope.Scope, f *future) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked",
				zap.String("slot", sc.ID()), zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("%w on %s: %v", ErrTaskPanicked, sc.ID(), r)
		}
	}()
	f.task(scope.WithScope(f.ctx, sc))
	return nil
}

// checkScope clears whatever a task left bound to the slot scope so the
// next task on the slot starts clean.
func (p *Pool) checkScope(sc *scope.Scope) {
	if sc.Empty() {
		return
	}
	keys := sc.ResourceKeys()
	sc.Clear()
	p.leaks.Add(1)
	p.logger.Error("task left bindings in slot scope",
		zap.String("slot", sc.ID()), zap.Int("resources", len(keys)), zap.Error(scope.ErrLeaked))
	if p.onLeak != nil {
		p.onLeak(sc.ID(), keys)
	}
}
