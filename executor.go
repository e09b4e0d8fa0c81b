package remotefs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrExecutorClosed fails operations submitted to, or still queued in, a
// closed executor.
var ErrExecutorClosed = errors.New("executor is closed")

// Future is the pending Result of a submitted operation.
type Future struct {
	done   chan struct{}
	result Result
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) complete(r Result) {
	f.result = r
	close(f.done)
}

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} { return f.done }

// Result returns the result and true if the operation has finished.
func (f *Future) Result() (Result, bool) {
	select {
	case <-f.done:
		return f.result, true
	default:
		return Result{}, false
	}
}

// Wait blocks until the result is available or ctx is done.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

type job struct {
	session  *Session
	op       Operation
	future   *Future
	callback func(Result)
	queuedAt time.Time
}

// Executor runs operations on a fixed pool of workers. Submission never
// blocks: jobs wait in an unbounded queue. There is no ordering guarantee
// between independently submitted operations.
type Executor struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*job
	closed bool
	wg     sync.WaitGroup

	workers    int
	dispatcher *Dispatcher
	logger     *zap.Logger
	metrics    *Metrics
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithWorkers sets the pool size.
func WithWorkers(n int) ExecutorOption {
	return func(e *Executor) { e.workers = n }
}

// WithDispatcher delivers SubmitFunc callbacks through d instead of on the
// worker.
func WithDispatcher(d *Dispatcher) ExecutorOption {
	return func(e *Executor) { e.dispatcher = d }
}

// WithExecutorLogger sets the executor logger.
func WithExecutorLogger(logger *zap.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = logger }
}

// WithExecutorMetrics records operation metrics.
func WithExecutorMetrics(metrics *Metrics) ExecutorOption {
	return func(e *Executor) { e.metrics = metrics }
}

// NewExecutor starts the worker pool.
func NewExecutor(opts ...ExecutorOption) *Executor {
	e := &Executor{workers: DefaultOptions().Workers}
	for _, opt := range opts {
		opt(e)
	}
	if e.workers < 1 {
		e.workers = 1
	}
	e.logger = loggerOrNop(e.logger)
	e.cond = sync.NewCond(&e.mu)

	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	return e
}

// Submit queues op against s and returns its Future.
func (e *Executor) Submit(s *Session, op Operation) *Future {
	return e.SubmitFunc(s, op, nil)
}

// SubmitFunc queues op against s. When the operation finishes, cb is posted
// to the dispatcher, or run on the worker if the executor has none. The
// callback is queued before the Future completes.
func (e *Executor) SubmitFunc(s *Session, op Operation, cb func(Result)) *Future {
	j := &job{session: s, op: op, future: newFuture(), callback: cb, queuedAt: time.Now()}

	if s == nil {
		e.finish(j, failure(op, &OpError{Op: op.Kind.String(), Path: op.Path, Kind: KindInvalidArgument, Err: errors.New("no session")}))
		return j.future
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		e.finish(j, failure(op, ErrExecutorClosed))
		return j.future
	}
	e.queue = append(e.queue, j)
	e.mu.Unlock()
	e.cond.Signal()
	return j.future
}

// Pending returns the number of queued operations not yet picked up.
func (e *Executor) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// Close fails every queued operation with ErrExecutorClosed and waits for
// running operations to finish. It is idempotent.
func (e *Executor) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		e.wg.Wait()
		return nil
	}
	e.closed = true
	pending := e.queue
	e.queue = nil
	e.mu.Unlock()
	e.cond.Broadcast()

	for _, j := range pending {
		e.finish(j, failure(j.op, ErrExecutorClosed))
	}
	e.wg.Wait()
	return nil
}

func (e *Executor) worker() {
	defer e.wg.Done()
	for {
		e.mu.Lock()
		for len(e.queue) == 0 && !e.closed {
			e.cond.Wait()
		}
		if len(e.queue) == 0 {
			e.mu.Unlock()
			return
		}
		j := e.queue[0]
		e.queue[0] = nil
		e.queue = e.queue[1:]
		e.mu.Unlock()

		e.run(j)
	}
}

func (e *Executor) run(j *job) {
	start := time.Now()
	r := execute(context.Background(), j.session.Channel(), j.op)
	r.Duration = time.Since(start)

	outcome := "success"
	if r.Failed() {
		outcome = "failure"
		e.logger.Debug("operation failed",
			identityField(j.session.Identity()),
			zap.String("op", j.op.Kind.String()),
			pathField(j.op.Path),
			zap.Stringer("kind", r.ErrKind),
			zap.Error(r.Err))
	}
	e.metrics.RecordOperation(j.op.Kind, outcome, r.Duration)
	if dir, n := transferred(r); n > 0 {
		e.metrics.RecordTransfer(dir, n)
	}
	e.finish(j, r)
}

// finish stamps r and delivers it.
func (e *Executor) finish(j *job, r Result) {
	r.ID = uuid.NewString()
	if j.session != nil {
		r.Identity = j.session.Identity()
	}
	if j.callback != nil {
		cb := j.callback
		if e.dispatcher != nil {
			e.dispatcher.Post(func() { cb(r) })
		} else {
			cb(r)
		}
	}
	j.future.complete(r)
}
