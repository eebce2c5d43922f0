package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/chat-identity/internal/config"
	"github.com/chat-identity/internal/domain"
	"github.com/google/uuid"
)

// Key identifies one persisted value. Arg distinguishes entries of a set
// field, such as the other player of an ignore relation.
type Key struct {
	PlayerID uuid.UUID
	Field    domain.Field
	Arg      uuid.UUID
}

// WriteFunc performs one field write and returns the rows affected
type WriteFunc func(ctx context.Context) (int64, error)

// Op is a pending durable write. Ensure, when set, creates the base row and is
// run once if Write reports that no row was affected.
//
// Done, when set, is called exactly once when the op leaves the queue for
// good: written, dropped, or replaced by a newer op for the same key. It is not
// called for ops still queued when Stop gives up. Done runs with the queue
// locked and must not call back into it.
type Op struct {
	Key    Key
	Write  WriteFunc
	Ensure func(ctx context.Context) error
	Done   func()
}

func (op Op) done() {
	if op.Done != nil {
		op.Done()
	}
}

type entry struct {
	op       Op
	attempts int
}

// Stats is a point-in-time view of the queue
type Stats struct {
	Pending int   `json:"pending"`
	Written int64 `json:"written"`
	Failed  int64 `json:"failed"`
}

// WriteBehind persists profile mutations in the background. Ops for the same
// key coalesce while queued, so only the latest value is written, and a key is
// never written by two goroutines at once.
type WriteBehind struct {
	config *config.PersistenceConfig
	logger *slog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	pending map[Key]*entry
	order   []Key
	active  map[Key]struct{}
	idle    chan struct{}
	closed  bool
	running bool

	ctx    context.Context
	cancel context.CancelFunc
	doneCh chan struct{}

	written atomic.Int64
	failed  atomic.Int64
}

// NewWriteBehind creates a new write-behind queue
func NewWriteBehind(cfg *config.PersistenceConfig, logger *slog.Logger) *WriteBehind {
	w := &WriteBehind{
		config:  cfg,
		logger:  logger,
		pending: make(map[Key]*entry),
		active:  make(map[Key]struct{}),
		idle:    make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	w.cond = sync.NewCond(&w.mu)
	close(w.idle)
	return w
}

// Start launches the configured number of writer goroutines
func (w *WriteBehind) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	if w.closed {
		w.mu.Unlock()
		return domain.ErrShuttingDown
	}
	w.running = true
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	workers := w.config.Workers
	if workers <= 0 {
		workers = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.run()
		}()
	}
	go func() {
		wg.Wait()
		close(w.doneCh)
	}()

	// Wake idle writers when the context ends
	go func() {
		<-w.ctx.Done()
		w.mu.Lock()
		w.cond.Broadcast()
		w.mu.Unlock()
	}()

	w.logger.Info("write-behind worker started", "workers", workers)
	return nil
}

// Stop refuses new ops and drains the queue, giving up after the shutdown
// timeout. Ops still queued at that point are reported as dropped.
func (w *WriteBehind) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.closed = true
		dropped := len(w.pending)
		w.mu.Unlock()
		if dropped > 0 {
			return fmt.Errorf("%d profile writes not persisted: worker never started", dropped)
		}
		return nil
	}
	w.closed = true
	w.cond.Broadcast()
	w.mu.Unlock()

	timer := time.NewTimer(w.config.ShutdownTimeout)
	defer timer.Stop()

	select {
	case <-w.doneCh:
	case <-timer.C:
		w.logger.Warn("write-behind drain timed out", "pending", w.Pending())
		w.cancel()
		<-w.doneCh
	}
	w.cancel()

	w.mu.Lock()
	dropped := len(w.pending)
	w.running = false
	w.mu.Unlock()

	if dropped > 0 {
		w.logger.Error("dropping unpersisted profile writes", "count", dropped)
		return fmt.Errorf("%d profile writes not persisted", dropped)
	}
	w.logger.Info("write-behind worker stopped", "written", w.written.Load())
	return nil
}

// Enqueue schedules op. If a write for the same key is already queued it is
// replaced, keeping its place in line.
func (w *WriteBehind) Enqueue(op Op) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return domain.ErrShuttingDown
	}

	if e, ok := w.pending[op.Key]; ok {
		e.op.done()
		e.op = op
		e.attempts = 0
		return nil
	}
	w.markBusyLocked()
	w.pending[op.Key] = &entry{op: op}
	w.order = append(w.order, op.Key)
	w.cond.Signal()
	return nil
}

// Pending returns the number of queued and in-flight writes
func (w *WriteBehind) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending) + len(w.active)
}

// Stats reports queue size and counters
func (w *WriteBehind) Stats() Stats {
	return Stats{
		Pending: w.Pending(),
		Written: w.written.Load(),
		Failed:  w.failed.Load(),
	}
}

// Flush blocks until every write enqueued so far has completed or ctx ends
func (w *WriteBehind) Flush(ctx context.Context) error {
	for {
		w.mu.Lock()
		idle := w.idle
		w.mu.Unlock()

		select {
		case <-idle:
			if w.Pending() == 0 {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// IsRunning returns whether the worker is currently running
func (w *WriteBehind) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// run is the writer loop
func (w *WriteBehind) run() {
	for {
		e, ok := w.next()
		if !ok {
			return
		}
		err := w.persist(e)
		w.finish(e, err)
	}
}

// next blocks until a key that is not already being written is queued
func (w *WriteBehind) next() (*entry, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for {
		if w.ctx.Err() != nil {
			return nil, false
		}
		for i, key := range w.order {
			if _, busy := w.active[key]; busy {
				continue
			}
			e := w.pending[key]
			delete(w.pending, key)
			w.order = append(w.order[:i:i], w.order[i+1:]...)
			w.active[key] = struct{}{}
			return e, true
		}
		if w.closed && len(w.pending) == 0 {
			return nil, false
		}
		w.cond.Wait()
	}
}

// persist runs one op with exponential backoff between attempts
func (w *WriteBehind) persist(e *entry) error {
	attempts := w.config.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = w.config.RetryDelay
	policy.MaxInterval = w.config.RetryMaxDelay
	policy.MaxElapsedTime = 0
	policy.Reset()
	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(attempts-1)), w.ctx)

	key := e.op.Key
	return backoff.RetryNotify(func() error {
		e.attempts++
		ctx, cancel := context.WithTimeout(w.ctx, w.config.WriteTimeout)
		defer cancel()

		err := w.execute(ctx, e.op)
		if err != nil && !domain.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, wait time.Duration) {
		w.logger.Warn("profile write failed, retrying",
			"player_id", key.PlayerID,
			"field", key.Field,
			"attempt", e.attempts,
			"retry_in", wait,
			"error", err,
		)
	})
}

// execute performs the write, creating the base row when it does not exist yet
func (w *WriteBehind) execute(ctx context.Context, op Op) error {
	rows, err := op.Write(ctx)
	if err != nil {
		return err
	}
	if rows > 0 || op.Ensure == nil {
		return nil
	}

	if err := op.Ensure(ctx); err != nil {
		return err
	}
	rows, err = op.Write(ctx)
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.Transient("writing "+string(op.Key.Field), errors.New("profile row missing after insert"))
	}
	return nil
}

// finish releases the key and decides what to do with a failed op
func (w *WriteBehind) finish(e *entry, err error) {
	key := e.op.Key

	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.active, key)
	defer w.cond.Broadcast()
	defer w.markIdleLocked()

	if err == nil {
		w.written.Add(1)
		e.op.done()
		return
	}

	_, superseded := w.pending[key]
	switch {
	case superseded:
		w.logger.Debug("failed profile write superseded by newer value",
			"player_id", key.PlayerID, "field", key.Field)
		e.op.done()
	case w.ctx.Err() != nil:
		// Shutting down; leave it queued so Stop reports it
		w.pending[key] = e
		w.order = append(w.order, key)
	case domain.IsTransient(err):
		w.logger.Error("profile write still failing, requeueing",
			"player_id", key.PlayerID,
			"field", key.Field,
			"attempt", e.attempts,
			"error", err,
		)
		w.pending[key] = e
		w.order = append(w.order, key)
	default:
		w.failed.Add(1)
		w.logger.Error("dropping profile write",
			"player_id", key.PlayerID,
			"field", key.Field,
			"error", err,
		)
		e.op.done()
	}
}

func (w *WriteBehind) markBusyLocked() {
	if len(w.pending)+len(w.active) == 0 {
		w.idle = make(chan struct{})
	}
}

func (w *WriteBehind) markIdleLocked() {
	if len(w.pending)+len(w.active) == 0 {
		select {
		case <-w.idle:
		default:
			close(w.idle)
		}
	}
}
