package pipeline

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/confluxdata/conflux/pkg/errors"
	"github.com/confluxdata/conflux/pkg/metrics"
	"github.com/confluxdata/conflux/pkg/source"
)

// DefaultStopTimeout bounds how long Stop waits for a loop to join.
const DefaultStopTimeout = 5 * time.Second

// TaskStatus is a point-in-time snapshot of a collection task.
type TaskStatus struct {
	Running  bool          `json:"running"`
	Interval time.Duration `json:"interval"`
	LastRun  time.Time     `json:"last_run,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// Task is the independent collection loop for one source. Each tick runs
// connect-if-needed, fetch, transform and a non-blocking enqueue. No
// failure ever terminates the loop; it retries every interval until
// explicitly stopped. Cancellation is cooperative: a stop request never
// aborts an in-flight fetch, it prevents the next tick.
type Task struct {
	src         source.Source
	interval    time.Duration
	buffer      *Buffer
	stopTimeout time.Duration
	logger      *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.RWMutex
	running bool
	lastRun time.Time
	lastErr string
}

// NewTask creates a collection task for the given source.
func NewTask(src source.Source, interval time.Duration, buffer *Buffer, stopTimeout time.Duration, logger *zap.Logger) *Task {
	if stopTimeout <= 0 {
		stopTimeout = DefaultStopTimeout
	}
	return &Task{
		src:         src,
		interval:    interval,
		buffer:      buffer,
		stopTimeout: stopTimeout,
		logger: logger.With(
			zap.String("source", src.Name()),
			zap.String("domain", src.Domain())),
	}
}

// Start launches the collection loop. Starting a running task is a
// no-op success.
func (t *Task) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.done = make(chan struct{})
	t.running = true

	go t.loop(ctx)
	t.logger.Info("collection task started", zap.Duration("interval", t.interval))
}

// Stop requests cooperative cancellation and joins the loop with a
// bounded timeout. Stopping a stopped task is a no-op success.
func (t *Task) Stop(ctx context.Context) error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	cancel := t.cancel
	done := t.done
	t.mu.Unlock()

	cancel()

	timer := time.NewTimer(t.stopTimeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		return errors.New(errors.ErrorTypeTimeout, "collection task did not stop within timeout")
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, "stop cancelled")
	}

	t.mu.Lock()
	t.running = false
	t.mu.Unlock()

	t.logger.Info("collection task stopped")
	return nil
}

// Running reports whether the loop is active.
func (t *Task) Running() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.running
}

// Snapshot returns the task status.
func (t *Task) Snapshot() TaskStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return TaskStatus{
		Running:  t.running,
		Interval: t.interval,
		LastRun:  t.lastRun,
		Error:    t.lastErr,
	}
}

// loop ticks until cancelled. The first tick runs immediately.
func (t *Task) loop(ctx context.Context) {
	defer close(t.done)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.tick(ctx)
		}
	}
}

// tick runs one collection cycle. The tick is the fault boundary: every
// failure is recorded and swallowed so the loop survives.
func (t *Task) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			t.recordFailure(errors.Newf(errors.ErrorTypeInternal, "collection panic: %v", r))
		}
	}()

	raw, err := t.src.Fetch(ctx)
	if err != nil {
		if ctx.Err() != nil {
			// shutdown race, not a source fault
			return
		}
		t.recordFailure(err)
		return
	}

	rec := t.src.Transform(raw)
	if !rec.Valid() {
		t.recordFailure(errors.New(errors.ErrorTypeData, "transform produced incomplete envelope"))
		return
	}

	if !t.buffer.Enqueue(rec) {
		// overflow is counted by the buffer; the tick itself succeeded
		t.logger.Warn("buffer full, record dropped")
	}

	metrics.RecordsCollected.WithLabelValues(rec.Source, rec.Domain).Inc()
	t.recordSuccess()
}

func (t *Task) recordSuccess() {
	t.mu.Lock()
	t.lastRun = time.Now()
	t.lastErr = ""
	t.mu.Unlock()
}

func (t *Task) recordFailure(err error) {
	metrics.FetchErrors.WithLabelValues(t.src.Name(), string(errors.TypeOf(err))).Inc()
	t.logger.Warn("collection tick failed", zap.Error(err))

	t.mu.Lock()
	t.lastRun = time.Now()
	t.lastErr = err.Error()
	t.mu.Unlock()
}
