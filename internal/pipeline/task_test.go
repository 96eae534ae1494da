package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/confluxdata/conflux/pkg/config"
	"github.com/confluxdata/conflux/pkg/errors"
	"github.com/confluxdata/conflux/pkg/models"
	"github.com/confluxdata/conflux/pkg/source"
)

// stubSource is a scripted source for exercising the collection loop.
type stubSource struct {
	name   string
	domain string

	mu          sync.Mutex
	fetches     int
	fetchErr    error
	payload     source.RawRecord
	badEnvelope bool
}

func (s *stubSource) Name() string   { return s.name }
func (s *stubSource) Domain() string { return s.domain }

func (s *stubSource) Connect(ctx context.Context) error { return nil }

func (s *stubSource) Fetch(ctx context.Context) (source.RawRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches++
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	return s.payload, nil
}

func (s *stubSource) Transform(raw source.RawRecord) models.Record {
	if s.badEnvelope {
		return models.Record{}
	}
	rec := models.Record{
		Timestamp: time.Now(),
		Domain:    s.domain,
		Source:    s.name,
		Fields:    map[string]interface{}{},
	}
	for k, v := range raw {
		rec.Fields[k] = v
	}
	return rec
}

func (s *stubSource) Status() source.Status {
	return source.Status{State: source.StateConnected}
}

func (s *stubSource) Close(ctx context.Context) error { return nil }

func (s *stubSource) fetchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches
}

func (s *stubSource) setFetchErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchErr = err
}

func newStubSource() *stubSource {
	return &stubSource{
		name:    "stub",
		domain:  "test",
		payload: source.RawRecord{"value": 42.0},
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestTaskCollectsOnInterval(t *testing.T) {
	src := newStubSource()
	buf := NewBuffer(16, config.OverflowDropNewest)
	task := NewTask(src, 20*time.Millisecond, buf, time.Second, zap.NewNop())

	task.Start()
	defer func() { _ = task.Stop(context.Background()) }()

	waitFor(t, time.Second, func() bool { return src.fetchCount() >= 3 })
	waitFor(t, time.Second, func() bool { return buf.Len() >= 3 })

	rec, ok := buf.Dequeue(context.Background(), time.Second)
	require.True(t, ok)
	assert.Equal(t, "stub", rec.Source)
	assert.Equal(t, "test", rec.Domain)
	assert.Equal(t, 42.0, rec.Fields["value"])

	status := task.Snapshot()
	assert.True(t, status.Running)
	assert.False(t, status.LastRun.IsZero())
	assert.Empty(t, status.Error)
}

func TestTaskStartIdempotent(t *testing.T) {
	src := newStubSource()
	buf := NewBuffer(16, config.OverflowDropNewest)
	task := NewTask(src, time.Hour, buf, time.Second, zap.NewNop())

	task.Start()
	task.Start()
	assert.True(t, task.Running())
	waitFor(t, time.Second, func() bool { return src.fetchCount() >= 1 })

	require.NoError(t, task.Stop(context.Background()))
	assert.False(t, task.Running())

	// first tick ran exactly once despite the double start
	assert.Equal(t, 1, src.fetchCount())
}

func TestTaskStopIdempotent(t *testing.T) {
	src := newStubSource()
	buf := NewBuffer(16, config.OverflowDropNewest)
	task := NewTask(src, time.Hour, buf, time.Second, zap.NewNop())

	require.NoError(t, task.Stop(context.Background()))

	task.Start()
	require.NoError(t, task.Stop(context.Background()))
	require.NoError(t, task.Stop(context.Background()))
}

func TestTaskFailureKeepsLoopAlive(t *testing.T) {
	src := newStubSource()
	src.setFetchErr(errors.New(errors.ErrorTypeConnection, "origin unreachable"))
	buf := NewBuffer(16, config.OverflowDropNewest)
	task := NewTask(src, 20*time.Millisecond, buf, time.Second, zap.NewNop())

	task.Start()
	defer func() { _ = task.Stop(context.Background()) }()

	waitFor(t, time.Second, func() bool { return src.fetchCount() >= 2 })

	status := task.Snapshot()
	assert.True(t, status.Running)
	assert.Contains(t, status.Error, "origin unreachable")
	assert.False(t, status.LastRun.IsZero(), "failed ticks still advance LastRun")
	assert.Equal(t, 0, buf.Len())

	// recovery clears the recorded error
	src.setFetchErr(nil)
	waitFor(t, time.Second, func() bool { return task.Snapshot().Error == "" })
	waitFor(t, time.Second, func() bool { return buf.Len() > 0 })
}

func TestTaskInvalidEnvelopeDropped(t *testing.T) {
	src := newStubSource()
	src.badEnvelope = true
	buf := NewBuffer(16, config.OverflowDropNewest)
	task := NewTask(src, 20*time.Millisecond, buf, time.Second, zap.NewNop())

	task.Start()
	defer func() { _ = task.Stop(context.Background()) }()

	waitFor(t, time.Second, func() bool { return src.fetchCount() >= 2 })
	assert.Equal(t, 0, buf.Len())
	assert.NotEmpty(t, task.Snapshot().Error)
}

func TestTaskOverflowDoesNotFailTick(t *testing.T) {
	src := newStubSource()
	buf := NewBuffer(1, config.OverflowDropNewest)
	task := NewTask(src, 10*time.Millisecond, buf, time.Second, zap.NewNop())

	task.Start()
	defer func() { _ = task.Stop(context.Background()) }()

	waitFor(t, time.Second, func() bool { return buf.Dropped() >= 1 })
	assert.Empty(t, task.Snapshot().Error)
}

func TestTaskStopJoinsLoop(t *testing.T) {
	src := newStubSource()
	buf := NewBuffer(16, config.OverflowDropNewest)
	task := NewTask(src, 10*time.Millisecond, buf, time.Second, zap.NewNop())

	task.Start()
	require.NoError(t, task.Stop(context.Background()))

	count := src.fetchCount()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, count, src.fetchCount(), "no ticks after stop returned")
}
