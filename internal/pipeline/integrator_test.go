package pipeline

import (
	"context"
	"os"
	"path/filepath"
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

// blockingSource holds its fetch open until released, so a collection
// task's stop join can be held in a known in-flight state.
type blockingSource struct {
	name    string
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingSource(name string) *blockingSource {
	return &blockingSource{
		name:    name,
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (s *blockingSource) Name() string                      { return s.name }
func (s *blockingSource) Domain() string                    { return "test" }
func (s *blockingSource) Connect(ctx context.Context) error { return nil }

func (s *blockingSource) Fetch(ctx context.Context) (source.RawRecord, error) {
	s.once.Do(func() { close(s.started) })
	<-s.release
	return nil, errors.New(errors.ErrorTypeConnection, "origin gone")
}

func (s *blockingSource) Transform(raw source.RawRecord) models.Record {
	return models.Record{
		Timestamp: time.Now(),
		Domain:    "test",
		Source:    s.name,
		Fields:    map[string]interface{}{},
	}
}

func (s *blockingSource) Status() source.Status {
	return source.Status{State: source.StateConnected}
}

func (s *blockingSource) Close(ctx context.Context) error { return nil }

func newIntegrator(t *testing.T) *Integrator {
	t.Helper()
	cfg := config.New()
	cfg.Pipeline.DequeueWait = 10 * time.Millisecond
	cfg.Persistence.Dir = t.TempDir()

	integ, err := NewIntegrator(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = integ.Close(context.Background()) })
	return integ
}

func writeCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "indicators.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func econSource(t *testing.T, path string) source.Source {
	t.Helper()
	src, err := source.New(config.SourceConfig{
		Name:   "indicators",
		Domain: "econ",
		Type:   "csv",
		Settings: map[string]string{
			"path": path,
		},
	}, zap.NewNop())
	require.NoError(t, err)
	return src
}

func TestIntegratorEndToEnd(t *testing.T) {
	path := writeCSV(t,
		"timestamp,indicator,value\n"+
			"2026-01-01T00:00:00Z,gdp,100.0\n"+
			"2026-02-01T00:00:00Z,gdp,101.5\n"+
			"2026-03-01T00:00:00Z,gdp,102.9\n")

	integ := newIntegrator(t)
	require.NoError(t, integ.RegisterSource(econSource(t, path)))
	require.NoError(t, integ.StartSource(context.Background(), "indicators", 50*time.Millisecond))
	require.NoError(t, integ.StartProcessing(context.Background()))

	waitFor(t, 2*time.Second, func() bool {
		return len(integ.Latest("econ", "", 0)) >= 1
	})

	latest := integ.Latest("econ", "", 1)
	require.Len(t, latest, 1)
	rec := latest[0]
	assert.Equal(t, "econ", rec.Domain)
	assert.Equal(t, "indicators", rec.Source)
	assert.Equal(t, "gdp", rec.Fields["indicator"])
	assert.Equal(t, "102.9", rec.Fields["value"])
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), rec.Timestamp.UTC())
	assert.NotEmpty(t, rec.ID)
	assert.False(t, rec.ProcessedAt.IsZero())

	status := integ.Status()
	assert.Equal(t, source.StateConnected, status.Sources["indicators"].State)
	assert.True(t, status.Tasks["indicators"].Running)
	assert.Contains(t, status.CacheKeys, "econ/indicators")

	require.NoError(t, integ.StopSource(context.Background(), "indicators"))
	waitFor(t, 2*time.Second, func() bool { return integ.Status().Buffer.Length == 0 })
	require.NoError(t, integ.StopProcessing(context.Background()))
	assert.False(t, integ.ProcessingRunning())
	assert.Equal(t, 0, integ.Status().Buffer.Length)

	// persisted partition replays the processed record
	persisted, err := integ.sink.Read("econ", "indicators", rec.ProcessedAt)
	require.NoError(t, err)
	require.NotEmpty(t, persisted)
	assert.Equal(t, rec.ID, persisted[0].ID)
}

func TestIntegratorRegisterDuplicate(t *testing.T) {
	path := writeCSV(t, "timestamp,v\n2026-01-01T00:00:00Z,1\n")
	integ := newIntegrator(t)

	require.NoError(t, integ.RegisterSource(econSource(t, path)))
	err := integ.RegisterSource(econSource(t, path))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConflict))
}

func TestIntegratorRemoveSource(t *testing.T) {
	path := writeCSV(t, "timestamp,v\n2026-01-01T00:00:00Z,1\n")
	integ := newIntegrator(t)

	removed, err := integ.RemoveSource(context.Background(), "ghost")
	require.NoError(t, err)
	assert.False(t, removed)

	require.NoError(t, integ.RegisterSource(econSource(t, path)))
	require.NoError(t, integ.StartSource(context.Background(), "indicators", time.Hour))

	removed, err = integ.RemoveSource(context.Background(), "indicators")
	require.NoError(t, err)
	assert.True(t, removed)

	// the collection task went with the source
	err = integ.StopSource(context.Background(), "indicators")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))

	// and the name is free again
	err = integ.StartSource(context.Background(), "indicators", time.Hour)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

func TestIntegratorRemoveSourceBlocksConcurrentStart(t *testing.T) {
	integ := newIntegrator(t)
	src := newBlockingSource("slow")
	require.NoError(t, integ.RegisterSource(src))
	require.NoError(t, integ.StartSource(context.Background(), "slow", time.Hour))
	<-src.started

	type result struct {
		removed bool
		err     error
	}
	done := make(chan result, 1)
	go func() {
		removed, err := integ.RemoveSource(context.Background(), "slow")
		done <- result{removed, err}
	}()

	// with the stop join held in flight, starting the source must be
	// refused rather than installing a task the removal would orphan
	waitFor(t, 2*time.Second, func() bool {
		err := integ.StartSource(context.Background(), "slow", time.Hour)
		return errors.IsType(err, errors.ErrorTypeConflict)
	})

	close(src.release)
	res := <-done
	require.NoError(t, res.err)
	assert.True(t, res.removed)

	err := integ.StartSource(context.Background(), "slow", time.Hour)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
	assert.Empty(t, integ.Status().Tasks)
}

func TestIntegratorCloseSurvivesStalledTask(t *testing.T) {
	cfg := config.New()
	cfg.Pipeline.DequeueWait = 10 * time.Millisecond
	cfg.Pipeline.StopTimeout = 100 * time.Millisecond
	cfg.Persistence.Dir = t.TempDir()
	integ, err := NewIntegrator(cfg, zap.NewNop())
	require.NoError(t, err)

	stalled := newBlockingSource("stalled")
	healthy := newStubSource()
	require.NoError(t, integ.RegisterSource(stalled))
	require.NoError(t, integ.RegisterSource(healthy))
	require.NoError(t, integ.StartSource(context.Background(), "stalled", time.Hour))
	require.NoError(t, integ.StartSource(context.Background(), "stub", 10*time.Millisecond))
	<-stalled.started
	t.Cleanup(func() { close(stalled.release) })

	// the stalled source misses its join window; the healthy one must
	// still be stopped cleanly rather than having its join cut short
	err = integ.Close(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeTimeout))

	count := healthy.fetchCount()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, count, healthy.fetchCount())
}

func TestIntegratorStartSourceValidation(t *testing.T) {
	path := writeCSV(t, "timestamp,v\n2026-01-01T00:00:00Z,1\n")
	integ := newIntegrator(t)
	require.NoError(t, integ.RegisterSource(econSource(t, path)))

	err := integ.StartSource(context.Background(), "indicators", 0)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	err = integ.StartSource(context.Background(), "ghost", time.Second)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))

	require.NoError(t, integ.StartSource(context.Background(), "indicators", time.Hour))
	require.NoError(t, integ.StartSource(context.Background(), "indicators", time.Hour))
}

func TestIntegratorBuffersWhileWorkerStopped(t *testing.T) {
	path := writeCSV(t, "timestamp,v\n2026-01-01T00:00:00Z,1\n")
	integ := newIntegrator(t)
	require.NoError(t, integ.RegisterSource(econSource(t, path)))
	require.NoError(t, integ.StartSource(context.Background(), "indicators", 20*time.Millisecond))

	waitFor(t, 2*time.Second, func() bool { return integ.Status().Buffer.Length >= 2 })
	assert.Empty(t, integ.Latest("", "", 0))

	// the backlog drains once processing starts
	require.NoError(t, integ.StartProcessing(context.Background()))
	waitFor(t, 2*time.Second, func() bool {
		return len(integ.Latest("econ", "indicators", 0)) >= 2
	})
}

func TestIntegratorLatestFilters(t *testing.T) {
	econPath := writeCSV(t, "timestamp,v\n2026-01-01T00:00:00Z,1\n")
	wxPath := writeCSV(t, "timestamp,temp\n2026-01-01T00:00:00Z,21.4\n")

	integ := newIntegrator(t)
	require.NoError(t, integ.RegisterSource(econSource(t, econPath)))

	wx, err := source.New(config.SourceConfig{
		Name:     "station",
		Domain:   "weather",
		Type:     "csv",
		Settings: map[string]string{"path": wxPath},
	}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, integ.RegisterSource(wx))

	require.NoError(t, integ.StartProcessing(context.Background()))
	require.NoError(t, integ.StartSource(context.Background(), "indicators", 20*time.Millisecond))
	require.NoError(t, integ.StartSource(context.Background(), "station", 20*time.Millisecond))

	waitFor(t, 2*time.Second, func() bool {
		return len(integ.Latest("econ", "", 0)) > 0 && len(integ.Latest("weather", "", 0)) > 0
	})

	for _, rec := range integ.Latest("econ", "", 0) {
		assert.Equal(t, "econ", rec.Domain)
	}
	for _, rec := range integ.Latest("", "station", 0) {
		assert.Equal(t, "station", rec.Source)
	}
	assert.Empty(t, integ.Latest("econ", "station", 0))
}

func TestIntegratorCloseStopsEverything(t *testing.T) {
	path := writeCSV(t, "timestamp,v\n2026-01-01T00:00:00Z,1\n")

	cfg := config.New()
	cfg.Pipeline.DequeueWait = 10 * time.Millisecond
	cfg.Persistence.Dir = t.TempDir()
	integ, err := NewIntegrator(cfg, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, integ.RegisterSource(econSource(t, path)))
	require.NoError(t, integ.StartSource(context.Background(), "indicators", 20*time.Millisecond))
	require.NoError(t, integ.StartProcessing(context.Background()))

	require.NoError(t, integ.Close(context.Background()))
	assert.False(t, integ.ProcessingRunning())
	assert.Empty(t, integ.Status().Tasks)
}

func TestIntegratorRejectsInvalidConfig(t *testing.T) {
	cfg := config.New()
	cfg.Persistence.Dir = t.TempDir()
	cfg.Pipeline.BufferSize = -1

	_, err := NewIntegrator(cfg, zap.NewNop())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}
