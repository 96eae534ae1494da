package pipeline

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/confluxdata/conflux/pkg/cache"
	"github.com/confluxdata/conflux/pkg/config"
	"github.com/confluxdata/conflux/pkg/errors"
	"github.com/confluxdata/conflux/pkg/models"
	"github.com/confluxdata/conflux/pkg/sink"
	"github.com/confluxdata/conflux/pkg/source"
)

// Status is the aggregated snapshot returned by Integrator.Status.
type Status struct {
	Sources   map[string]source.Status `json:"sources"`
	Tasks     map[string]TaskStatus    `json:"tasks"`
	Buffer    BufferStatus             `json:"buffer"`
	CacheKeys []string                 `json:"cache_keys"`
}

// BufferStatus describes the shared buffer.
type BufferStatus struct {
	Length   int    `json:"length"`
	Capacity int    `json:"capacity"`
	Dropped  uint64 `json:"dropped"`
}

// Integrator is the facade composing sources, collection tasks, the
// shared buffer, the processing worker, the cache and the sink. It is
// the sole read/write surface for the rest of the application: external
// consumers touch only Latest and Status.
type Integrator struct {
	cfg    *config.Config
	logger *zap.Logger

	buffer *Buffer
	cache  *cache.Cache
	sink   *sink.Sink
	worker *Worker

	mu       sync.RWMutex
	sources  map[string]source.Source
	tasks    map[string]*Task
	removing map[string]struct{}
}

// NewIntegrator builds the pipeline from configuration.
func NewIntegrator(cfg *config.Config, logger *zap.Logger) (*Integrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid configuration")
	}

	buffer := NewBuffer(cfg.Pipeline.BufferSize, cfg.Pipeline.OverflowPolicy)
	recordCache := cache.New(cfg.Cache.MaxPerKey)

	dataSink, err := sink.New(sink.Options{
		Dir:  cfg.Persistence.Dir,
		Gzip: cfg.Persistence.Compression == "gzip",
	}, logger)
	if err != nil {
		return nil, err
	}

	worker := NewWorker(buffer, recordCache, dataSink,
		cfg.Pipeline.DequeueWait, cfg.Pipeline.StopTimeout, logger)

	return &Integrator{
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "integrator")),
		buffer:   buffer,
		cache:    recordCache,
		sink:     dataSink,
		worker:   worker,
		sources:  make(map[string]source.Source),
		tasks:    make(map[string]*Task),
		removing: make(map[string]struct{}),
	}, nil
}

// AddDerive registers a derived-field computation on the worker. Call
// before StartProcessing.
func (i *Integrator) AddDerive(fn DeriveFunc) {
	i.worker.AddDerive(fn)
}

// RegisterSource adds a source to the registry. Duplicate names are a
// conflict.
func (i *Integrator) RegisterSource(src source.Source) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	name := src.Name()
	if _, exists := i.sources[name]; exists {
		return errors.Newf(errors.ErrorTypeConflict, "source %s already registered", name)
	}

	i.sources[name] = src
	i.logger.Info("source registered",
		zap.String("source", name), zap.String("domain", src.Domain()))
	return nil
}

// RemoveSource stops any running task for the source, then deletes the
// registry entry. Unknown names return (false, nil). A task that fails
// to stop within the timeout surfaces as an error and the entry stays.
// While the stop is in flight the name is marked pending-removal so a
// concurrent StartSource cannot install a task the removal would orphan.
func (i *Integrator) RemoveSource(ctx context.Context, name string) (bool, error) {
	i.mu.Lock()
	src, exists := i.sources[name]
	if !exists {
		i.mu.Unlock()
		return false, nil
	}
	if _, busy := i.removing[name]; busy {
		i.mu.Unlock()
		return false, errors.Newf(errors.ErrorTypeConflict, "source %s is already being removed", name)
	}
	i.removing[name] = struct{}{}
	task := i.tasks[name]
	i.mu.Unlock()

	if task != nil {
		if err := task.Stop(ctx); err != nil {
			i.mu.Lock()
			delete(i.removing, name)
			i.mu.Unlock()
			return false, errors.Wrap(err, errors.ErrorTypeTimeout, "cannot remove source "+name)
		}
	}

	i.mu.Lock()
	delete(i.sources, name)
	delete(i.tasks, name)
	delete(i.removing, name)
	i.mu.Unlock()

	if err := src.Close(ctx); err != nil {
		i.logger.Warn("failed to close removed source",
			zap.String("source", name), zap.Error(err))
	}

	i.logger.Info("source removed", zap.String("source", name))
	return true, nil
}

// StartSource begins polling a registered source at the given interval.
// Starting an already-running source is a no-op success. Sources may
// buffer while the worker is stopped, up to buffer capacity.
func (i *Integrator) StartSource(ctx context.Context, name string, interval time.Duration) error {
	if interval <= 0 {
		return errors.New(errors.ErrorTypeConfig, "interval must be positive")
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	src, exists := i.sources[name]
	if !exists {
		return errors.Newf(errors.ErrorTypeNotFound, "source %s not registered", name)
	}
	if _, busy := i.removing[name]; busy {
		return errors.Newf(errors.ErrorTypeConflict, "source %s is being removed", name)
	}

	if task, running := i.tasks[name]; running && task.Running() {
		return nil
	}

	task := NewTask(src, interval, i.buffer, i.cfg.Pipeline.StopTimeout, i.logger)
	task.Start()
	i.tasks[name] = task
	return nil
}

// StopSource stops the source's collection task.
func (i *Integrator) StopSource(ctx context.Context, name string) error {
	i.mu.Lock()
	task, exists := i.tasks[name]
	i.mu.Unlock()

	if !exists {
		return errors.Newf(errors.ErrorTypeNotFound, "source %s has no collection task", name)
	}

	if err := task.Stop(ctx); err != nil {
		return err
	}

	i.mu.Lock()
	// a concurrent StartSource may have installed a fresh task while the
	// lock was released; only delete the one that was stopped
	if i.tasks[name] == task {
		delete(i.tasks, name)
	}
	i.mu.Unlock()
	return nil
}

// StartProcessing starts the single processing worker, independent of
// any source.
func (i *Integrator) StartProcessing(ctx context.Context) error {
	i.worker.Start()
	return nil
}

// StopProcessing stops the processing worker and flushes the sink.
func (i *Integrator) StopProcessing(ctx context.Context) error {
	if err := i.worker.Stop(ctx); err != nil {
		return err
	}
	if err := i.sink.Flush(); err != nil {
		i.logger.Warn("failed to flush sink", zap.Error(err))
	}
	return nil
}

// Latest returns up to limit processed records matching the optional
// domain and source filters, newest first. This is the only read path
// for external consumers; it never fails for internal pipeline faults.
func (i *Integrator) Latest(domain, src string, limit int) []models.ProcessedRecord {
	return i.cache.Latest(domain, src, limit)
}

// Status returns the aggregated pipeline snapshot.
func (i *Integrator) Status() Status {
	i.mu.RLock()
	sources := make(map[string]source.Status, len(i.sources))
	for name, src := range i.sources {
		sources[name] = src.Status()
	}
	tasks := make(map[string]TaskStatus, len(i.tasks))
	for name, task := range i.tasks {
		tasks[name] = task.Snapshot()
	}
	i.mu.RUnlock()

	return Status{
		Sources: sources,
		Tasks:   tasks,
		Buffer: BufferStatus{
			Length:   i.buffer.Len(),
			Capacity: i.buffer.Cap(),
			Dropped:  i.buffer.Dropped(),
		},
		CacheKeys: i.cache.Keys(),
	}
}

// ProcessingRunning reports whether the worker loop is active.
func (i *Integrator) ProcessingRunning() bool {
	return i.worker.Running()
}

// Close stops all collection tasks in parallel, then the worker, then
// closes the sink and all sources.
func (i *Integrator) Close(ctx context.Context) error {
	i.mu.Lock()
	tasks := make([]*Task, 0, len(i.tasks))
	for _, task := range i.tasks {
		tasks = append(tasks, task)
	}
	i.tasks = make(map[string]*Task)
	sources := make([]source.Source, 0, len(i.sources))
	for _, src := range i.sources {
		sources = append(sources, src)
	}
	i.mu.Unlock()

	// no shared cancellation: one stalled stop must not cut short the
	// others' joins
	var g errgroup.Group
	for _, task := range tasks {
		task := task
		g.Go(func() error {
			return task.Stop(ctx)
		})
	}
	err := g.Wait()

	if werr := i.worker.Stop(ctx); werr != nil && err == nil {
		err = werr
	}

	for _, src := range sources {
		if cerr := src.Close(ctx); cerr != nil {
			i.logger.Warn("failed to close source",
				zap.String("source", src.Name()), zap.Error(cerr))
		}
	}

	if serr := i.sink.Close(); serr != nil && err == nil {
		err = serr
	}

	i.logger.Info("pipeline closed")
	return err
}
