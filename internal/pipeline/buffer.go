// Package pipeline implements the Conflux ingest core: per-source
// collection tasks producing into one shared bounded buffer, a single
// processing worker consuming it, and the integrator facade that owns
// all of them. The topology is strictly multi-producer/single-consumer;
// per-producer FIFO order holds, cross-source interleaving is
// unspecified.
package pipeline

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/confluxdata/conflux/pkg/config"
	"github.com/confluxdata/conflux/pkg/metrics"
	"github.com/confluxdata/conflux/pkg/models"
)

// DefaultBufferSize bounds the shared buffer when no size is configured.
const DefaultBufferSize = 10000

// Buffer is the shared bounded queue between collection tasks and the
// processing worker. Enqueue never blocks: a full buffer triggers the
// configured overflow policy and increments the dropped counter, so a
// slow consumer can never stall a producer.
type Buffer struct {
	ch      chan models.Record
	policy  string
	dropped uint64
}

// NewBuffer creates a buffer with the given capacity and overflow
// policy (config.OverflowDropNewest or config.OverflowDropOldest).
func NewBuffer(capacity int, policy string) *Buffer {
	if capacity <= 0 {
		capacity = DefaultBufferSize
	}
	if policy != config.OverflowDropOldest {
		policy = config.OverflowDropNewest
	}
	return &Buffer{
		ch:     make(chan models.Record, capacity),
		policy: policy,
	}
}

// Enqueue offers a record without blocking. It reports whether the
// record was accepted; either way the producer returns immediately.
func (b *Buffer) Enqueue(rec models.Record) bool {
	select {
	case b.ch <- rec:
		metrics.BufferDepth.Set(float64(len(b.ch)))
		return true
	default:
	}

	atomic.AddUint64(&b.dropped, 1)
	metrics.BufferDropped.Inc()

	if b.policy == config.OverflowDropOldest {
		// evict one and retry once; a concurrent dequeue may have
		// already made room
		select {
		case <-b.ch:
		default:
		}
		select {
		case b.ch <- rec:
			metrics.BufferDepth.Set(float64(len(b.ch)))
			return true
		default:
			return false
		}
	}

	return false
}

// Dequeue waits up to wait for a record. It returns false when the wait
// elapses or the context is cancelled, so the consumer can observe stop
// requests promptly.
func (b *Buffer) Dequeue(ctx context.Context, wait time.Duration) (models.Record, bool) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case rec := <-b.ch:
		metrics.BufferDepth.Set(float64(len(b.ch)))
		return rec, true
	case <-timer.C:
		return models.Record{}, false
	case <-ctx.Done():
		return models.Record{}, false
	}
}

// Len returns the current occupancy.
func (b *Buffer) Len() int { return len(b.ch) }

// Cap returns the buffer capacity.
func (b *Buffer) Cap() int { return cap(b.ch) }

// Dropped returns how many records overflow has discarded.
func (b *Buffer) Dropped() uint64 { return atomic.LoadUint64(&b.dropped) }
