// Package source defines the polymorphic data source capability set and
// its three implementations: API-backed, delimited-file-backed and
// relational-query-backed. A source knows how to connect to its origin,
// fetch one raw payload, and transform that payload into the canonical
// record envelope. Sources classify their own failures into connection
// errors (origin unreachable) and protocol errors (unexpected response
// shape) before returning to the collection loop.
package source

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/confluxdata/conflux/pkg/models"
)

// ConnState represents the connection state of a source
type ConnState string

const (
	// StateDisconnected means the source has not connected yet
	StateDisconnected ConnState = "disconnected"
	// StateConnected means the last connect succeeded
	StateConnected ConnState = "connected"
	// StateError means the last connect or fetch failed
	StateError ConnState = "error"
)

// Status is a point-in-time snapshot of a source's connection state.
type Status struct {
	State      ConnState `json:"state"`
	LastUpdate time.Time `json:"last_update,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
}

// RawRecord is the transient, protocol-specific payload returned by a
// fetch. It never survives past the transform step.
type RawRecord map[string]interface{}

// rowsKey carries tabular payloads (file and query sources) inside a
// RawRecord. Each row is itself a RawRecord.
const rowsKey = "rows"

// Source is the capability set every data source implements.
//
// Connect is idempotent; success sets the connected state and clears
// the last error, failure records a classified error. Fetch requires a
// connection and auto-connects once if there is none. Transform is pure
// and never fails: malformed input degrades to a minimal envelope
// rather than erroring, and transform never mutates connection state.
type Source interface {
	Name() string
	Domain() string
	Connect(ctx context.Context) error
	Fetch(ctx context.Context) (RawRecord, error)
	Transform(raw RawRecord) models.Record
	Status() Status
	Close(ctx context.Context) error
}

// baseSource carries the identity and status bookkeeping shared by all
// source implementations.
type baseSource struct {
	name   string
	domain string
	logger *zap.Logger

	mu         sync.RWMutex
	state      ConnState
	lastUpdate time.Time
	lastError  string
}

func newBaseSource(name, domain string, logger *zap.Logger) baseSource {
	return baseSource{
		name:   name,
		domain: domain,
		logger: logger.With(zap.String("source", name), zap.String("domain", domain)),
		state:  StateDisconnected,
	}
}

// Name returns the source name.
func (b *baseSource) Name() string { return b.name }

// Domain returns the source domain.
func (b *baseSource) Domain() string { return b.domain }

// Status returns a snapshot of the connection state.
func (b *baseSource) Status() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Status{
		State:      b.state,
		LastUpdate: b.lastUpdate,
		LastError:  b.lastError,
	}
}

// connected reports whether the source currently considers itself connected.
func (b *baseSource) connected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state == StateConnected
}

// markConnected records a successful connect and clears the last error.
func (b *baseSource) markConnected() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateConnected
	b.lastError = ""
}

// markDisconnected records an orderly disconnect.
func (b *baseSource) markDisconnected() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateDisconnected
}

// markError records a classified failure.
func (b *baseSource) markError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateError
	b.lastError = err.Error()
}

// markFetched advances LastUpdate after a successful fetch.
func (b *baseSource) markFetched() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUpdate = time.Now()
}

// envelope builds the minimal canonical record for this source.
func (b *baseSource) envelope(ts time.Time) models.Record {
	if ts.IsZero() {
		ts = time.Now()
	}
	return models.Record{
		Timestamp: ts,
		Domain:    b.domain,
		Source:    b.name,
		Fields:    map[string]interface{}{},
	}
}

// flattenInto copies the scalar values of raw into the record's fields,
// skipping nested objects and arrays.
func flattenInto(rec *models.Record, raw RawRecord) {
	for k, v := range raw {
		switch t := v.(type) {
		case string, bool, int, int32, int64, float32, float64, nil:
			rec.Fields[k] = v
		case time.Time:
			rec.Fields[k] = t.UTC().Format(time.RFC3339Nano)
		}
	}
}

// parseTimestamp attempts to interpret v as a point in time. It accepts
// time.Time values, RFC3339 strings and Unix-second numbers.
func parseTimestamp(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return ts, true
		}
		if ts, err := time.Parse(time.RFC3339, t); err == nil {
			return ts, true
		}
	case float64:
		if t > 0 {
			return time.Unix(int64(t), 0), true
		}
	case int64:
		if t > 0 {
			return time.Unix(t, 0), true
		}
	}
	return time.Time{}, false
}
