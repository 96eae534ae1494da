// Package models provides the canonical record types that flow through
// the Conflux pipeline. Every record produced by a source is wrapped in
// the same envelope (timestamp, domain, source) before it enters the
// shared buffer; the processing worker extends the envelope with
// provenance fields to form the ProcessedRecord that reaches the cache
// and the persistence sink.
package models

import (
	"time"

	gojson "github.com/goccy/go-json"
)

// Reserved envelope keys in the flat JSON layout. Source fields that
// collide with these are dropped during marshaling.
const (
	KeyTimestamp   = "timestamp"
	KeyDomain      = "domain"
	KeySource      = "source"
	KeyProcessedAt = "processed_at"
	KeyID          = "id"
)

// Record is the canonical envelope attached to every value entering the
// pipeline. Fields holds the flattened scalar payload extracted by the
// source's transform step.
type Record struct {
	Timestamp time.Time
	Domain    string
	Source    string
	Fields    map[string]interface{}
}

// Valid reports whether the record carries the full envelope triple.
// Records failing this check must never enter the buffer.
func (r *Record) Valid() bool {
	return !r.Timestamp.IsZero() && r.Domain != "" && r.Source != ""
}

// ProcessedRecord is a Record that has passed through the processing
// worker. It is logically immutable once cached or persisted.
type ProcessedRecord struct {
	Record
	ID          string
	ProcessedAt time.Time
}

// Key returns the (domain, source) cache key for the record.
func (p *ProcessedRecord) Key() string {
	return p.Domain + "/" + p.Source
}

// MarshalJSON renders the record as a single flat object:
// {timestamp, domain, source, processed_at, id, ...fields}.
func (p ProcessedRecord) MarshalJSON() ([]byte, error) {
	flat := make(map[string]interface{}, len(p.Fields)+5)
	for k, v := range p.Fields {
		switch k {
		case KeyTimestamp, KeyDomain, KeySource, KeyProcessedAt, KeyID:
			// envelope keys win over colliding payload fields
		default:
			flat[k] = v
		}
	}
	flat[KeyTimestamp] = p.Timestamp.UTC().Format(time.RFC3339Nano)
	flat[KeyDomain] = p.Domain
	flat[KeySource] = p.Source
	flat[KeyProcessedAt] = p.ProcessedAt.UTC().Format(time.RFC3339Nano)
	flat[KeyID] = p.ID
	return gojson.Marshal(flat)
}

// UnmarshalJSON rebuilds a ProcessedRecord from the flat layout written
// by MarshalJSON. Unknown keys become payload fields.
func (p *ProcessedRecord) UnmarshalJSON(data []byte) error {
	flat := make(map[string]interface{})
	if err := gojson.Unmarshal(data, &flat); err != nil {
		return err
	}

	if s, ok := flat[KeyTimestamp].(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			p.Timestamp = ts
		}
	}
	if s, ok := flat[KeyDomain].(string); ok {
		p.Domain = s
	}
	if s, ok := flat[KeySource].(string); ok {
		p.Source = s
	}
	if s, ok := flat[KeyProcessedAt].(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			p.ProcessedAt = ts
		}
	}
	if s, ok := flat[KeyID].(string); ok {
		p.ID = s
	}

	delete(flat, KeyTimestamp)
	delete(flat, KeyDomain)
	delete(flat, KeySource)
	delete(flat, KeyProcessedAt)
	delete(flat, KeyID)
	p.Fields = flat
	return nil
}
