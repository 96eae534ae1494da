package models

import (
	"testing"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordValid(t *testing.T) {
	ts := time.Date(2026, 1, 15, 8, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		rec  Record
		want bool
	}{
		{"complete", Record{Timestamp: ts, Domain: "weather", Source: "wx"}, true},
		{"zero timestamp", Record{Domain: "weather", Source: "wx"}, false},
		{"missing domain", Record{Timestamp: ts, Source: "wx"}, false},
		{"missing source", Record{Timestamp: ts, Domain: "weather"}, false},
		{"empty", Record{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.rec.Valid())
		})
	}
}

func TestProcessedRecordKey(t *testing.T) {
	p := ProcessedRecord{Record: Record{Domain: "econ", Source: "indicators"}}
	assert.Equal(t, "econ/indicators", p.Key())
}

func TestProcessedRecordFlatJSON(t *testing.T) {
	p := ProcessedRecord{
		Record: Record{
			Timestamp: time.Date(2026, 1, 15, 8, 0, 0, 0, time.UTC),
			Domain:    "weather",
			Source:    "wx",
			Fields: map[string]interface{}{
				"temp":     21.4,
				"humidity": 63.0,
			},
		},
		ID:          "rec-1",
		ProcessedAt: time.Date(2026, 1, 15, 8, 0, 1, 0, time.UTC),
	}

	data, err := gojson.Marshal(p)
	require.NoError(t, err)

	var flat map[string]interface{}
	require.NoError(t, gojson.Unmarshal(data, &flat))

	// flat layout: envelope and payload share one level
	assert.Equal(t, "2026-01-15T08:00:00Z", flat["timestamp"])
	assert.Equal(t, "weather", flat["domain"])
	assert.Equal(t, "wx", flat["source"])
	assert.Equal(t, "2026-01-15T08:00:01Z", flat["processed_at"])
	assert.Equal(t, "rec-1", flat["id"])
	assert.Equal(t, 21.4, flat["temp"])
	assert.NotContains(t, flat, "Fields")

	var back ProcessedRecord
	require.NoError(t, gojson.Unmarshal(data, &back))
	assert.Equal(t, p.ID, back.ID)
	assert.Equal(t, p.Domain, back.Domain)
	assert.Equal(t, p.Source, back.Source)
	assert.True(t, p.Timestamp.Equal(back.Timestamp))
	assert.True(t, p.ProcessedAt.Equal(back.ProcessedAt))
	assert.Equal(t, 21.4, back.Fields["temp"])
	assert.NotContains(t, back.Fields, "id")
}

func TestProcessedRecordCollisionPrecedence(t *testing.T) {
	p := ProcessedRecord{
		Record: Record{
			Timestamp: time.Date(2026, 1, 15, 8, 0, 0, 0, time.UTC),
			Domain:    "econ",
			Source:    "indicators",
			Fields: map[string]interface{}{
				"source": "payload-source",
				"id":     "payload-id",
				"value":  1.5,
			},
		},
		ID:          "rec-2",
		ProcessedAt: time.Date(2026, 1, 15, 8, 0, 1, 0, time.UTC),
	}

	data, err := gojson.Marshal(p)
	require.NoError(t, err)

	var flat map[string]interface{}
	require.NoError(t, gojson.Unmarshal(data, &flat))

	assert.Equal(t, "indicators", flat["source"])
	assert.Equal(t, "rec-2", flat["id"])
	assert.Equal(t, 1.5, flat["value"])
}
