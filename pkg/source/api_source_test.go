package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/confluxdata/conflux/pkg/config"
	"github.com/confluxdata/conflux/pkg/errors"
)

func newAPISource(t *testing.T, url string, settings map[string]string) *APISource {
	t.Helper()
	if settings == nil {
		settings = map[string]string{}
	}
	settings["url"] = url
	src, err := NewAPISource(config.SourceConfig{
		Name:     "wx",
		Domain:   "weather",
		Type:     "api",
		Interval: time.Second,
		Settings: settings,
	}, zap.NewNop())
	require.NoError(t, err)
	return src.(*APISource)
}

func TestAPISourceRequiresURL(t *testing.T) {
	_, err := NewAPISource(config.SourceConfig{Name: "wx", Domain: "weather"}, zap.NewNop())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestAPISourceConnect(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	src := newAPISource(t, server.URL, nil)
	require.NoError(t, src.Connect(context.Background()))
	assert.Equal(t, StateConnected, src.Status().State)
	assert.Empty(t, src.Status().LastError)
}

func TestAPISourceConnectFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	src := newAPISource(t, server.URL, nil)
	err := src.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConnection))
	assert.Equal(t, StateError, src.Status().State)
}

func TestAPISourceFetchExtractsPath(t *testing.T) {
	var gotHeader, gotParam string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Api-Key")
		gotParam = r.URL.Query().Get("units")
		_, _ = w.Write([]byte(`{"data":{"current":{"temp":21.4,"humidity":63,"station":"осло","nested":{"skip":"me"},"ts":"2026-03-14T10:00:00Z"}}}`))
	}))
	defer server.Close()

	src := newAPISource(t, server.URL, map[string]string{
		"path":             "data.current",
		"timestamp_field":  "ts",
		"header.X-Api-Key": "secret",
		"param.units":      "metric",
	})

	raw, err := src.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "secret", gotHeader)
	assert.Equal(t, "metric", gotParam)

	rec := src.Transform(raw)
	assert.Equal(t, "weather", rec.Domain)
	assert.Equal(t, "wx", rec.Source)
	assert.Equal(t, 21.4, rec.Fields["temp"])
	assert.Equal(t, float64(63), rec.Fields["humidity"])
	// nested objects are not flattened into the envelope
	assert.NotContains(t, rec.Fields, "nested")
	assert.Equal(t, time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC), rec.Timestamp.UTC())
}

func TestAPISourceFetchScalarLeaf(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"rate":1.0842}`))
	}))
	defer server.Close()

	src := newAPISource(t, server.URL, map[string]string{"path": "rate"})

	raw, err := src.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1.0842, raw["value"])
}

func TestAPISourceFetchProtocolErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		path string
	}{
		{"not json", "<html>oops</html>", ""},
		{"missing path", `{"data":{}}`, "data.current"},
		{"path through scalar", `{"data":42}`, "data.current"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			src := newAPISource(t, server.URL, map[string]string{"path": tt.path})
			_, err := src.Fetch(context.Background())
			require.Error(t, err)
			assert.True(t, errors.IsType(err, errors.ErrorTypeProtocol))
			assert.Equal(t, StateError, src.Status().State)
		})
	}
}

func TestAPISourceFetchServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	src := newAPISource(t, server.URL, nil)
	src.markConnected() // skip the connect probe

	_, err := src.Fetch(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConnection))
}

func TestAPISourceFetchAutoConnects(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"v":1}`))
	}))
	defer server.Close()

	src := newAPISource(t, server.URL, nil)
	require.Equal(t, StateDisconnected, src.Status().State)

	_, err := src.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateConnected, src.Status().State)
}

func TestAPISourceTransformMalformed(t *testing.T) {
	src := newAPISource(t, "http://localhost:1", nil)

	rec := src.Transform(RawRecord{"deep": map[string]interface{}{"x": 1}})
	assert.Equal(t, "weather", rec.Domain)
	assert.False(t, rec.Timestamp.IsZero())
	assert.Empty(t, rec.Fields)
}
