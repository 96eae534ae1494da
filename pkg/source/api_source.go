package source

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	gojson "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/confluxdata/conflux/pkg/clients"
	"github.com/confluxdata/conflux/pkg/config"
	"github.com/confluxdata/conflux/pkg/errors"
	"github.com/confluxdata/conflux/pkg/models"
)

func init() {
	_ = Register("api", NewAPISource)
}

// maxAPIBody bounds how much of a response body is read. Polling
// payloads are small; anything larger is a misconfigured endpoint.
const maxAPIBody = 4 << 20

// APISource polls a JSON HTTP endpoint. Each fetch issues one request
// built from the configured method, headers and query parameters, then
// extracts the payload object at a dotted field path.
//
// Settings:
//
//	url             endpoint URL (required)
//	method          HTTP method (default GET)
//	path            dotted path to the payload object (e.g. "data.current")
//	timestamp_field payload field holding the record timestamp
//	header.<name>   request header
//	param.<name>    query parameter
type APISource struct {
	baseSource

	client   *clients.HTTPClient
	endpoint string
	method   string
	path     []string
	tsField  string
	headers  map[string]string
	params   map[string]string
}

// NewAPISource creates an API-backed source from its configuration.
func NewAPISource(cfg config.SourceConfig, log *zap.Logger) (Source, error) {
	endpoint := cfg.Setting("url", "")
	if endpoint == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "api source requires settings.url")
	}
	if _, err := url.Parse(endpoint); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid settings.url")
	}

	httpCfg := clients.DefaultHTTPConfig()
	if cfg.RequestTimeout > 0 {
		httpCfg.RequestTimeout = cfg.RequestTimeout
	}
	if cfg.RateLimitPerSec > 0 {
		httpCfg.RateLimit = float64(cfg.RateLimitPerSec)
	}

	s := &APISource{
		baseSource: newBaseSource(cfg.Name, cfg.Domain, log),
		client:     clients.NewHTTPClient(httpCfg, log),
		endpoint:   endpoint,
		method:     strings.ToUpper(cfg.Setting("method", http.MethodGet)),
		tsField:    cfg.Setting("timestamp_field", ""),
		headers:    make(map[string]string),
		params:     make(map[string]string),
	}

	if p := cfg.Setting("path", ""); p != "" {
		s.path = strings.Split(p, ".")
	}
	for k, v := range cfg.Settings {
		switch {
		case strings.HasPrefix(k, "header."):
			s.headers[strings.TrimPrefix(k, "header.")] = v
		case strings.HasPrefix(k, "param."):
			s.params[strings.TrimPrefix(k, "param.")] = v
		}
	}

	return s, nil
}

// Connect issues one cheap request and checks for a success status.
func (s *APISource) Connect(ctx context.Context) error {
	if s.connected() {
		return nil
	}

	req, err := s.buildRequest(ctx)
	if err != nil {
		s.markError(err)
		return err
	}

	resp, err := s.client.Do(ctx, req)
	if err != nil {
		cerr := errors.Wrap(err, errors.ErrorTypeConnection, "connect probe failed")
		s.markError(cerr)
		return cerr
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxAPIBody))
	_ = resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		cerr := errors.Newf(errors.ErrorTypeConnection, "connect probe returned status %d", resp.StatusCode)
		s.markError(cerr)
		return cerr
	}

	s.markConnected()
	s.logger.Info("connected to endpoint", zap.String("url", s.endpoint))
	return nil
}

// Fetch issues one request and returns the extracted payload object.
func (s *APISource) Fetch(ctx context.Context) (RawRecord, error) {
	if !s.connected() {
		if err := s.Connect(ctx); err != nil {
			return nil, err
		}
	}

	req, err := s.buildRequest(ctx)
	if err != nil {
		s.markError(err)
		return nil, err
	}

	resp, err := s.client.Do(ctx, req)
	if err != nil {
		cerr := errors.Wrap(err, errors.ErrorTypeConnection, "fetch failed")
		s.markError(cerr)
		return nil, cerr
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		cerr := errors.Newf(errors.ErrorTypeConnection, "fetch returned status %d", resp.StatusCode)
		s.markError(cerr)
		return nil, cerr
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIBody))
	if err != nil {
		cerr := errors.Wrap(err, errors.ErrorTypeConnection, "failed to read response body")
		s.markError(cerr)
		return nil, cerr
	}

	var payload interface{}
	if err := gojson.Unmarshal(body, &payload); err != nil {
		perr := errors.Wrap(err, errors.ErrorTypeProtocol, "response is not valid JSON")
		s.markError(perr)
		return nil, perr
	}

	extracted, err := extractPath(payload, s.path)
	if err != nil {
		s.markError(err)
		return nil, err
	}

	raw, ok := extracted.(map[string]interface{})
	if !ok {
		// scalar or array leaf; wrap it so the transform still has a payload
		raw = map[string]interface{}{"value": extracted}
	}

	s.markFetched()
	return RawRecord(raw), nil
}

// Transform flattens the payload's scalar fields into the canonical
// envelope. Malformed payloads degrade to the minimal envelope.
func (s *APISource) Transform(raw RawRecord) models.Record {
	ts := time.Time{}
	if s.tsField != "" {
		if v, ok := raw[s.tsField]; ok {
			ts, _ = parseTimestamp(v)
		}
	}
	rec := s.envelope(ts)
	flattenInto(&rec, raw)
	return rec
}

// Close releases pooled connections.
func (s *APISource) Close(ctx context.Context) error {
	s.client.CloseIdleConnections()
	s.markDisconnected()
	return nil
}

// buildRequest constructs the polling request from the template config.
func (s *APISource) buildRequest(ctx context.Context) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, s.method, s.endpoint, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to build request")
	}

	for k, v := range s.headers {
		req.Header.Set(k, v)
	}
	if len(s.params) > 0 {
		q := req.URL.Query()
		for k, v := range s.params {
			q.Set(k, v)
		}
		req.URL.RawQuery = q.Encode()
	}

	return req, nil
}

// extractPath walks a dotted path through nested JSON objects.
func extractPath(payload interface{}, path []string) (interface{}, error) {
	current := payload
	for _, segment := range path {
		obj, ok := current.(map[string]interface{})
		if !ok {
			return nil, errors.Newf(errors.ErrorTypeProtocol, "path segment %q is not an object", segment)
		}
		current, ok = obj[segment]
		if !ok {
			return nil, errors.Newf(errors.ErrorTypeProtocol, "path segment %q not found in response", segment)
		}
	}
	return current, nil
}
