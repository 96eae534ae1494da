package clients

import (
	"context"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/confluxdata/conflux/pkg/errors"
)

// HTTPConfig configures the HTTP client
type HTTPConfig struct {
	// Connection settings
	MaxIdleConns        int           `json:"max_idle_conns"`
	MaxIdleConnsPerHost int           `json:"max_idle_conns_per_host"`
	IdleConnTimeout     time.Duration `json:"idle_conn_timeout"`

	// Timeouts
	DialTimeout    time.Duration `json:"dial_timeout"`
	RequestTimeout time.Duration `json:"request_timeout"`

	// Rate limiting (requests per second, 0 = unlimited)
	RateLimit float64 `json:"rate_limit"`
	RateBurst int     `json:"rate_burst"`

	// Circuit breaker
	FailureThreshold int           `json:"failure_threshold"`
	SuccessThreshold int           `json:"success_threshold"`
	BreakerTimeout   time.Duration `json:"breaker_timeout"`
}

// DefaultHTTPConfig returns a config suitable for polling external APIs.
func DefaultHTTPConfig() *HTTPConfig {
	return &HTTPConfig{
		MaxIdleConns:        32,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
		DialTimeout:         10 * time.Second,
		RequestTimeout:      30 * time.Second,
		FailureThreshold:    5,
		SuccessThreshold:    3,
		BreakerTimeout:      30 * time.Second,
	}
}

// HTTPClient wraps net/http with connection pooling, token-bucket rate
// limiting and circuit breaker protection. One client is shared per
// API-backed source.
type HTTPClient struct {
	config         *HTTPConfig
	logger         *zap.Logger
	httpClient     *http.Client
	circuitBreaker *CircuitBreaker
	rateLimiter    *rate.Limiter

	totalRequests  int64
	failedRequests int64
}

// NewHTTPClient creates an HTTP client from the given configuration.
func NewHTTPClient(config *HTTPConfig, logger *zap.Logger) *HTTPClient {
	if config == nil {
		config = DefaultHTTPConfig()
	}

	transport := &http.Transport{
		MaxIdleConns:        config.MaxIdleConns,
		MaxIdleConnsPerHost: config.MaxIdleConnsPerHost,
		IdleConnTimeout:     config.IdleConnTimeout,
		DialContext: (&net.Dialer{
			Timeout: config.DialTimeout,
		}).DialContext,
	}

	c := &HTTPClient{
		config: config,
		logger: logger.With(zap.String("component", "http_client")),
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   config.RequestTimeout,
		},
		circuitBreaker: NewCircuitBreaker(CircuitBreakerConfig{
			FailureThreshold: config.FailureThreshold,
			SuccessThreshold: config.SuccessThreshold,
			Timeout:          config.BreakerTimeout,
		}, logger),
	}

	if config.RateLimit > 0 {
		burst := config.RateBurst
		if burst <= 0 {
			burst = int(config.RateLimit) * 2
		}
		if burst < 1 {
			burst = 1
		}
		c.rateLimiter = rate.NewLimiter(rate.Limit(config.RateLimit), burst)
	}

	return c
}

// Do executes the request with rate limiting and circuit breaking.
// Transport-level failures and 5xx responses trip the breaker; other
// responses are returned to the caller for protocol-level handling.
func (c *HTTPClient) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if c.rateLimiter != nil {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeRateLimit, "rate limit wait cancelled")
		}
	}

	if err := c.circuitBreaker.Allow(); err != nil {
		return nil, err
	}

	atomic.AddInt64(&c.totalRequests, 1)

	resp, err := c.httpClient.Do(req.WithContext(ctx))
	if err != nil {
		atomic.AddInt64(&c.failedRequests, 1)
		c.circuitBreaker.MarkFailure()
		if ctx.Err() != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeTimeout, "request cancelled")
		}
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "request failed")
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		atomic.AddInt64(&c.failedRequests, 1)
		c.circuitBreaker.MarkFailure()
	} else {
		c.circuitBreaker.MarkSuccess()
	}

	return resp, nil
}

// Stats returns request counters and breaker state.
func (c *HTTPClient) Stats() (total, failed int64, breaker CircuitState) {
	return atomic.LoadInt64(&c.totalRequests),
		atomic.LoadInt64(&c.failedRequests),
		c.circuitBreaker.State()
}

// CloseIdleConnections releases pooled transport connections.
func (c *HTTPClient) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}
