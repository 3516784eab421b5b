// Package httpclient wraps http.Client with retry, circuit breaker, and
// tracing, shared by the enrichment client (C7) and the attachment
// fetcher (C11) so both external-API callers get the same resilience
// posture.
package httpclient

import (
	"context"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/tfp-event-fabric/fabric/pkg/resilience"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Config controls timeouts, retry count, and circuit breaker behavior.
type Config struct {
	ConnectTimeout time.Duration `env:"HTTP_CLIENT_CONNECT_TIMEOUT" env-default:"5s"`
	ReadTimeout    time.Duration `env:"HTTP_CLIENT_READ_TIMEOUT" env-default:"10s"`
	Retries        int           `env:"HTTP_CLIENT_RETRIES" env-default:"3"`
	UserAgent      string        `env:"HTTP_CLIENT_USER_AGENT" env-default:"tfp-event-fabric"`

	CircuitBreakerEnabled   bool          `env:"HTTP_CLIENT_CB_ENABLED" env-default:"true"`
	CircuitBreakerThreshold int64         `env:"HTTP_CLIENT_CB_THRESHOLD" env-default:"5"`
	CircuitBreakerTimeout   time.Duration `env:"HTTP_CLIENT_CB_TIMEOUT" env-default:"30s"`
}

// Client wraps http.Client with resilience features.
type Client struct {
	httpClient     *http.Client
	circuitBreaker *resilience.CircuitBreaker
	config         Config
}

// New creates a robust HTTP client with retries, circuit breaker, and OTel tracing.
func New(name string, cfg Config) *Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = cfg.Retries
	retryClient.HTTPClient.Timeout = cfg.ConnectTimeout + cfg.ReadTimeout
	retryClient.Logger = nil
	// Hand the final 5xx response back (instead of a "giving up" error)
	// so Do can report it to the circuit breaker and the caller.
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler

	baseTransport := retryClient.HTTPClient.Transport
	if baseTransport == nil {
		baseTransport = http.DefaultTransport
	}
	retryClient.HTTPClient.Transport = otelhttp.NewTransport(baseTransport)

	client := &Client{
		httpClient: retryClient.StandardClient(),
		config:     cfg,
	}

	if cfg.CircuitBreakerEnabled {
		client.circuitBreaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:             name,
			FailureThreshold: cfg.CircuitBreakerThreshold,
			SuccessThreshold: 2,
			Timeout:          cfg.CircuitBreakerTimeout,
		})
	}

	return client
}

// Do executes the request with circuit breaker protection.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}

	if c.circuitBreaker == nil {
		return c.httpClient.Do(req)
	}

	var resp *http.Response
	err := c.circuitBreaker.Execute(req.Context(), func(ctx context.Context) error {
		var err error
		resp, err = c.httpClient.Do(req.WithContext(ctx))
		if err == nil && resp != nil && resp.StatusCode >= 500 {
			return &serverError{statusCode: resp.StatusCode}
		}
		return err
	})

	if _, ok := err.(*serverError); ok {
		return resp, nil
	}
	return resp, err
}

type serverError struct{ statusCode int }

func (e *serverError) Error() string { return "server error" }
