// Package queue provides a client for the generation server's session queue
// REST API: batch enqueueing, queue item lookup and cancellation.
package queue

import (
	"strings"
	"time"
)

// Default client settings.
const (
	DefaultBaseURL    = "http://127.0.0.1:9090"
	DefaultAPIPrefix  = "/api/v1"
	DefaultQueueID    = "default"
	DefaultTimeout    = 30 * time.Second
	DefaultMaxRetries = 3
	DefaultRetryDelay = 500 * time.Millisecond
	DefaultRatePerSec = 20.0
	DefaultRateBurst  = 5
)

// Config holds the queue client configuration.
type Config struct {
	// BaseURL is the server root, e.g. http://127.0.0.1:9090.
	BaseURL string

	// APIPrefix is prepended to every REST path.
	APIPrefix string

	// QueueID names the session queue.
	QueueID string

	// Timeout is the HTTP client timeout for each request.
	Timeout time.Duration

	// MaxRetries is the maximum number of retry attempts for transient failures.
	MaxRetries int

	// RetryDelay is the initial delay between retries (exponential backoff applied).
	RetryDelay time.Duration

	// RequestsPerSecond caps the request rate. Zero disables limiting.
	RequestsPerSecond float64
}

// DefaultConfig returns a Config for a local server.
func DefaultConfig() Config {
	return Config{
		BaseURL:           DefaultBaseURL,
		APIPrefix:         DefaultAPIPrefix,
		QueueID:           DefaultQueueID,
		Timeout:           DefaultTimeout,
		MaxRetries:        DefaultMaxRetries,
		RetryDelay:        DefaultRetryDelay,
		RequestsPerSecond: DefaultRatePerSec,
	}
}

// WithBaseURL returns a copy of the config pointing at the given server.
func (c Config) WithBaseURL(url string) Config {
	c.BaseURL = strings.TrimRight(url, "/")
	return c
}

// WithQueueID returns a copy of the config using the given queue.
func (c Config) WithQueueID(id string) Config {
	c.QueueID = id
	return c
}

// WithTimeout returns a copy of the config with the specified timeout.
func (c Config) WithTimeout(timeout time.Duration) Config {
	c.Timeout = timeout
	return c
}

// WithRetries returns a copy of the config with the specified retry settings.
func (c Config) WithRetries(maxRetries int, retryDelay time.Duration) Config {
	c.MaxRetries = maxRetries
	c.RetryDelay = retryDelay
	return c
}

// WithRateLimit returns a copy of the config with the given request rate.
func (c Config) WithRateLimit(perSecond float64) Config {
	c.RequestsPerSecond = perSecond
	return c
}

func (c Config) endpoint(path string) string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.APIPrefix, "/") + path
}
