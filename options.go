package pennant

import (
	"log/slog"
	"net/http"
	"time"
)

// Option configures a Pennant client.
type Option func(*clientConfig) error

// WithEndpoint sets the API endpoint. Defaults to DefaultEndpoint.
func WithEndpoint(endpoint string) Option {
	return func(c *clientConfig) error {
		if endpoint == "" {
			return &ConfigError{Field: "endpoint", Message: "must not be empty"}
		}
		c.endpoint = endpoint
		return nil
	}
}

// WithPersonalAPIKey enables local evaluation. The personal API key
// authorizes fetching the full flag definitions; without it every
// evaluation goes to the remote service.
func WithPersonalAPIKey(key string) Option {
	return func(c *clientConfig) error {
		c.personalAPIKey = key
		return nil
	}
}

// WithPollingInterval sets how often flag definitions are refreshed.
// Values below MinPollingInterval are raised to it.
func WithPollingInterval(interval time.Duration) Option {
	return func(c *clientConfig) error {
		if interval <= 0 {
			return &ConfigError{Field: "pollingInterval", Message: "must be positive"}
		}
		c.pollingInterval = interval
		return nil
	}
}

// WithHTTPClient replaces the default HTTP client used for both the
// definition fetches and remote evaluations.
func WithHTTPClient(client *http.Client) Option {
	return func(c *clientConfig) error {
		c.httpClient = client
		return nil
	}
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *clientConfig) error {
		if logger == nil {
			return &ConfigError{Field: "logger", Message: "must not be nil"}
		}
		c.logger = logger
		return nil
	}
}

// WithEventPublisher wires the analytics pipeline that receives
// "$feature_flag_called" events. Without one, events are dropped.
func WithEventPublisher(p Publisher) Option {
	return func(c *clientConfig) error {
		if p == nil {
			return &ConfigError{Field: "publisher", Message: "must not be nil"}
		}
		c.publisher = p
		return nil
	}
}

// WithOnLoaded registers a callback invoked with the flag count after
// every successful rule-set load.
func WithOnLoaded(fn func(count int)) Option {
	return func(c *clientConfig) error {
		c.onLoaded = fn
		return nil
	}
}

// WithLocalEvaluationOnly disables the remote fallback for every call.
// Requires a personal API key. Flags that cannot be computed locally
// yield nil results instead of remote lookups.
func WithLocalEvaluationOnly() Option {
	return func(c *clientConfig) error {
		c.localOnly = true
		return nil
	}
}

// WithGeoIPDisabled asks the remote service not to enrich evaluations
// with GeoIP-derived properties.
func WithGeoIPDisabled() Option {
	return func(c *clientConfig) error {
		c.disableGeoIP = true
		return nil
	}
}
