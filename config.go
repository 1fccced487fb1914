package pennant

import (
	"log/slog"
	"net/http"
	"time"
)

const (
	// DefaultEndpoint is the ingestion endpoint used when none is
	// configured.
	DefaultEndpoint = "https://app.pennant.dev"

	// DefaultPollingInterval between local rule-set refreshes.
	DefaultPollingInterval = 30 * time.Second

	// MinPollingInterval is the enforced polling floor. Intervals below
	// it are raised, not rejected.
	MinPollingInterval = 100 * time.Millisecond
)

// clientConfig holds internal configuration assembled from options.
type clientConfig struct {
	apiKey         string
	personalAPIKey string
	endpoint       string

	pollingInterval time.Duration
	httpClient      *http.Client

	logger    *slog.Logger
	publisher Publisher
	onLoaded  func(count int)

	localOnly    bool
	disableGeoIP bool
}

func defaultConfig(apiKey string) *clientConfig {
	return &clientConfig{
		apiKey:          apiKey,
		endpoint:        DefaultEndpoint,
		pollingInterval: DefaultPollingInterval,
		logger:          slog.Default(),
		publisher:       noopPublisher{},
	}
}

func (c *clientConfig) validate() error {
	if c.apiKey == "" {
		return &ConfigError{Field: "apiKey", Message: "project API key is required"}
	}
	if c.endpoint == "" {
		return &ConfigError{Field: "endpoint", Message: "endpoint must not be empty"}
	}
	if c.localOnly && c.personalAPIKey == "" {
		return &ConfigError{
			Field:   "personalAPIKey",
			Message: "local-only evaluation requires a personal API key",
		}
	}
	if c.pollingInterval < MinPollingInterval {
		c.pollingInterval = MinPollingInterval
	}
	return nil
}
