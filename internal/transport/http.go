// Package transport implements the HTTP clients for the two server
// endpoints the flag engine depends on: the local-evaluation rule-set
// endpoint (GET, conditional via ETag) and the remote flag-evaluation
// endpoint (POST). Retry, backoff and cache lifecycle live with the
// callers; this package only speaks the wire protocol.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pennanthq/pennant-go/internal/flags"
)

// Config configures a transport client.
type Config struct {
	// Endpoint is the server base URL, e.g. "https://us.example.com".
	Endpoint string

	// APIKey is the project API key sent as the token on both endpoints.
	APIKey string

	// PersonalAPIKey authorizes the local-evaluation endpoint.
	PersonalAPIKey string

	// HTTPClient is optional; a default with a 10s timeout is used when nil.
	HTTPClient *http.Client
}

// Client talks to both endpoints.
type Client struct {
	endpoint       string
	apiKey         string
	personalAPIKey string
	httpClient     *http.Client
}

// NewClient creates a transport client.
func NewClient(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		endpoint:       strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:         cfg.APIKey,
		personalAPIKey: cfg.PersonalAPIKey,
		httpClient:     httpClient,
	}
}

// StatusError is a non-2xx response from either endpoint. Callers switch
// on the status code to pick backoff, quota or fallback behavior.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// RuleSetResponse is the outcome of one conditional rule-set fetch.
type RuleSetResponse struct {
	// RuleSet is nil when NotModified is true.
	RuleSet *flags.RuleSet

	// ETag is the validator to present on the next fetch. On a 304 it is
	// the refreshed header value when the server sent one, otherwise empty.
	ETag string

	NotModified bool
}

// FetchRuleSet performs a conditional GET of the local-evaluation rule
// set. A non-empty etag is sent as If-None-Match.
func (c *Client) FetchRuleSet(ctx context.Context, etag string) (*RuleSetResponse, error) {
	u := fmt.Sprintf("%s/api/feature_flag/local_evaluation?%s", c.endpoint, url.Values{
		"token":        {c.apiKey},
		"send_cohorts": {"true"},
	}.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create rule set request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.personalAPIKey)
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rule set request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return &RuleSetResponse{NotModified: true, ETag: resp.Header.Get("ETag")}, nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule set response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var rs flags.RuleSet
	if err := json.Unmarshal(body, &rs); err != nil {
		return nil, fmt.Errorf("failed to decode rule set: %w", err)
	}
	rs.LoadedAt = time.Now()
	rs.ETag = resp.Header.Get("ETag")

	return &RuleSetResponse{RuleSet: &rs, ETag: rs.ETag}, nil
}

// RemoteEvaluationRequest is the input of one remote evaluation call.
type RemoteEvaluationRequest struct {
	DistinctID         string
	Groups             map[string]string
	PersonProperties   map[string]any
	GroupProperties    map[string]map[string]any
	DisableGeoIP       bool
	FlagKeysToEvaluate []string
}

// EvaluateRemotely POSTs to the remote flag-evaluation endpoint and
// normalizes whichever response generation the server speaks.
func (c *Client) EvaluateRemotely(ctx context.Context, r RemoteEvaluationRequest) (*RemoteEvaluation, error) {
	payload, err := json.Marshal(remoteRequestBody{
		Token:              c.apiKey,
		DistinctID:         r.DistinctID,
		Groups:             r.Groups,
		PersonProperties:   r.PersonProperties,
		GroupProperties:    r.GroupProperties,
		GeoipDisable:       r.DisableGeoIP,
		FlagKeysToEvaluate: r.FlagKeysToEvaluate,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal evaluation request: %w", err)
	}

	u := c.endpoint + "/flags/?v=2"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create evaluation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("evaluation request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read evaluation response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var decoded remoteResponseBody
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("failed to decode evaluation response: %w", err)
	}
	return decoded.normalize(), nil
}
