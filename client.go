// Package pennant provides a feature-flag client with local rule-set
// evaluation and intelligent remote fallback.
package pennant

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/pennanthq/pennant-go/internal/flags"
	"github.com/pennanthq/pennant-go/internal/ruleset"
	"github.com/pennanthq/pennant-go/internal/telemetry"
	"github.com/pennanthq/pennant-go/internal/transport"
)

// Client is the main entry point for Pennant.
// It evaluates flags against a locally cached rule set when possible and
// falls back to the remote service when a flag cannot be computed
// locally.
type Client struct {
	cfg       *clientConfig
	transport *transport.Client
	poller    *ruleset.Poller
	tel       *telemetry.Provider
	log       *slog.Logger
	publisher Publisher

	// seenFlags dedupes "$feature_flag_called" events per
	// (distinct id, flag key) pair.
	seenFlags *ristretto.Cache

	mu               sync.RWMutex
	overrides        map[string]any
	payloadOverrides map[string]any

	now func() time.Time
}

// New creates a new Pennant client with the given project API key.
// Providing a personal API key enables local evaluation: the client then
// polls the flag definitions in the background.
//
// Example:
//
//	client, err := pennant.New("pn_project_key",
//	    pennant.WithPersonalAPIKey("pnp_personal_key"),
//	    pennant.WithPollingInterval(time.Minute),
//	)
func New(apiKey string, opts ...Option) (*Client, error) {
	cfg := defaultConfig(apiKey)

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	tel, err := telemetry.New()
	if err != nil {
		return nil, err
	}

	seen, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 100_000,
		MaxCost:     10_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg: cfg,
		transport: transport.NewClient(transport.Config{
			Endpoint:       cfg.endpoint,
			APIKey:         cfg.apiKey,
			PersonalAPIKey: cfg.personalAPIKey,
			HTTPClient:     cfg.httpClient,
		}),
		tel:       tel,
		log:       cfg.logger,
		publisher: cfg.publisher,
		seenFlags: seen,
		now:       time.Now,
	}

	if cfg.personalAPIKey != "" {
		c.poller = ruleset.New(c.transport, ruleset.Config{
			Interval:                  cfg.pollingInterval,
			Logger:                    cfg.logger,
			Telemetry:                 tel,
			OnLoaded:                  cfg.onLoaded,
			SuppressContinuityWarning: cfg.localOnly,
		})
		c.poller.Start()
	}

	return c, nil
}

// Close stops background polling and releases client resources. Events
// already handed to the publisher are not affected.
func (c *Client) Close() error {
	if c.poller != nil {
		c.poller.Stop()
	}
	c.seenFlags.Close()
	return nil
}

// IsLocalEvaluationReady reports whether the local rule set is loaded
// and contains at least one flag.
func (c *Client) IsLocalEvaluationReady() bool {
	return c.poller != nil && c.poller.IsReady()
}

// WaitForLocalEvaluationReady blocks until the first rule-set load
// resolves (or ctx is done) and reports whether local evaluation is
// usable. Returns false immediately when no personal API key is
// configured.
func (c *Client) WaitForLocalEvaluationReady(ctx context.Context) bool {
	if c.poller == nil {
		return false
	}
	return c.poller.WaitForReady(ctx)
}

// ReloadFlags forces an immediate rule-set refresh, bypassing any
// active backoff.
func (c *Client) ReloadFlags(ctx context.Context) error {
	if c.poller == nil {
		return &ConfigError{Field: "personalAPIKey", Message: "local evaluation is not enabled"}
	}
	return c.poller.Reload(ctx)
}

// OverrideFlags replaces the client-level flag overrides. Overridden
// flags short-circuit evaluation entirely, including values that are
// falsy (false, ""). Passing nil clears all overrides.
func (c *Client) OverrideFlags(overrides map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if overrides == nil {
		c.overrides = nil
		return
	}
	c.overrides = make(map[string]any, len(overrides))
	for k, v := range overrides {
		c.overrides[k] = v
	}
}

// OverrideFlagPayloads replaces the client-level payload overrides. An
// overridden payload is returned by GetPayload and attached to
// GetFlagResult regardless of what the flag evaluates to. Passing nil
// clears all payload overrides.
func (c *Client) OverrideFlagPayloads(payloads map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if payloads == nil {
		c.payloadOverrides = nil
		return
	}
	c.payloadOverrides = make(map[string]any, len(payloads))
	for k, v := range payloads {
		c.payloadOverrides[k] = v
	}
}

// GetFlag evaluates a flag and returns its wire value: the variant key
// for multivariate matches, otherwise a boolean.
func (c *Client) GetFlag(ctx context.Context, flagKey, distinctID string, opts EvalOptions) (any, error) {
	result, err := c.GetFlagResult(ctx, flagKey, distinctID, opts)
	if err != nil {
		return false, err
	}
	return result.Value(), nil
}

// GetPayload evaluates a flag and returns the payload attached to the
// matched variant, or nil when the flag does not match or carries no
// payload. A non-nil matchValue skips evaluation and looks the payload
// up directly for that value (a variant key, or true for boolean flags)
// when the flag is in the local rule set.
func (c *Client) GetPayload(ctx context.Context, flagKey, distinctID string, matchValue any, opts EvalOptions) (any, error) {
	if payload, ok := c.payloadOverrideFor(flagKey); ok {
		return payload, nil
	}

	if matchValue != nil {
		if flag, ok := c.currentRuleSet().Flag(flagKey); ok {
			return flag.PayloadFor(matchValue), nil
		}
	}

	result, err := c.GetFlagResult(ctx, flagKey, distinctID, opts)
	if err != nil || result == nil {
		return nil, err
	}
	return result.Payload, nil
}

// GetFlagResult evaluates a flag and returns the detailed outcome.
//
// A nil result with a nil error means the flag could not be resolved:
// it is unknown remotely, or local-only evaluation was requested and
// the local rule set cannot answer conclusively. Callers should treat
// that as "flag off, by default".
func (c *Client) GetFlagResult(ctx context.Context, flagKey, distinctID string, opts EvalOptions) (*FlagResult, error) {
	ctx, span := c.tel.StartSpan(ctx, "pennant.get_flag", flagKey)
	defer span.End()

	if value, ok := c.overrideFor(flagKey); ok {
		result := resultFromValue(flagKey, value)
		result.Reason = "overridden by client"
		if payload, ok := c.payloadOverrideFor(flagKey); ok {
			result.Payload = payload
		}
		return result, nil
	}

	result, errCodes, err := c.resolveFlag(ctx, flagKey, distinctID, opts)
	if result != nil {
		if payload, ok := c.payloadOverrideFor(flagKey); ok {
			result.Payload = payload
		}
	}

	if opts.sendEvents() {
		c.trackFlagCalled(distinctID, flagKey, result, errCodes)
	}
	return result, err
}

// resolveFlag runs the local-first, remote-fallback pipeline for one
// flag. The returned codes annotate the tracking event.
func (c *Client) resolveFlag(ctx context.Context, flagKey, distinctID string, opts EvalOptions) (*FlagResult, []string, error) {
	localOnly := opts.OnlyEvaluateLocally || c.cfg.localOnly

	if rs := c.currentRuleSet(); rs != nil {
		if flag, ok := rs.Flag(flagKey); ok {
			ev := &flags.Evaluator{RuleSet: rs, Now: c.now}
			r, err := ev.EvaluateFlag(flag, evalContext(distinctID, opts))
			if err == nil {
				c.tel.RecordEvaluation(ctx, flagKey, true)
				return localResult(flag, r), nil, nil
			}
			c.tel.RecordInconclusive(ctx, flagKey)
			c.log.Debug("local evaluation inconclusive",
				"flag", flagKey, "reason", err)
		}
	}

	if localOnly {
		return nil, nil, nil
	}

	remote, err := c.transport.EvaluateRemotely(ctx, transport.RemoteEvaluationRequest{
		DistinctID:         distinctID,
		Groups:             opts.Groups,
		PersonProperties:   opts.PersonProperties,
		GroupProperties:    opts.GroupProperties,
		DisableGeoIP:       c.cfg.disableGeoIP,
		FlagKeysToEvaluate: []string{flagKey},
	})
	if err != nil {
		var statusErr *transport.StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusPaymentRequired {
			c.tel.RecordQuotaLimited(ctx)
			return nil, []string{"quota_limited"}, &QuotaLimitedError{}
		}
		c.log.Error("remote evaluation failed", "flag", flagKey, "error", err)
		return nil, []string{"unknown_error"}, &EvaluationError{FlagKey: flagKey, Err: err}
	}

	var errCodes []string
	if remote.QuotaLimited {
		c.tel.RecordQuotaLimited(ctx)
		errCodes = append(errCodes, "quota_limited")
	}
	if remote.ErrorsWhileComputingFlags {
		errCodes = append(errCodes, "errors_while_computing")
	}

	rf, ok := remote.Flags[flagKey]
	if !ok {
		c.log.Debug("flag not known to remote service", "flag", flagKey)
		return nil, append(errCodes, "flag_missing"), nil
	}

	c.tel.RecordEvaluation(ctx, flagKey, false)
	return remoteResult(rf, remote.RequestID), errCodes, nil
}

// GetAllFlags evaluates every flag for the subject. Flags the local
// rule set cannot answer trigger one remote call for the whole batch,
// unless local-only evaluation is requested, in which case inconclusive
// flags are omitted from the result.
func (c *Client) GetAllFlags(ctx context.Context, distinctID string, opts EvalOptions) (map[string]any, error) {
	ctx, span := c.tel.StartSpan(ctx, "pennant.get_all_flags", "")
	defer span.End()

	localOnly := opts.OnlyEvaluateLocally || c.cfg.localOnly

	values := make(map[string]any)
	conclusive := true

	rs := c.currentRuleSet()
	if rs == nil {
		conclusive = false
	} else {
		ev := &flags.Evaluator{RuleSet: rs, Now: c.now}
		for i := range rs.Flags {
			flag := &rs.Flags[i]
			if !wantFlag(flag.Key, opts.FlagKeysToEvaluate) {
				continue
			}
			r, err := ev.EvaluateFlag(flag, evalContext(distinctID, opts))
			if err != nil {
				conclusive = false
				continue
			}
			values[flag.Key] = r.Value()
		}
	}

	if !conclusive && !localOnly {
		remote, err := c.transport.EvaluateRemotely(ctx, transport.RemoteEvaluationRequest{
			DistinctID:         distinctID,
			Groups:             opts.Groups,
			PersonProperties:   opts.PersonProperties,
			GroupProperties:    opts.GroupProperties,
			DisableGeoIP:       c.cfg.disableGeoIP,
			FlagKeysToEvaluate: opts.FlagKeysToEvaluate,
		})
		if err != nil {
			return nil, &EvaluationError{FlagKey: "*", Err: err}
		}
		// Remote answers win for the flags it knows; conclusive local
		// results for flags it does not mention are kept.
		for key, rf := range remote.Flags {
			values[key] = rf.Value()
		}
	}

	c.mu.RLock()
	for key, value := range c.overrides {
		if wantFlag(key, opts.FlagKeysToEvaluate) {
			values[key] = value
		}
	}
	c.mu.RUnlock()

	return values, nil
}

func (c *Client) currentRuleSet() *flags.RuleSet {
	if c.poller == nil {
		return nil
	}
	return c.poller.RuleSet()
}

func (c *Client) overrideFor(flagKey string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	value, ok := c.overrides[flagKey]
	return value, ok
}

func (c *Client) payloadOverrideFor(flagKey string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	payload, ok := c.payloadOverrides[flagKey]
	return payload, ok
}

// trackFlagCalled publishes the "$feature_flag_called" event once per
// (distinct id, flag key) pair for the lifetime of the dedup cache.
func (c *Client) trackFlagCalled(distinctID, flagKey string, result *FlagResult, errCodes []string) {
	dedupKey := distinctID + "\x00" + flagKey
	if _, seen := c.seenFlags.Get(dedupKey); seen {
		return
	}
	c.seenFlags.Set(dedupKey, struct{}{}, 1)
	// Ristretto applies sets asynchronously; flush so an immediate repeat
	// lookup for the same pair observes the entry.
	c.seenFlags.Wait()

	event := newFlagCalledEvent(distinctID, flagKey, result, strings.Join(errCodes, ","), c.now())
	if err := c.publisher.Enqueue(event); err != nil {
		c.log.Warn("failed to enqueue flag event", "flag", flagKey, "error", err)
	}
}

func evalContext(distinctID string, opts EvalOptions) flags.EvalContext {
	return flags.EvalContext{
		DistinctID:       distinctID,
		Groups:           opts.Groups,
		PersonProperties: opts.PersonProperties,
		GroupProperties:  opts.GroupProperties,
	}
}

func wantFlag(key string, only []string) bool {
	if len(only) == 0 {
		return true
	}
	for _, k := range only {
		if k == key {
			return true
		}
	}
	return false
}

func localResult(flag *flags.FlagDefinition, r flags.Result) *FlagResult {
	return &FlagResult{
		Key:              flag.Key,
		Enabled:          r.Enabled,
		Variant:          r.Variant,
		Payload:          flag.PayloadFor(r.Value()),
		Reason:           r.Reason,
		FlagID:           flag.ID,
		FlagVersion:      flag.Version,
		locallyEvaluated: true,
	}
}

func remoteResult(rf transport.RemoteFlag, requestID string) *FlagResult {
	result := &FlagResult{
		Key:         rf.Key,
		Enabled:     rf.Enabled,
		Variant:     rf.Variant,
		Reason:      rf.Reason,
		RequestID:   requestID,
		FlagID:      rf.ID,
		FlagVersion: rf.Version,
	}
	if rf.Payload != nil {
		var decoded any
		if err := json.Unmarshal([]byte(*rf.Payload), &decoded); err == nil {
			result.Payload = decoded
		} else {
			result.Payload = *rf.Payload
		}
	}
	return result
}

// resultFromValue lifts a raw override value into a FlagResult.
func resultFromValue(flagKey string, value any) *FlagResult {
	result := &FlagResult{Key: flagKey}
	switch v := value.(type) {
	case bool:
		result.Enabled = v
	case string:
		result.Enabled = v != ""
		result.Variant = v
	default:
		result.Enabled = value != nil
	}
	return result
}
