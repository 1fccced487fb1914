// Package ruleset owns the local rule-set lifecycle: the initial fetch,
// periodic conditional refresh with ETag revalidation, exponential
// backoff on auth and rate-limit responses, quota handling, and the
// ready signal consumers wait on before trusting local evaluation.
//
// The rule set itself is an immutable snapshot: every successful load
// replaces it wholesale, so readers never observe a partial update.
package ruleset

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/pennanthq/pennant-go/internal/flags"
	"github.com/pennanthq/pennant-go/internal/telemetry"
	"github.com/pennanthq/pennant-go/internal/transport"
)

const (
	// MinInterval is the enforced polling floor.
	MinInterval = 100 * time.Millisecond

	// DefaultInterval between rule-set polls.
	DefaultInterval = 30 * time.Second

	// DefaultBackoffBase seeds the exponential backoff on auth and
	// rate-limit responses.
	DefaultBackoffBase = 1 * time.Second

	// DefaultMaxBackoff caps the backoff interval.
	DefaultMaxBackoff = 5 * time.Minute
)

// Fetcher fetches the rule set, conditionally on an ETag.
type Fetcher interface {
	FetchRuleSet(ctx context.Context, etag string) (*transport.RuleSetResponse, error)
}

// Config configures a Poller.
type Config struct {
	Interval    time.Duration
	BackoffBase time.Duration
	MaxBackoff  time.Duration

	Logger    *slog.Logger
	Telemetry *telemetry.Provider

	// OnLoaded is invoked with the flag count after every successful
	// (200) load. Never invoked on failures or 304s.
	OnLoaded func(count int)

	// SuppressContinuityWarning disables the warning about flags that
	// can never be evaluated locally. Set when the client runs in
	// local-only mode, where the warning points at nothing actionable.
	SuppressContinuityWarning bool

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Poller is the stateful rule-set cache.
type Poller struct {
	fetcher Fetcher

	interval    time.Duration
	backoffBase time.Duration
	maxBackoff  time.Duration

	log              *slog.Logger
	tel              *telemetry.Provider
	onLoaded         func(count int)
	suppressWarnings bool
	now              func() time.Time

	mu           sync.RWMutex
	rs           *flags.RuleSet
	etag         string
	backoffCount int
	nextAllowed  time.Time

	readyOnce sync.Once
	readyCh   chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Poller; Start begins polling.
func New(fetcher Fetcher, cfg Config) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Interval < MinInterval {
		cfg.Interval = MinInterval
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Poller{
		fetcher:          fetcher,
		interval:         cfg.Interval,
		backoffBase:      cfg.BackoffBase,
		maxBackoff:       cfg.MaxBackoff,
		log:              cfg.Logger,
		tel:              cfg.Telemetry,
		onLoaded:         cfg.OnLoaded,
		suppressWarnings: cfg.SuppressContinuityWarning,
		now:              cfg.Now,
		readyCh:          make(chan struct{}),
	}
}

// Start triggers the initial fetch and begins the polling loop.
func (p *Poller) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	p.wg.Add(1)
	go p.run(ctx)
}

// Stop halts polling and waits for the loop to exit.
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Poller) run(ctx context.Context) {
	defer p.wg.Done()

	// Initial load before the first tick.
	p.refresh(ctx, false)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.refresh(ctx, false)
		}
	}
}

// RuleSet returns the current snapshot, which may be nil before the
// first successful load.
func (p *Poller) RuleSet() *flags.RuleSet {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.rs
}

// IsReady reports whether a rule set with at least one flag is loaded.
func (p *Poller) IsReady() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.rs != nil && len(p.rs.Flags) > 0
}

// WaitForReady blocks until the first conclusive load completes (or ctx
// is done) and reports whether local evaluation is usable.
func (p *Poller) WaitForReady(ctx context.Context) bool {
	select {
	case <-p.readyCh:
		return p.IsReady()
	case <-ctx.Done():
		return false
	}
}

// Reload forces an out-of-band refresh, bypassing any active backoff.
func (p *Poller) Reload(ctx context.Context) error {
	return p.refresh(ctx, true)
}

// refresh performs one fetch attempt. Non-forced attempts inside an
// active backoff window are suppressed without touching the network.
func (p *Poller) refresh(ctx context.Context, forced bool) error {
	if !forced && p.inBackoff() {
		return nil
	}

	start := p.now()
	resp, err := p.fetcher.FetchRuleSet(ctx, p.currentETag())
	elapsed := p.now().Sub(start)

	if err != nil {
		return p.handleFetchError(ctx, err, elapsed)
	}

	if resp.NotModified {
		p.mu.Lock()
		if resp.ETag != "" {
			p.etag = resp.ETag
		}
		p.backoffCount = 0
		p.nextAllowed = time.Time{}
		p.mu.Unlock()
		return nil
	}

	rs := resp.RuleSet

	p.mu.Lock()
	p.rs = rs
	p.etag = resp.ETag
	p.backoffCount = 0
	p.nextAllowed = time.Time{}
	p.mu.Unlock()

	if p.tel != nil {
		p.tel.RecordRuleSetLoad(ctx, true, elapsed, len(rs.Flags))
	}
	p.log.Debug("rule set loaded", "flags", len(rs.Flags))
	if p.onLoaded != nil {
		p.onLoaded(len(rs.Flags))
	}
	p.warnAboutContinuityFlags(rs)
	p.signalReady()

	return nil
}

func (p *Poller) handleFetchError(ctx context.Context, err error, elapsed time.Duration) error {
	var statusErr *transport.StatusError
	if !errors.As(err, &statusErr) {
		// Transport-level failure: the regular interval retries it.
		if p.tel != nil {
			p.tel.RecordRuleSetLoad(ctx, false, elapsed, 0)
		}
		p.log.Error("rule set fetch failed", "error", err)
		return err
	}

	switch statusErr.StatusCode {
	case http.StatusPaymentRequired:
		// Quota exhausted: local flags are no longer trustworthy.
		p.mu.Lock()
		p.rs = &flags.RuleSet{LoadedAt: p.now()}
		p.etag = ""
		p.mu.Unlock()

		if p.tel != nil {
			p.tel.RecordQuotaLimited(ctx)
		}
		p.log.Warn("feature flags quota limited, clearing local rule set")
		p.signalReady()
		return err

	case http.StatusUnauthorized, http.StatusForbidden, http.StatusTooManyRequests:
		delay := p.enterBackoff()
		if p.tel != nil {
			p.tel.RecordRuleSetLoad(ctx, false, elapsed, 0)
		}
		p.log.Warn("rule set fetch rejected, backing off",
			"status", statusErr.StatusCode, "retry_in", delay)
		return err

	default:
		if p.tel != nil {
			p.tel.RecordRuleSetLoad(ctx, false, elapsed, 0)
		}
		p.log.Error("rule set fetch failed", "status", statusErr.StatusCode)
		return err
	}
}

func (p *Poller) inBackoff() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.now().Before(p.nextAllowed)
}

// enterBackoff advances the backoff state and returns the new delay:
// min(maxBackoff, backoffBase * 2^count).
func (p *Poller) enterBackoff() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.backoffCount++
	delay := p.backoffBase << p.backoffCount
	if delay > p.maxBackoff || delay <= 0 {
		delay = p.maxBackoff
	}
	p.nextAllowed = p.now().Add(delay)
	return delay
}

func (p *Poller) currentETag() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.etag
}

func (p *Poller) signalReady() {
	p.readyOnce.Do(func() { close(p.readyCh) })
}

// warnAboutContinuityFlags logs once per load about flags the local
// engine can never answer. Suppressed in local-only mode, where there is
// no server fallback for the warning to point at.
func (p *Poller) warnAboutContinuityFlags(rs *flags.RuleSet) {
	if p.suppressWarnings {
		return
	}
	var keys []string
	for _, f := range rs.Flags {
		if f.EnsureExperienceContinuity {
			keys = append(keys, f.Key)
		}
	}
	if len(keys) > 0 {
		p.log.Warn("rule set contains flags with experience continuity, these are always evaluated remotely",
			"flags", keys)
	}
}
