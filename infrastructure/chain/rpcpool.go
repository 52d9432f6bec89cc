package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chainlens/streaming-indexer/infrastructure/ratelimit"
)

// =============================================================================
// RPC Pool Types
// =============================================================================

// defaultCircuitCooldown is the circuit's initial open duration after an
// endpoint trips, used when RPCPoolConfig.CircuitCooldown is zero.
// CooldownDuration doubles on each subsequent trip while the endpoint stays
// unhealthy, capped at maxCooldown. This is the pool's own small state
// machine rather than infrastructure/resilience's gobreaker adapter:
// gobreaker's Timeout is fixed for the breaker's lifetime, but the RPC pool
// needs the open period to grow the longer an endpoint stays down.
const (
	defaultCircuitCooldown     = 30 * time.Second
	defaultMaxConsecutiveFails = 5
	maxCooldown                = 10 * time.Minute
)

// RPCEndpoint is one RPC endpoint tracked by the pool, with health,
// latency and circuit-breaker state.
type RPCEndpoint struct {
	URL              string        `json:"url"`
	Priority         int           `json:"priority"`
	Healthy          bool          `json:"healthy"`
	ConsecutiveFails int           `json:"consecutive_fails"`
	LastCheck        time.Time     `json:"last_check"`
	LastLatency      time.Duration `json:"last_latency"`
	AvgLatency       time.Duration `json:"avg_latency"`

	// CircuitOpenUntil is non-zero while the endpoint's circuit is open; the
	// pool treats the endpoint as a half-open probe candidate once this
	// time passes, even though Healthy is still false.
	CircuitOpenUntil time.Time     `json:"circuit_open_until,omitempty"`
	CooldownDuration time.Duration `json:"-"`

	limiter *ratelimit.RateLimiter
}

// State reports the endpoint's circuit-breaker state for metrics/health
// reporting: 0=closed (healthy), 1=half-open (cooling down, probe allowed),
// 2=open (cooling down, no probe yet).
func (e *RPCEndpoint) State() int {
	if e.Healthy {
		return 0
	}
	if !e.CircuitOpenUntil.IsZero() && time.Now().After(e.CircuitOpenUntil) {
		return 1
	}
	return 2
}

func (e *RPCEndpoint) availableForSelection() bool {
	return e.Healthy || e.State() == 1
}

// RPCPoolConfig configures an RPCPool.
type RPCPoolConfig struct {
	// Endpoints is the ordered list of RPC URLs, most-preferred first.
	Endpoints []string

	// HealthCheckInterval is how often the background loop probes endpoints.
	HealthCheckInterval time.Duration

	// HealthCheckTimeout is the timeout for a single health check request.
	HealthCheckTimeout time.Duration

	// MaxConsecutiveFails marks an endpoint unhealthy after this many
	// consecutive failures and opens its circuit. Spec default is 5.
	MaxConsecutiveFails int

	// CircuitCooldown is the circuit's initial open duration after an
	// endpoint trips K consecutive times; it doubles on every subsequent
	// trip while the endpoint stays unhealthy, capped at 10 minutes. Spec
	// default is 30s.
	CircuitCooldown time.Duration

	// RequestsPerSecond bounds the rate of calls issued to each endpoint.
	// Zero disables rate limiting.
	RequestsPerSecond float64
	Burst             int

	// HTTPClient is the HTTP client used for health checks.
	HTTPClient *http.Client
}

// DefaultRPCPoolConfig returns sensible defaults.
func DefaultRPCPoolConfig() *RPCPoolConfig {
	return &RPCPoolConfig{
		HealthCheckInterval: 30 * time.Second,
		HealthCheckTimeout:  5 * time.Second,
		MaxConsecutiveFails: defaultMaxConsecutiveFails,
		CircuitCooldown:     defaultCircuitCooldown,
		RequestsPerSecond:   20,
		Burst:               40,
	}
}

// =============================================================================
// RPC Pool Implementation
// =============================================================================

// RPCPool manages multiple RPC endpoints for one chain, with health
// checking, round-robin failover, per-endpoint rate limiting and a
// per-endpoint circuit breaker with exponential cooldown.
type RPCPool struct {
	mu        sync.RWMutex
	endpoints []*RPCEndpoint
	current   int
	config    *RPCPoolConfig
	client    *http.Client
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// NewRPCPool creates a new RPC pool from configuration. Any zero-valued
// field is filled from DefaultRPCPoolConfig: callers that only care about
// overriding Endpoints (the common case) must not end up with a
// zero-interval health check ticker or a circuit that opens after a single
// failure.
func NewRPCPool(cfg *RPCPoolConfig) (*RPCPool, error) {
	if cfg == nil {
		cfg = DefaultRPCPoolConfig()
	}

	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("rpcpool: at least one endpoint required")
	}

	defaults := DefaultRPCPoolConfig()
	if cfg.HealthCheckInterval == 0 {
		cfg.HealthCheckInterval = defaults.HealthCheckInterval
	}
	if cfg.HealthCheckTimeout == 0 {
		cfg.HealthCheckTimeout = defaults.HealthCheckTimeout
	}
	if cfg.MaxConsecutiveFails == 0 {
		cfg.MaxConsecutiveFails = defaults.MaxConsecutiveFails
	}
	if cfg.CircuitCooldown == 0 {
		cfg.CircuitCooldown = defaults.CircuitCooldown
	}
	// RequestsPerSecond/Burst are left as-is: zero is the documented way to
	// disable rate limiting, not a missing value to default.

	rl := cfg.RequestsPerSecond
	endpoints := make([]*RPCEndpoint, len(cfg.Endpoints))
	for i, url := range cfg.Endpoints {
		ep := &RPCEndpoint{
			URL:      strings.TrimSpace(url),
			Priority: i,
			Healthy:  true,
		}
		if rl > 0 {
			ep.limiter = ratelimit.New(ratelimit.RateLimitConfig{
				RequestsPerSecond: rl,
				Burst:             cfg.Burst,
			})
		}
		endpoints[i] = ep
	}

	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.HealthCheckTimeout
		if timeout == 0 {
			timeout = 5 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}

	return &RPCPool{
		endpoints: endpoints,
		config:    cfg,
		client:    client,
		stopCh:    make(chan struct{}),
	}, nil
}

// ParseEndpoints parses a comma-separated list of RPC URLs.
func ParseEndpoints(csv string) []string {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// Start begins the background health check loop.
func (p *RPCPool) Start(ctx context.Context) {
	go p.healthCheckLoop(ctx)
}

// Stop stops the health check loop.
func (p *RPCPool) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
}

// GetBestEndpoint returns the best available endpoint: healthy endpoints and
// half-open endpoints whose cooldown has elapsed (probe candidates) are
// sorted together by average latency, then priority. When none is
// available it returns the first endpoint with ErrNoHealthyEndpoint.
func (p *RPCPool) GetBestEndpoint() (*RPCEndpoint, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	available := make([]*RPCEndpoint, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		if ep.availableForSelection() {
			available = append(available, ep)
		}
	}

	if len(available) == 0 {
		if len(p.endpoints) > 0 {
			return p.endpoints[0], fmt.Errorf("%w: using fallback", ErrNoHealthyEndpoint)
		}
		return nil, fmt.Errorf("no endpoints available")
	}

	sort.Slice(available, func(i, j int) bool {
		if available[i].AvgLatency != available[j].AvgLatency {
			return available[i].AvgLatency < available[j].AvgLatency
		}
		return available[i].Priority < available[j].Priority
	})

	return available[0], nil
}

// GetNextEndpoint returns the next endpoint in round-robin fashion, for
// failover after a failed attempt.
func (p *RPCPool) GetNextEndpoint() *RPCEndpoint {
	p.mu.Lock()
	defer p.mu.Unlock()

	startIdx := p.current
	for i := 0; i < len(p.endpoints); i++ {
		idx := (startIdx + i + 1) % len(p.endpoints)
		if p.endpoints[idx].availableForSelection() {
			p.current = idx
			return p.endpoints[idx]
		}
	}

	p.current = (p.current + 1) % len(p.endpoints)
	return p.endpoints[p.current]
}

// MarkUnhealthy records a failed call against an endpoint. Once
// ConsecutiveFails reaches MaxConsecutiveFails the circuit opens for
// CooldownDuration, which doubles (capped at maxCooldown) on every
// subsequent trip until a success resets it.
func (p *RPCPool) MarkUnhealthy(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, ep := range p.endpoints {
		if ep.URL != url {
			continue
		}
		ep.ConsecutiveFails++
		if ep.ConsecutiveFails >= p.config.MaxConsecutiveFails {
			wasHealthy := ep.Healthy
			ep.Healthy = false
			if ep.CooldownDuration == 0 {
				ep.CooldownDuration = p.config.CircuitCooldown
			} else if wasHealthy || time.Now().After(ep.CircuitOpenUntil) {
				ep.CooldownDuration *= 2
				if ep.CooldownDuration > maxCooldown {
					ep.CooldownDuration = maxCooldown
				}
			}
			ep.CircuitOpenUntil = time.Now().Add(ep.CooldownDuration)
		}
		return
	}
}

// MarkHealthy records a successful call and resets the circuit.
func (p *RPCPool) MarkHealthy(url string, latency time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, ep := range p.endpoints {
		if ep.URL != url {
			continue
		}
		ep.Healthy = true
		ep.ConsecutiveFails = 0
		ep.CooldownDuration = 0
		ep.CircuitOpenUntil = time.Time{}
		ep.LastLatency = latency
		if ep.AvgLatency == 0 {
			ep.AvgLatency = latency
		} else {
			ep.AvgLatency = (ep.AvgLatency*7 + latency*3) / 10
		}
		return
	}
}

// GetEndpoints returns a snapshot of every endpoint's status.
func (p *RPCPool) GetEndpoints() []RPCEndpoint {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make([]RPCEndpoint, len(p.endpoints))
	for i, ep := range p.endpoints {
		result[i] = *ep
	}
	return result
}

// HealthyCount returns the number of endpoints currently marked healthy.
func (p *RPCPool) HealthyCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	count := 0
	for _, ep := range p.endpoints {
		if ep.Healthy {
			count++
		}
	}
	return count
}

// =============================================================================
// Health Check Loop
// =============================================================================

func (p *RPCPool) healthCheckLoop(ctx context.Context) {
	ticker := time.NewTicker(p.config.HealthCheckInterval)
	defer ticker.Stop()

	p.checkAllEndpoints(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.checkAllEndpoints(ctx)
		}
	}
}

func (p *RPCPool) checkAllEndpoints(ctx context.Context) {
	var wg sync.WaitGroup
	for _, ep := range p.endpoints {
		wg.Add(1)
		go func(endpoint *RPCEndpoint) {
			defer wg.Done()
			p.checkEndpoint(ctx, endpoint)
		}(ep)
	}
	wg.Wait()
}

func (p *RPCPool) checkEndpoint(ctx context.Context, ep *RPCEndpoint) {
	start := time.Now()

	reqBody := `{"jsonrpc":"2.0","method":"eth_blockNumber","params":[],"id":1}`

	ctx, cancel := context.WithTimeout(ctx, p.config.HealthCheckTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, strings.NewReader(reqBody))
	if err != nil {
		p.MarkUnhealthy(ep.URL)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		p.MarkUnhealthy(ep.URL)
		return
	}
	defer resp.Body.Close()

	latency := time.Since(start)

	if resp.StatusCode != http.StatusOK {
		p.MarkUnhealthy(ep.URL)
		return
	}

	p.MarkHealthy(ep.URL, latency)

	p.mu.Lock()
	ep.LastCheck = time.Now()
	p.mu.Unlock()
}

// =============================================================================
// Execute with Failover
// =============================================================================

// ExecuteWithFailover executes fn against the best endpoint, failing over
// to the next endpoint on error up to maxRetries times. fn receives the
// endpoint URL and should return an error if failover is needed.
func (p *RPCPool) ExecuteWithFailover(ctx context.Context, maxRetries int, fn func(url string) error) error {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		var ep *RPCEndpoint
		var err error

		if attempt == 0 {
			ep, err = p.GetBestEndpoint()
		} else {
			ep = p.GetNextEndpoint()
		}

		if ep == nil {
			return fmt.Errorf("no endpoints available")
		}
		_ = err

		if ep.limiter != nil {
			if waitErr := ep.limiter.Wait(ctx); waitErr != nil {
				return waitErr
			}
		}

		start := time.Now()
		err = fn(ep.URL)
		latency := time.Since(start)

		if err == nil {
			p.MarkHealthy(ep.URL, latency)
			return nil
		}

		lastErr = err
		if ctxErr := ctx.Err(); ctxErr != nil {
			// The caller cancelled or ran out of time: not the endpoint's fault.
			return ctxErr
		}
		if !Classify(err) {
			// Permanent error: retrying anywhere will not help.
			return err
		}
		p.MarkUnhealthy(ep.URL)

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	return fmt.Errorf("all retries exhausted: %w", lastErr)
}

// Call performs a single JSON-RPC method call through the pool, choosing
// the best endpoint and failing over up to maxRetries times on transient
// errors. It honors ctx cancellation at every suspension point (rate
// limiter wait, HTTP round trip): a cancelled call returns ctx.Err()
// without mutating breaker state.
func (p *RPCPool) Call(ctx context.Context, method string, params []interface{}, maxRetries int) (json.RawMessage, error) {
	var result json.RawMessage
	err := p.ExecuteWithFailover(ctx, maxRetries, func(url string) error {
		c, newErr := NewClient(Config{RPCURL: url, Timeout: p.config.HealthCheckTimeout})
		if newErr != nil {
			return newErr
		}
		r, callErr := c.Call(ctx, method, params)
		if callErr != nil {
			return callErr
		}
		result = r
		return nil
	})
	return result, err
}
