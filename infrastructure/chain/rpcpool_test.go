package chain

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestNewRPCPool(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *RPCPoolConfig
		wantErr bool
	}{
		{
			name: "valid config",
			cfg: &RPCPoolConfig{
				Endpoints: []string{"http://localhost:8545"},
			},
			wantErr: false,
		},
		{
			name:    "nil config uses defaults",
			cfg:     nil,
			wantErr: true, // No endpoints
		},
		{
			name: "empty endpoints",
			cfg: &RPCPoolConfig{
				Endpoints: []string{},
			},
			wantErr: true,
		},
		{
			name: "multiple endpoints",
			cfg: &RPCPoolConfig{
				Endpoints: []string{"http://node1:8545", "http://node2:8545"},
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool, err := NewRPCPool(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewRPCPool() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && pool == nil {
				t.Error("NewRPCPool() returned nil pool without error")
			}
		})
	}
}

func TestParseEndpoints(t *testing.T) {
	tests := []struct {
		name     string
		csv      string
		expected []string
	}{
		{
			name:     "single endpoint",
			csv:      "http://localhost:8545",
			expected: []string{"http://localhost:8545"},
		},
		{
			name:     "multiple endpoints",
			csv:      "http://node1:8545,http://node2:8545",
			expected: []string{"http://node1:8545", "http://node2:8545"},
		},
		{
			name:     "with spaces",
			csv:      " http://node1:8545 , http://node2:8545 ",
			expected: []string{"http://node1:8545", "http://node2:8545"},
		},
		{
			name:     "empty string",
			csv:      "",
			expected: nil,
		},
		{
			name:     "empty parts filtered",
			csv:      "http://node1:8545,,http://node2:8545",
			expected: []string{"http://node1:8545", "http://node2:8545"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ParseEndpoints(tt.csv)
			if len(result) != len(tt.expected) {
				t.Errorf("ParseEndpoints() = %v, want %v", result, tt.expected)
				return
			}
			for i, v := range result {
				if v != tt.expected[i] {
					t.Errorf("ParseEndpoints()[%d] = %v, want %v", i, v, tt.expected[i])
				}
			}
		})
	}
}

func TestRPCPoolGetBestEndpoint(t *testing.T) {
	pool, err := NewRPCPool(&RPCPoolConfig{
		Endpoints: []string{"http://node1:8545", "http://node2:8545"},
	})
	if err != nil {
		t.Fatalf("NewRPCPool() error = %v", err)
	}

	ep, err := pool.GetBestEndpoint()
	if err != nil {
		t.Errorf("GetBestEndpoint() error = %v", err)
	}
	if ep == nil {
		t.Error("GetBestEndpoint() returned nil")
	}
}

func TestRPCPoolGetNextEndpoint(t *testing.T) {
	pool, err := NewRPCPool(&RPCPoolConfig{
		Endpoints: []string{"http://node1:8545", "http://node2:8545"},
	})
	if err != nil {
		t.Fatalf("NewRPCPool() error = %v", err)
	}

	ep1 := pool.GetNextEndpoint()
	ep2 := pool.GetNextEndpoint()

	if ep1 == nil || ep2 == nil {
		t.Fatal("GetNextEndpoint() returned nil")
	}

	if ep1.URL == ep2.URL {
		t.Error("GetNextEndpoint() should round-robin between endpoints")
	}
}

func TestRPCPoolMarkUnhealthyOpensCircuit(t *testing.T) {
	pool, err := NewRPCPool(&RPCPoolConfig{
		Endpoints:           []string{"http://node1:8545"},
		MaxConsecutiveFails: 2,
	})
	if err != nil {
		t.Fatalf("NewRPCPool() error = %v", err)
	}

	if pool.HealthyCount() != 1 {
		t.Errorf("HealthyCount() = %d, want 1", pool.HealthyCount())
	}

	pool.MarkUnhealthy("http://node1:8545")
	if pool.HealthyCount() != 1 {
		t.Errorf("HealthyCount() after 1 fail = %d, want 1", pool.HealthyCount())
	}

	pool.MarkUnhealthy("http://node1:8545")
	if pool.HealthyCount() != 0 {
		t.Errorf("HealthyCount() after 2 fails = %d, want 0", pool.HealthyCount())
	}

	eps := pool.GetEndpoints()
	if eps[0].CooldownDuration != defaultCircuitCooldown {
		t.Errorf("CooldownDuration = %v, want %v", eps[0].CooldownDuration, defaultCircuitCooldown)
	}
	if eps[0].State() != 2 {
		t.Errorf("State() = %d, want 2 (open)", eps[0].State())
	}
}

func TestRPCPoolMarkUnhealthyDoublesCooldown(t *testing.T) {
	pool, err := NewRPCPool(&RPCPoolConfig{
		Endpoints:           []string{"http://node1:8545"},
		MaxConsecutiveFails: 1,
	})
	if err != nil {
		t.Fatalf("NewRPCPool() error = %v", err)
	}

	pool.MarkUnhealthy("http://node1:8545")
	first := pool.GetEndpoints()[0].CooldownDuration

	// Force the cooldown window to have elapsed so the next failure doubles it.
	pool.mu.Lock()
	pool.endpoints[0].CircuitOpenUntil = time.Now().Add(-time.Millisecond)
	pool.mu.Unlock()

	pool.MarkUnhealthy("http://node1:8545")
	second := pool.GetEndpoints()[0].CooldownDuration

	if second != first*2 {
		t.Errorf("CooldownDuration after second trip = %v, want %v", second, first*2)
	}
}

func TestRPCPoolMarkHealthyResetsCircuit(t *testing.T) {
	pool, err := NewRPCPool(&RPCPoolConfig{
		Endpoints:           []string{"http://node1:8545"},
		MaxConsecutiveFails: 1,
	})
	if err != nil {
		t.Fatalf("NewRPCPool() error = %v", err)
	}

	pool.MarkUnhealthy("http://node1:8545")
	if pool.HealthyCount() != 0 {
		t.Errorf("HealthyCount() after fail = %d, want 0", pool.HealthyCount())
	}

	pool.MarkHealthy("http://node1:8545", 10*time.Millisecond)
	if pool.HealthyCount() != 1 {
		t.Errorf("HealthyCount() after recovery = %d, want 1", pool.HealthyCount())
	}
	if pool.GetEndpoints()[0].CooldownDuration != 0 {
		t.Error("CooldownDuration should reset to 0 on recovery")
	}
}

func TestRPCPoolGetEndpoints(t *testing.T) {
	pool, err := NewRPCPool(&RPCPoolConfig{
		Endpoints: []string{"http://node1:8545", "http://node2:8545"},
	})
	if err != nil {
		t.Fatalf("NewRPCPool() error = %v", err)
	}

	endpoints := pool.GetEndpoints()
	if len(endpoints) != 2 {
		t.Errorf("GetEndpoints() length = %d, want 2", len(endpoints))
	}
}

func TestRPCPoolExecuteWithFailoverRetriesTransientErrors(t *testing.T) {
	pool, err := NewRPCPool(&RPCPoolConfig{
		Endpoints:           []string{"http://node1:8545", "http://node2:8545"},
		MaxConsecutiveFails: 1,
	})
	if err != nil {
		t.Fatalf("NewRPCPool() error = %v", err)
	}

	callCount := 0
	err = pool.ExecuteWithFailover(context.Background(), 2, func(url string) error {
		callCount++
		if callCount == 1 {
			return errors.New("connection reset by peer")
		}
		return nil
	})

	if err != nil {
		t.Errorf("ExecuteWithFailover() error = %v", err)
	}
	if callCount != 2 {
		t.Errorf("ExecuteWithFailover() callCount = %d, want 2", callCount)
	}
}

func TestRPCPoolExecuteWithFailoverPermanentErrorStopsImmediately(t *testing.T) {
	pool, err := NewRPCPool(&RPCPoolConfig{
		Endpoints:           []string{"http://node1:8545", "http://node2:8545"},
		MaxConsecutiveFails: 1,
	})
	if err != nil {
		t.Fatalf("NewRPCPool() error = %v", err)
	}

	callCount := 0
	err = pool.ExecuteWithFailover(context.Background(), 2, func(url string) error {
		callCount++
		return &RPCError{Code: -32602, Message: "invalid params"}
	})

	if err == nil {
		t.Error("ExecuteWithFailover() should surface a permanent error")
	}
	if callCount != 1 {
		t.Errorf("ExecuteWithFailover() callCount = %d, want 1 (no retry on permanent error)", callCount)
	}
}

func TestRPCPoolExecuteWithFailoverAllFail(t *testing.T) {
	pool, err := NewRPCPool(&RPCPoolConfig{
		Endpoints:           []string{"http://node1:8545"},
		MaxConsecutiveFails: 1,
	})
	if err != nil {
		t.Fatalf("NewRPCPool() error = %v", err)
	}

	err = pool.ExecuteWithFailover(context.Background(), 2, func(url string) error {
		return errors.New("timeout waiting for response")
	})

	if err == nil {
		t.Error("ExecuteWithFailover() should return error when all retries fail")
	}
}

func TestRPCPoolExecuteWithFailoverCancelledContext(t *testing.T) {
	pool, err := NewRPCPool(&RPCPoolConfig{
		Endpoints:           []string{"http://node1:8545"},
		MaxConsecutiveFails: 1,
		RequestsPerSecond:   1,
		Burst:               1,
	})
	if err != nil {
		t.Fatalf("NewRPCPool() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	callCount := 0
	err = pool.ExecuteWithFailover(ctx, 1, func(url string) error {
		callCount++
		return nil
	})

	if err == nil {
		t.Error("ExecuteWithFailover() should return an error for a cancelled context")
	}
	if callCount != 0 {
		t.Errorf("ExecuteWithFailover() callCount = %d, want 0 (rate limiter wait should fail fast)", callCount)
	}
}

func TestRPCPoolHealthCheck(t *testing.T) {
	client := &http.Client{
		Transport: roundTripperFunc(func(req *http.Request) (*http.Response, error) {
			return &http.Response{
				StatusCode: http.StatusOK,
				Status:     http.StatusText(http.StatusOK),
				Header:     http.Header{"Content-Type": []string{"application/json"}},
				Body:       io.NopCloser(strings.NewReader(`{"jsonrpc":"2.0","id":1,"result":"0x1"}`)),
				Request:    req,
			}, nil
		}),
	}

	pool, err := NewRPCPool(&RPCPoolConfig{
		Endpoints:           []string{"http://example.com"},
		HealthCheckInterval: 10 * time.Millisecond,
		HealthCheckTimeout:  1 * time.Second,
		MaxConsecutiveFails: 3,
		HTTPClient:          client,
	})
	if err != nil {
		t.Fatalf("NewRPCPool() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	pool.Start(ctx)
	time.Sleep(50 * time.Millisecond)
	pool.Stop()

	if pool.HealthyCount() != 1 {
		t.Errorf("HealthyCount() = %d, want 1", pool.HealthyCount())
	}
}

func TestNewRPCPoolFillsZeroValueDefaults(t *testing.T) {
	// A config built with only Endpoints set (the common case: callers
	// override the endpoint list but don't want to repeat every tuning
	// field) must not leave HealthCheckInterval at zero, since Start feeds
	// it straight into time.NewTicker, which panics on a non-positive
	// duration.
	pool, err := NewRPCPool(&RPCPoolConfig{Endpoints: []string{"http://node1:8545"}})
	if err != nil {
		t.Fatalf("NewRPCPool() error = %v", err)
	}

	if pool.config.HealthCheckInterval != 30*time.Second {
		t.Errorf("HealthCheckInterval = %v, want 30s default", pool.config.HealthCheckInterval)
	}
	if pool.config.HealthCheckTimeout != 5*time.Second {
		t.Errorf("HealthCheckTimeout = %v, want 5s default", pool.config.HealthCheckTimeout)
	}
	if pool.config.MaxConsecutiveFails != 5 {
		t.Errorf("MaxConsecutiveFails = %d, want 5 default", pool.config.MaxConsecutiveFails)
	}
	if pool.config.CircuitCooldown != 30*time.Second {
		t.Errorf("CircuitCooldown = %v, want 30s default", pool.config.CircuitCooldown)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	pool.Start(ctx) // must not panic on a zero-interval ticker
	<-ctx.Done()
	pool.Stop()
}

func TestRPCPoolOpensAfterFiveDefaultFails(t *testing.T) {
	pool, err := NewRPCPool(&RPCPoolConfig{Endpoints: []string{"http://node1:8545"}})
	if err != nil {
		t.Fatalf("NewRPCPool() error = %v", err)
	}

	for i := 0; i < 4; i++ {
		pool.MarkUnhealthy("http://node1:8545")
		if pool.HealthyCount() != 1 {
			t.Fatalf("HealthyCount() after %d fails = %d, want 1 (circuit should stay closed below K=5)", i+1, pool.HealthyCount())
		}
	}

	pool.MarkUnhealthy("http://node1:8545")
	if pool.HealthyCount() != 0 {
		t.Errorf("HealthyCount() after 5 fails = %d, want 0 (circuit open)", pool.HealthyCount())
	}
}

func TestDefaultRPCPoolConfig(t *testing.T) {
	cfg := DefaultRPCPoolConfig()
	if cfg == nil {
		t.Fatal("DefaultRPCPoolConfig() returned nil")
	}
	if cfg.HealthCheckInterval != 30*time.Second {
		t.Errorf("HealthCheckInterval = %v, want 30s", cfg.HealthCheckInterval)
	}
	if cfg.HealthCheckTimeout != 5*time.Second {
		t.Errorf("HealthCheckTimeout = %v, want 5s", cfg.HealthCheckTimeout)
	}
	if cfg.MaxConsecutiveFails != 5 {
		t.Errorf("MaxConsecutiveFails = %d, want 5", cfg.MaxConsecutiveFails)
	}
	if cfg.CircuitCooldown != 30*time.Second {
		t.Errorf("CircuitCooldown = %v, want 30s", cfg.CircuitCooldown)
	}
}
