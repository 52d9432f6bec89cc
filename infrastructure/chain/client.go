package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/chainlens/streaming-indexer/infrastructure/httputil"
)

// Client is a single-endpoint JSON-RPC client. It knows nothing about
// failover, health or rate limiting — that is the Pool's job. Call is the
// one primitive every chain adapter (EVM, Starknet) builds its typed
// methods on top of.
type Client struct {
	rpcURL     string
	httpClient *http.Client
}

// Config holds single-endpoint client configuration.
type Config struct {
	RPCURL     string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// NewClient creates a client bound to a single RPC endpoint.
func NewClient(cfg Config) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("RPC URL required")
	}

	normalizedURL, _, err := httputil.NormalizeBaseURL(cfg.RPCURL, httputil.BaseURLOptions{RequireHTTPSInStrictMode: true})
	if err != nil {
		return nil, fmt.Errorf("invalid RPC URL: %w", err)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	forceTimeout := cfg.Timeout != 0

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   timeout,
			Transport: httputil.DefaultTransportWithMinTLS12(),
		}
	} else {
		httpClient = httputil.CopyHTTPClientWithTimeout(httpClient, timeout, forceTimeout)
	}

	return &Client{
		rpcURL:     normalizedURL,
		httpClient: httpClient,
	}, nil
}

// URL returns the endpoint this client talks to.
func (c *Client) URL() string {
	if c == nil {
		return ""
	}
	return c.rpcURL
}

// Call makes a single JSON-RPC call and returns the raw result field.
func (c *Client) Call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	req := RPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      1,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, truncated, readErr := httputil.ReadAllWithLimit(resp.Body, 32<<10)
		if readErr != nil {
			return nil, fmt.Errorf("read error response: %w", readErr)
		}
		msg := strings.TrimSpace(string(respBody))
		if truncated {
			msg += "...(truncated)"
		}
		return nil, &HTTPStatusError{Status: resp.StatusCode, Body: msg}
	}

	respBody, err := httputil.ReadAllStrict(resp.Body, 16<<20)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var rpcResp RPCResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}

	return rpcResp.Result, nil
}
