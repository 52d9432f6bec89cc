package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"
)

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func newResponse(payload []byte) *http.Response {
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     make(http.Header),
		Body:       io.NopCloser(bytes.NewReader(payload)),
	}
}

func TestNewClient(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name:    "valid config",
			cfg:     Config{RPCURL: "http://localhost:8545"},
			wantErr: false,
		},
		{
			name:    "missing URL",
			cfg:     Config{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewClient(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewClient() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestClientCall(t *testing.T) {
	client, err := NewClient(Config{RPCURL: "http://example.com"})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	client.httpClient.Transport = roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		var req RPCRequest
		_ = json.NewDecoder(r.Body).Decode(&req)

		resp := RPCResponse{JSONRPC: "2.0", ID: req.ID}
		switch req.Method {
		case "eth_blockNumber":
			resp.Result = json.RawMessage(`"0x1234"`)
		default:
			resp.Error = &RPCError{Code: -32601, Message: "method not found"}
		}

		payload, _ := json.Marshal(resp)
		return newResponse(payload), nil
	})

	ctx := context.Background()

	result, err := client.Call(ctx, "eth_blockNumber", nil)
	if err != nil {
		t.Errorf("Call(eth_blockNumber) error = %v", err)
	}

	var hexNum string
	if err := json.Unmarshal(result, &hexNum); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if hexNum != "0x1234" {
		t.Errorf("expected 0x1234, got %s", hexNum)
	}
}

func TestClientCallHTTPError(t *testing.T) {
	client, _ := NewClient(Config{RPCURL: "http://example.com"})
	client.httpClient.Transport = roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusInternalServerError,
			Header:     make(http.Header),
			Body:       io.NopCloser(strings.NewReader("internal error")),
		}, nil
	})

	_, err := client.Call(context.Background(), "eth_blockNumber", nil)
	if err == nil {
		t.Error("expected error for HTTP error response")
	}
	var httpErr *HTTPStatusError
	if !asHTTPStatusError(err, &httpErr) {
		t.Errorf("expected *HTTPStatusError, got %T", err)
	}
}

func TestClientCallRPCError(t *testing.T) {
	client, _ := NewClient(Config{RPCURL: "http://example.com"})
	client.httpClient.Transport = roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		resp := RPCResponse{
			JSONRPC: "2.0",
			ID:      1,
			Error:   &RPCError{Code: -32602, Message: "invalid params"},
		}
		payload, _ := json.Marshal(resp)
		return newResponse(payload), nil
	})

	_, err := client.Call(context.Background(), "eth_getLogs", []interface{}{"bad"})
	if err == nil {
		t.Error("expected error for RPC error response")
	}
}

func TestClientCallRespectsContextCancellation(t *testing.T) {
	client, _ := NewClient(Config{RPCURL: "http://example.com"})
	client.httpClient.Transport = roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		select {
		case <-r.Context().Done():
			return nil, r.Context().Err()
		case <-time.After(50 * time.Millisecond):
			return newResponse([]byte(`{"jsonrpc":"2.0","id":1,"result":"0x1"}`)), nil
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()

	_, err := client.Call(ctx, "eth_blockNumber", nil)
	if err == nil {
		t.Error("expected error for cancelled context")
	}
}

func TestNewClientWithCustomHTTPClient(t *testing.T) {
	customClient := &http.Client{Timeout: 60 * time.Second}
	client, err := NewClient(Config{
		RPCURL:     "http://localhost:8545",
		HTTPClient: customClient,
	})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	if client == nil {
		t.Error("NewClient() returned nil")
	}
}

func TestNewClientWithTimeout(t *testing.T) {
	client, err := NewClient(Config{
		RPCURL:  "http://localhost:8545",
		Timeout: 120 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	if client == nil {
		t.Error("NewClient() returned nil")
	}
}

func TestClientURL(t *testing.T) {
	client, err := NewClient(Config{RPCURL: "http://localhost:8545"})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	if client.URL() == "" {
		t.Error("URL() should not be empty")
	}

	var nilClient *Client
	if nilClient.URL() != "" {
		t.Error("nil.URL() should be empty")
	}
}

func asHTTPStatusError(err error, target **HTTPStatusError) bool {
	if e, ok := err.(*HTTPStatusError); ok {
		*target = e
		return true
	}
	return false
}
