// Package chain provides the JSON-RPC client and connection pool shared by
// every blockchain adapter (Ethereum, Lisk, Starknet) in the indexer.
package chain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNoHealthyEndpoint is returned when every endpoint for a chain has its
// circuit open.
var ErrNoHealthyEndpoint = errors.New("no healthy endpoint available")

// =============================================================================
// RPC wire types
// =============================================================================

// RPCRequest is a JSON-RPC 2.0 request.
type RPCRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int           `json:"id"`
}

// RPCResponse is a JSON-RPC 2.0 response.
type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// =============================================================================
// Error classification
// =============================================================================

// HTTPStatusError wraps a non-2xx HTTP response from an RPC endpoint.
type HTTPStatusError struct {
	Status int
	Body   string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("rpc http error %d: %s", e.Status, e.Body)
}

// Classify reports whether err looks transient (worth a retry / failover to
// another endpoint) as opposed to permanent (the call itself is malformed
// and retrying it anywhere will not help).
func Classify(err error) bool {
	if err == nil {
		return false
	}

	if rpcErr, ok := err.(*RPCError); ok {
		return isTransientRPCCode(rpcErr.Code)
	}
	if httpErr, ok := err.(*HTTPStatusError); ok {
		return httpErr.Status == 429 || httpErr.Status >= 500
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "timed out"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "eof"),
		strings.Contains(msg, "context deadline exceeded"):
		return true
	}
	return false
}

// isTransientRPCCode reports whether a JSON-RPC error code is commonly
// reused by providers for rate limiting or transient overload.
func isTransientRPCCode(code int) bool {
	switch code {
	case -32000, -32005, -32603:
		return true
	default:
		return false
	}
}

// IsOverflow reports whether err indicates the provider refused to return a
// result set because it exceeded a per-call size cap.
func IsOverflow(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "query returned more than") ||
		strings.Contains(msg, "more than 10000 results") ||
		(strings.Contains(msg, "block range") && strings.Contains(msg, "too large")) ||
		strings.Contains(msg, "limit exceeded")
}

// =============================================================================
// Chain-agnostic domain shapes
// =============================================================================

// Log is the normalized event-log shape produced by every chain adapter,
// whether the underlying wire format is an Ethereum-style log or a Starknet
// event.
type Log struct {
	ChainID         string          `json:"chain_id"`
	BlockNumber     uint64          `json:"block_number"`
	BlockHash       string          `json:"block_hash"`
	TxHash          string          `json:"tx_hash"`
	TxIndex         uint32          `json:"tx_index"`
	LogIndex        uint32          `json:"log_index"`
	ContractAddress string          `json:"contract_address"`
	Topics          []string        `json:"topics"`
	Data            string          `json:"data"`
	Removed         bool            `json:"removed"`
	Raw             json.RawMessage `json:"-"`
}

// BlockRef is a minimal block reference used for head polling and boundary
// validation.
type BlockRef struct {
	Number uint64 `json:"number"`
	Hash   string `json:"hash"`
}
