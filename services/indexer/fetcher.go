package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/chainlens/streaming-indexer/infrastructure/chain"
)

// Fetcher is the chain-agnostic contract of the Contract Fetcher: the
// Deployment Finder and Chunk Manager only ever see this interface, never
// the chain-specific JSON-RPC dialects underneath it.
type Fetcher interface {
	// GetHead returns the current chain head block number.
	GetHead(ctx context.Context) (uint64, error)

	// GetLogs returns every log emitted by address in the inclusive
	// [from, to] block range, normalized into the chain-agnostic Log
	// shape. Returns a *chain wrapped overflow error when the provider
	// refuses the range as too large; callers detect this with
	// chain.IsOverflow.
	GetLogs(ctx context.Context, address string, from, to uint64) ([]chain.Log, error)

	// HasCodeAt reports whether address held code at block. The
	// Deployment Finder's binary search uses this to locate the
	// earliest block at which a contract existed.
	HasCodeAt(ctx context.Context, address string, block uint64) (bool, error)
}

// =============================================================================
// EVM adapter (Ethereum, Lisk)
// =============================================================================

// EVMFetcher implements Fetcher over standard Ethereum JSON-RPC: eth_getLogs,
// eth_blockNumber, eth_getCode.
type EVMFetcher struct {
	pool       *chain.RPCPool
	maxRetries int
}

// NewEVMFetcher builds an EVM adapter over pool.
func NewEVMFetcher(pool *chain.RPCPool, maxRetries int) *EVMFetcher {
	return &EVMFetcher{pool: pool, maxRetries: maxRetries}
}

func (f *EVMFetcher) GetHead(ctx context.Context) (uint64, error) {
	raw, err := f.pool.Call(ctx, "eth_blockNumber", []interface{}{}, f.maxRetries)
	if err != nil {
		return 0, fmt.Errorf("eth_blockNumber: %w", err)
	}
	var hex string
	if err := json.Unmarshal(raw, &hex); err != nil {
		return 0, fmt.Errorf("eth_blockNumber: decode: %w", err)
	}
	return parseHexUint64(hex)
}

func (f *EVMFetcher) GetLogs(ctx context.Context, address string, from, to uint64) ([]chain.Log, error) {
	params := []interface{}{map[string]interface{}{
		"address":   address,
		"fromBlock": toHex(from),
		"toBlock":   toHex(to),
	}}
	raw, err := f.pool.Call(ctx, "eth_getLogs", params, f.maxRetries)
	if err != nil {
		return nil, fmt.Errorf("eth_getLogs: %w", err)
	}

	var entries []evmLogEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("eth_getLogs: decode: %w", err)
	}

	logs := make([]chain.Log, 0, len(entries))
	for _, e := range entries {
		l, err := e.toChainLog()
		if err != nil {
			return nil, fmt.Errorf("eth_getLogs: normalize: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, nil
}

func (f *EVMFetcher) HasCodeAt(ctx context.Context, address string, block uint64) (bool, error) {
	params := []interface{}{address, toHex(block)}
	raw, err := f.pool.Call(ctx, "eth_getCode", params, f.maxRetries)
	if err != nil {
		return false, fmt.Errorf("eth_getCode: %w", err)
	}
	var code string
	if err := json.Unmarshal(raw, &code); err != nil {
		return false, fmt.Errorf("eth_getCode: decode: %w", err)
	}
	return code != "" && code != "0x", nil
}

// evmLogEntry is the wire shape of one eth_getLogs result entry.
type evmLogEntry struct {
	Address          string   `json:"address"`
	Topics           []string `json:"topics"`
	Data             string   `json:"data"`
	BlockNumber      string   `json:"blockNumber"`
	TransactionHash  string   `json:"transactionHash"`
	TransactionIndex string   `json:"transactionIndex"`
	BlockHash        string   `json:"blockHash"`
	LogIndex         string   `json:"logIndex"`
	Removed          bool     `json:"removed"`
}

func (e evmLogEntry) toChainLog() (chain.Log, error) {
	blockNumber, err := parseHexUint64(e.BlockNumber)
	if err != nil {
		return chain.Log{}, err
	}
	txIndex, err := parseHexUint64(e.TransactionIndex)
	if err != nil {
		return chain.Log{}, err
	}
	logIndex, err := parseHexUint64(e.LogIndex)
	if err != nil {
		return chain.Log{}, err
	}

	raw, _ := json.Marshal(e)
	return chain.Log{
		BlockNumber:     blockNumber,
		BlockHash:       e.BlockHash,
		TxHash:          e.TransactionHash,
		TxIndex:         uint32(txIndex),
		LogIndex:        uint32(logIndex),
		ContractAddress: e.Address,
		Topics:          e.Topics,
		Data:            e.Data,
		Removed:         e.Removed,
		Raw:             raw,
	}, nil
}

func toHex(v uint64) string {
	return "0x" + strconv.FormatUint(v, 16)
}

func parseHexUint64(hex string) (uint64, error) {
	hex = strings.TrimPrefix(hex, "0x")
	if hex == "" {
		return 0, nil
	}
	return strconv.ParseUint(hex, 16, 64)
}

// =============================================================================
// Starknet adapter
// =============================================================================

// StarknetFetcher implements Fetcher over the Starknet JSON-RPC dialect:
// starknet_getEvents (paginated via continuation_token), starknet_blockNumber,
// starknet_getClassAt.
type StarknetFetcher struct {
	pool       *chain.RPCPool
	maxRetries int
}

// NewStarknetFetcher builds a Starknet adapter over pool.
func NewStarknetFetcher(pool *chain.RPCPool, maxRetries int) *StarknetFetcher {
	return &StarknetFetcher{pool: pool, maxRetries: maxRetries}
}

func (f *StarknetFetcher) GetHead(ctx context.Context) (uint64, error) {
	raw, err := f.pool.Call(ctx, "starknet_blockNumber", []interface{}{}, f.maxRetries)
	if err != nil {
		return 0, fmt.Errorf("starknet_blockNumber: %w", err)
	}
	var n uint64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("starknet_blockNumber: decode: %w", err)
	}
	return n, nil
}

// GetLogs drains every page of starknet_getEvents, following
// continuation_token until the provider omits one.
func (f *StarknetFetcher) GetLogs(ctx context.Context, address string, from, to uint64) ([]chain.Log, error) {
	var logs []chain.Log
	continuationToken := ""

	for {
		filter := map[string]interface{}{
			"from_block": map[string]uint64{"block_number": from},
			"to_block":   map[string]uint64{"block_number": to},
			"address":    address,
			"chunk_size": 1000,
		}
		if continuationToken != "" {
			filter["continuation_token"] = continuationToken
		}

		raw, err := f.pool.Call(ctx, "starknet_getEvents", []interface{}{filter}, f.maxRetries)
		if err != nil {
			return nil, fmt.Errorf("starknet_getEvents: %w", err)
		}

		var page starknetEventPage
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, fmt.Errorf("starknet_getEvents: decode: %w", err)
		}

		for _, e := range page.Events {
			logs = append(logs, e.toChainLog())
		}

		if page.ContinuationToken == "" {
			break
		}
		continuationToken = page.ContinuationToken

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
	}

	return logs, nil
}

// HasCodeAt uses starknet_getClassAt in place of "code at": a contract-not-
// found JSON-RPC error means the address has never held a class, i.e. is
// undeployed at block.
func (f *StarknetFetcher) HasCodeAt(ctx context.Context, address string, block uint64) (bool, error) {
	params := []interface{}{map[string]uint64{"block_number": block}, address}
	_, err := f.pool.Call(ctx, "starknet_getClassAt", params, f.maxRetries)
	if err != nil {
		var rpcErr *chain.RPCError
		if errors.As(err, &rpcErr) && rpcErr.Code == starknetContractNotFoundCode {
			return false, nil
		}
		return false, fmt.Errorf("starknet_getClassAt: %w", err)
	}
	return true, nil
}

// starknetContractNotFoundCode is the JSON-RPC error code Starknet nodes
// return from starknet_getClassAt when the address has no class at block.
const starknetContractNotFoundCode = 20

type starknetEventEntry struct {
	FromAddress     string   `json:"from_address"`
	Keys            []string `json:"keys"`
	Data            []string `json:"data"`
	BlockHash       string   `json:"block_hash"`
	BlockNumber     uint64   `json:"block_number"`
	TransactionHash string   `json:"transaction_hash"`
}

func (e starknetEventEntry) toChainLog() chain.Log {
	raw, _ := json.Marshal(e)
	return chain.Log{
		BlockNumber:     e.BlockNumber,
		BlockHash:       e.BlockHash,
		TxHash:          e.TransactionHash,
		ContractAddress: e.FromAddress,
		Topics:          e.Keys,
		Data:            strings.Join(e.Data, ","),
		Raw:             raw,
	}
}

type starknetEventPage struct {
	Events            []starknetEventEntry `json:"events"`
	ContinuationToken string               `json:"continuation_token"`
}
