// Package subscription resolves a wallet's subscription tier from the
// on-chain plan registry contract, falling back to the free tier when
// the resolution can't complete.
package subscription

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/chainlens/streaming-indexer/infrastructure/cache"
	"github.com/chainlens/streaming-indexer/infrastructure/chain"
	"github.com/chainlens/streaming-indexer/infrastructure/resilience"
	"github.com/chainlens/streaming-indexer/services/indexer"
)

// planCacheTTL bounds how long a resolved plan is trusted before the
// resolver re-queries the registry. A session only resolves a wallet's
// tier once at start, but a user with several chains/contracts active at
// once would otherwise re-query the same wallet's plan repeatedly within
// seconds of each other.
const planCacheTTL = 30 * time.Second

// planOfSelector is the 4-byte selector for `planOf(address) returns
// (uint8 tierNumber, uint64 expiresAt)`, precomputed so the resolver never
// needs an ABI encoder for this one call.
const planOfSelector = "0x89c38857"

// tierByNumber mirrors the plan table's tierNumber column; it must match
// the on-chain contract bit-for-bit, per the tier descriptor's authority
// rule.
var tierByNumber = map[uint8]indexer.SubscriptionTier{
	0: indexer.TierFree,
	1: indexer.TierStarter,
	2: indexer.TierPro,
	3: indexer.TierEnterprise,
}

// Resolver resolves subscription tiers via an `eth_call` against a plan
// registry contract on the given chain. A registry contract that starts
// failing (wrong address configured, node serving stale state) would
// otherwise burn a retry budget on every session start; the circuit
// breaker trips after a run of failures so callers fall back to TierFree
// immediately instead of blocking on a registry that is down.
type Resolver struct {
	pool            *chain.RPCPool
	registryAddress string
	maxRetries      int
	breaker         *resilience.CircuitBreaker
	cache           *cache.TTLCache
}

// NewResolver builds a Resolver that queries registryAddress through pool.
func NewResolver(pool *chain.RPCPool, registryAddress string, maxRetries int) *Resolver {
	return &Resolver{
		pool:            pool,
		registryAddress: registryAddress,
		maxRetries:      maxRetries,
		breaker:         resilience.New(resilience.DefaultConfig()),
		cache:           cache.NewTTLCache(planCacheTTL),
	}
}

// Resolve calls planOf(walletAddress) on the registry contract and decodes
// the returned (tierNumber, expiresAt) pair. Any RPC, decode, unknown-
// tier, or open-circuit error is returned to the caller, which per the
// core's fallback rule degrades to TierFree rather than failing session
// start.
func (r *Resolver) Resolve(ctx context.Context, walletAddress string) (indexer.SubscriptionPlan, error) {
	cacheKey := r.registryAddress + ":" + strings.ToLower(walletAddress)
	if cached, ok := r.cache.Get(ctx, cacheKey); ok {
		return cached.(indexer.SubscriptionPlan), nil
	}

	callData := planOfSelector + encodeAddress(walletAddress)

	params := []interface{}{
		map[string]interface{}{
			"to":   r.registryAddress,
			"data": callData,
		},
		"latest",
	}

	var raw json.RawMessage
	err := r.breaker.Execute(ctx, func() error {
		result, callErr := r.pool.Call(ctx, "eth_call", params, r.maxRetries)
		if callErr != nil {
			return callErr
		}
		raw = result
		return nil
	})
	if err != nil {
		return indexer.SubscriptionPlan{}, fmt.Errorf("subscription resolver: eth_call planOf: %w", err)
	}

	var hexResult string
	if err := json.Unmarshal(raw, &hexResult); err != nil {
		return indexer.SubscriptionPlan{}, fmt.Errorf("subscription resolver: decode result: %w", err)
	}

	tierNumber, expiresAt, err := decodePlanOfResult(hexResult)
	if err != nil {
		return indexer.SubscriptionPlan{}, fmt.Errorf("subscription resolver: decode planOf result: %w", err)
	}

	tierName, ok := tierByNumber[tierNumber]
	if !ok {
		return indexer.SubscriptionPlan{}, fmt.Errorf("subscription resolver: unrecognized tierNumber %d", tierNumber)
	}

	expiry := time.Unix(int64(expiresAt), 0).UTC()
	if expiry.Before(time.Now()) {
		// The registry still carries the wallet's last-purchased plan after
		// it lapses; an expired plan resolves to Free rather than keeping
		// the lapsed tier's benefits indefinitely.
		tierName = indexer.TierFree
		tierNumber = 0
	}

	plan := indexer.SubscriptionPlan{
		TierNumber: int(tierNumber),
		TierName:   tierName,
		ExpiresAt:  expiry,
	}
	r.cache.Set(ctx, cacheKey, plan)
	return plan, nil
}

// decodePlanOfResult unpacks the ABI-encoded (uint8, uint64) return value:
// two left-padded 32-byte words following the "0x" prefix.
func decodePlanOfResult(hexResult string) (tierNumber uint8, expiresAt uint64, err error) {
	trimmed := strings.TrimPrefix(hexResult, "0x")
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid hex: %w", err)
	}
	if len(raw) < 64 {
		return 0, 0, fmt.Errorf("short return data: %d bytes", len(raw))
	}

	tierWord := new(big.Int).SetBytes(raw[0:32])
	expiresWord := new(big.Int).SetBytes(raw[32:64])

	if !tierWord.IsUint64() || tierWord.Uint64() > 255 {
		return 0, 0, fmt.Errorf("tierNumber out of range: %s", tierWord)
	}
	return uint8(tierWord.Uint64()), expiresWord.Uint64(), nil
}

// encodeAddress left-pads a 20-byte address to a 32-byte ABI word, without
// the "0x" prefix.
func encodeAddress(address string) string {
	trimmed := strings.TrimPrefix(address, "0x")
	return strings.Repeat("0", 64-len(trimmed)) + strings.ToLower(trimmed)
}
