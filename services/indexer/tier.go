package indexer

import "github.com/chainlens/streaming-indexer/infrastructure/chain"

// blocksPerDay gives each chain's approximate block production rate, used
// to convert a tier's historical-days lookback into a block count.
var blocksPerDay = map[chain.ChainID]uint64{
	chain.Ethereum: 7200,
	chain.Lisk:     7200,
	chain.Starknet: 14400,
}

// tierHistoricalDays is the trailing window each tier backfills by default, in
// days. Enterprise's 730-day window is this default; indexing the contract's
// entire history instead requires the caller to opt into fromDeployment mode
// explicitly (see CalculateWindow).
var tierHistoricalDays = map[SubscriptionTier]int{
	TierFree:       30,
	TierStarter:    90,
	TierPro:        365,
	TierEnterprise: 730,
}

// tierMaxContracts caps how many concurrent contracts a single user may
// index at a given tier.
var tierMaxContracts = map[SubscriptionTier]int{
	TierFree:       1,
	TierStarter:    3,
	TierPro:        10,
	TierEnterprise: 100,
}

// tierChunkConcurrency is the number of chunks a session at this tier may
// execute in parallel (§4.3 Concurrency).
var tierChunkConcurrency = map[SubscriptionTier]int{
	TierFree:       4,
	TierStarter:    4,
	TierPro:        4,
	TierEnterprise: 8,
}

// MaxContracts returns the tier's concurrent-contract cap.
func (t SubscriptionTier) MaxContracts() int {
	if n, ok := tierMaxContracts[t]; ok {
		return n
	}
	return 1
}

// ChunkConcurrency returns the tier's per-session chunk concurrency.
func (t SubscriptionTier) ChunkConcurrency() int {
	if n, ok := tierChunkConcurrency[t]; ok {
		return n
	}
	return 4
}

// CalculateWindow is the Tier Calculator: a pure, deterministic function
// with no I/O that maps a subscription tier, the chain's current head, and
// a contract's deployment block to the BlockWindow a session must cover.
//
// startBlock is clamped up to deploymentBlock: a tier's lookback can never
// reach earlier than the block the contract was created in. fromDeployment
// is an explicit, Enterprise-only opt-in: when true and tier is
// TierEnterprise, the tier's 730-day default lookback is ignored entirely
// and the window starts at deploymentBlock. It has no effect on other
// tiers, which only ever see their finite window.
func CalculateWindow(id chain.ChainID, head, deploymentBlock uint64, tier SubscriptionTier, fromDeployment bool) BlockWindow {
	start := deploymentBlock
	if !(fromDeployment && tier == TierEnterprise) {
		days, ok := tierHistoricalDays[tier]
		if !ok {
			days = tierHistoricalDays[TierFree]
		}
		lookback := uint64(days) * blocksPerDay[id]
		if head > lookback && head-lookback > deploymentBlock {
			start = head - lookback
		}
	}

	end := head
	if end < start {
		end = start
	}

	return BlockWindow{From: start, To: end, DeploymentBlock: deploymentBlock}
}
