package indexer

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeSubscriptions struct {
	plan SubscriptionPlan
	err  error
}

func (f fakeSubscriptions) Resolve(ctx context.Context, walletAddress string) (SubscriptionPlan, error) {
	return f.plan, f.err
}

func TestResolveTierReturnsResolvedTier(t *testing.T) {
	r := fakeSubscriptions{plan: SubscriptionPlan{TierName: TierPro, TierNumber: 2, ExpiresAt: time.Now().Add(time.Hour)}}

	got := ResolveTier(context.Background(), r, "0xabc")
	if got != TierPro {
		t.Errorf("ResolveTier() = %v, want TierPro", got)
	}
}

func TestResolveTierFallsBackToFreeOnError(t *testing.T) {
	r := fakeSubscriptions{err: errors.New("rpc down")}

	got := ResolveTier(context.Background(), r, "0xabc")
	if got != TierFree {
		t.Errorf("ResolveTier() = %v, want TierFree", got)
	}
}

func TestResolveTierFallsBackToFreeOnUnrecognizedName(t *testing.T) {
	r := fakeSubscriptions{plan: SubscriptionPlan{TierName: SubscriptionTier("bogus")}}

	got := ResolveTier(context.Background(), r, "0xabc")
	if got != TierFree {
		t.Errorf("ResolveTier() = %v, want TierFree", got)
	}
}

func TestResolveTierNilResolverIsFree(t *testing.T) {
	got := ResolveTier(context.Background(), nil, "0xabc")
	if got != TierFree {
		t.Errorf("ResolveTier() = %v, want TierFree", got)
	}
}
