package indexer

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by repository lookups that find nothing.
var ErrNotFound = errors.New("indexer: record not found")

// AnalysisFilter narrows Analyses.findByUser; a zero value matches
// everything for the user.
type AnalysisFilter struct {
	Chain  string
	Status SessionState
	Limit  int
}

// AnalysisPatch carries a partial update to an Analysis record. Only
// non-nil fields are applied; implementations must apply a patch
// transactionally and durably before returning.
type AnalysisPatch struct {
	Status         *SessionState
	Progress       *float64
	MetricsJSON    []byte
	TerminalReason *string
}

// Analyses is the durable record of indexing runs, written as a session
// progresses and read back by the status/list endpoints.
type Analyses interface {
	Create(ctx context.Context, record Analysis) (string, error)
	Update(ctx context.Context, id string, patch AnalysisPatch) error
	FindByID(ctx context.Context, id string) (Analysis, error)
	FindByUser(ctx context.Context, userID string, filter AnalysisFilter) ([]Analysis, error)
}

// User is the onboarding-facing account record; the indexer only reads and
// patches it, it never owns user lifecycle.
type User struct {
	ID              string    `json:"id" db:"id"`
	DefaultContract string    `json:"default_contract,omitempty" db:"default_contract"`
	DefaultChain    string    `json:"default_chain,omitempty" db:"default_chain"`
	OnboardingDone  bool      `json:"onboarding_done" db:"onboarding_done"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

// Users resolves and patches the onboarding-facing account record.
type Users interface {
	Get(ctx context.Context, id string) (User, error)
	UpdateOnboarding(ctx context.Context, id string, defaultContractAddress, defaultChain string) error
}

// Contract is one contract a user has previously indexed or registered.
type Contract struct {
	UserID  string `json:"user_id" db:"user_id"`
	Chain   string `json:"chain" db:"chain"`
	Address string `json:"address" db:"address"`
	Label   string `json:"label,omitempty" db:"label"`
}

// Contracts lists the contracts a user has registered, surfaced by
// onboarding and by the maxContracts check at session start.
type Contracts interface {
	ByUser(ctx context.Context, userID string) ([]Contract, error)
}

// Repository composes the three record families the core consumes from
// outside itself. A backing implementation may be in-memory, flat JSON
// files, or a relational database; the core only requires that Update be
// transactional and durable before it returns.
type Repository interface {
	Analyses
	Users
	Contracts
}

// SubscriptionPlan is what Subscriptions.resolve returns: the caller's
// current tier and, where known, its expiry.
type SubscriptionPlan struct {
	TierNumber int
	TierName   SubscriptionTier
	ExpiresAt  time.Time
}

// Subscriptions resolves a wallet address to its subscription tier. The
// core calls this once at session start; on any resolution error it falls
// back to TierFree rather than failing the start call.
type Subscriptions interface {
	Resolve(ctx context.Context, walletAddress string) (SubscriptionPlan, error)
}

// ResolveTier calls resolver.Resolve and degrades to TierFree on any
// error or unrecognized tier name, per the "falls back to Free" rule.
func ResolveTier(ctx context.Context, resolver Subscriptions, walletAddress string) SubscriptionTier {
	if resolver == nil {
		return TierFree
	}
	plan, err := resolver.Resolve(ctx, walletAddress)
	if err != nil || !plan.TierName.Valid() {
		return TierFree
	}
	return plan.TierName
}
