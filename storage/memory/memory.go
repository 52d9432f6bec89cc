// Package memory is a process-local Repository implementation: no
// external dependencies, durable only for the life of the process.
// It backs the STORAGE_BACKEND=memory configuration and local dev.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chainlens/streaming-indexer/services/indexer"
)

// Repository is an in-memory Analyses/Users/Contracts store guarded by a
// single mutex; every method call is O(n) at worst over the stored
// records, which is adequate for the record volumes the core expects.
type Repository struct {
	mu        sync.Mutex
	analyses  map[string]indexer.Analysis
	users     map[string]indexer.User
	contracts map[string][]indexer.Contract

	lastWriteLatency time.Duration
}

// New builds an empty in-memory repository.
func New() *Repository {
	return &Repository{
		analyses:  make(map[string]indexer.Analysis),
		users:     make(map[string]indexer.User),
		contracts: make(map[string][]indexer.Contract),
	}
}

func (r *Repository) recordLatency(since time.Time) {
	r.lastWriteLatency = time.Since(since)
}

// LastWriteLatency satisfies indexer.StorageLatencyRecorder.
func (r *Repository) LastWriteLatency() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastWriteLatency
}

// Create inserts a new Analysis, assigning it a fresh ID if one isn't set.
func (r *Repository) Create(ctx context.Context, record indexer.Analysis) (string, error) {
	start := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	now := time.Now()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	r.analyses[record.ID] = record
	r.recordLatency(start)
	return record.ID, nil
}

// Update applies patch to the Analysis stored under id.
func (r *Repository) Update(ctx context.Context, id string, patch indexer.AnalysisPatch) error {
	start := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.analyses[id]
	if !ok {
		return indexer.ErrNotFound
	}
	if patch.Status != nil {
		record.Status = *patch.Status
	}
	if patch.Progress != nil {
		record.Progress = *patch.Progress
	}
	if patch.MetricsJSON != nil {
		record.MetricsJSON = patch.MetricsJSON
	}
	if patch.TerminalReason != nil {
		record.TerminalReason = *patch.TerminalReason
	}
	record.UpdatedAt = time.Now()
	r.analyses[id] = record
	r.recordLatency(start)
	return nil
}

// FindByID returns the Analysis stored under id.
func (r *Repository) FindByID(ctx context.Context, id string) (indexer.Analysis, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.analyses[id]
	if !ok {
		return indexer.Analysis{}, indexer.ErrNotFound
	}
	return record, nil
}

// FindByUser lists a user's Analyses, newest first, filtered by chain and
// status when filter names them, truncated to filter.Limit when set.
func (r *Repository) FindByUser(ctx context.Context, userID string, filter indexer.AnalysisFilter) ([]indexer.Analysis, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var matched []indexer.Analysis
	for _, record := range r.analyses {
		if record.UserID != userID {
			continue
		}
		if filter.Chain != "" && string(record.Chain) != filter.Chain {
			continue
		}
		if filter.Status != "" && record.Status != filter.Status {
			continue
		}
		matched = append(matched, record)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

// Get returns the User stored under id.
func (r *Repository) Get(ctx context.Context, id string) (indexer.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	user, ok := r.users[id]
	if !ok {
		return indexer.User{}, indexer.ErrNotFound
	}
	return user, nil
}

// UpdateOnboarding records the user's default contract and chain,
// creating the user record if it doesn't exist yet.
func (r *Repository) UpdateOnboarding(ctx context.Context, id, defaultContractAddress, defaultChain string) error {
	start := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	user, ok := r.users[id]
	if !ok {
		user = indexer.User{ID: id, CreatedAt: time.Now()}
	}
	user.DefaultContract = defaultContractAddress
	user.DefaultChain = defaultChain
	user.OnboardingDone = true
	r.users[id] = user
	r.recordLatency(start)
	return nil
}

// ByUser lists the contracts registered for userID.
func (r *Repository) ByUser(ctx context.Context, userID string) ([]indexer.Contract, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]indexer.Contract, len(r.contracts[userID]))
	copy(out, r.contracts[userID])
	return out, nil
}

// Register adds a contract to a user's registered set; exposed for
// onboarding flows and test setup, not part of the Repository contract.
func (r *Repository) Register(ctx context.Context, c indexer.Contract) error {
	start := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	r.contracts[c.UserID] = append(r.contracts[c.UserID], c)
	r.recordLatency(start)
	return nil
}

var _ indexer.Repository = (*Repository)(nil)
