package memory

import (
	"context"
	"testing"

	"github.com/chainlens/streaming-indexer/infrastructure/chain"
	"github.com/chainlens/streaming-indexer/services/indexer"
)

func TestRepositoryCreateAndFindByID(t *testing.T) {
	r := New()
	id, err := r.Create(context.Background(), indexer.Analysis{UserID: "u1", Chain: chain.Ethereum, ContractAddress: "0xabc"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if id == "" {
		t.Fatal("Create() returned empty id")
	}

	got, err := r.FindByID(context.Background(), id)
	if err != nil {
		t.Fatalf("FindByID() error = %v", err)
	}
	if got.UserID != "u1" {
		t.Errorf("UserID = %q, want u1", got.UserID)
	}
}

func TestRepositoryFindByIDNotFound(t *testing.T) {
	r := New()
	_, err := r.FindByID(context.Background(), "missing")
	if err != indexer.ErrNotFound {
		t.Errorf("FindByID() error = %v, want ErrNotFound", err)
	}
}

func TestRepositoryUpdateAppliesPatch(t *testing.T) {
	r := New()
	id, _ := r.Create(context.Background(), indexer.Analysis{UserID: "u1"})

	status := indexer.StateCompleted
	progress := 1.0
	if err := r.Update(context.Background(), id, indexer.AnalysisPatch{Status: &status, Progress: &progress}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	got, _ := r.FindByID(context.Background(), id)
	if got.Status != indexer.StateCompleted {
		t.Errorf("Status = %v, want StateCompleted", got.Status)
	}
	if got.Progress != 1.0 {
		t.Errorf("Progress = %v, want 1.0", got.Progress)
	}
}

func TestRepositoryUpdateUnknownID(t *testing.T) {
	r := New()
	err := r.Update(context.Background(), "missing", indexer.AnalysisPatch{})
	if err != indexer.ErrNotFound {
		t.Errorf("Update() error = %v, want ErrNotFound", err)
	}
}

func TestRepositoryFindByUserFiltersAndSorts(t *testing.T) {
	r := New()
	r.Create(context.Background(), indexer.Analysis{UserID: "u1", Chain: chain.Ethereum, Status: indexer.StateRunning})
	r.Create(context.Background(), indexer.Analysis{UserID: "u1", Chain: chain.Lisk, Status: indexer.StateCompleted})
	r.Create(context.Background(), indexer.Analysis{UserID: "u2", Chain: chain.Ethereum, Status: indexer.StateRunning})

	got, err := r.FindByUser(context.Background(), "u1", indexer.AnalysisFilter{Chain: "ethereum"})
	if err != nil {
		t.Fatalf("FindByUser() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("FindByUser() returned %d records, want 1", len(got))
	}
	if got[0].Chain != chain.Ethereum {
		t.Errorf("Chain = %v, want ethereum", got[0].Chain)
	}

	all, err := r.FindByUser(context.Background(), "u1", indexer.AnalysisFilter{})
	if err != nil {
		t.Fatalf("FindByUser() error = %v", err)
	}
	if len(all) != 2 || all[0].CreatedAt.Before(all[1].CreatedAt) {
		t.Errorf("FindByUser() = %+v, want both u1 records, newest first", all)
	}
}

func TestRepositoryUsersOnboarding(t *testing.T) {
	r := New()
	if err := r.UpdateOnboarding(context.Background(), "u1", "0xabc", "ethereum"); err != nil {
		t.Fatalf("UpdateOnboarding() error = %v", err)
	}

	got, err := r.Get(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !got.OnboardingDone || got.DefaultContract != "0xabc" {
		t.Errorf("Get() = %+v, want onboarded with default contract 0xabc", got)
	}
}

func TestRepositoryContractsByUser(t *testing.T) {
	r := New()
	r.Register(context.Background(), indexer.Contract{UserID: "u1", Chain: "ethereum", Address: "0xabc"})
	r.Register(context.Background(), indexer.Contract{UserID: "u1", Chain: "lisk", Address: "0xdef"})

	got, err := r.ByUser(context.Background(), "u1")
	if err != nil {
		t.Fatalf("ByUser() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ByUser() returned %d contracts, want 2", len(got))
	}
}

func TestRepositoryLastWriteLatencyRecorded(t *testing.T) {
	r := New()
	r.Create(context.Background(), indexer.Analysis{UserID: "u1"})

	if r.LastWriteLatency() < 0 {
		t.Error("LastWriteLatency() should be non-negative after a write")
	}
}
