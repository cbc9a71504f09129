package journal

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"tokenrails/internal/redemption"
	"tokenrails/internal/verify"
)

func sampleRequest(reference string, status redemption.Status) redemption.Request {
	now := time.Unix(1_700_000_000, 0).UTC()
	return redemption.Request{
		Reference: reference,
		Status:    status,
		ChainID:   4202,
		Token:     "IDRX",
		Amount:    "100",
		Rate:      1500,
		FeeRate:   0.005,
		NetFiat:   149250,
		Destination: verify.Destination{
			Institution: "044",
			AccountID:   "0690000031",
			AccountName: "ADA OBI",
			Type:        verify.AccountBank,
		},
		TxHash:    "0xabc",
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if req, _ := store.Get(ctx, "missing"); req != nil {
		t.Fatalf("expected nil for missing reference")
	}

	if err := store.Save(ctx, sampleRequest("ref-1", redemption.StatusSubmitting)); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	got, _ := store.Get(ctx, "ref-1")
	if got == nil || got.TxHash != "0xabc" {
		t.Fatalf("unexpected request: %+v", got)
	}
}

func TestMemoryStoreClaim(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first := sampleRequest("ref-1", redemption.StatusValidating)
	existing, err := store.Claim(ctx, first)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if existing != nil {
		t.Fatalf("fresh reference must claim, got %+v", existing)
	}

	second := sampleRequest("ref-1", redemption.StatusValidating)
	second.Amount = "999"
	existing, err = store.Claim(ctx, second)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if existing == nil || existing.Amount != "100" {
		t.Fatalf("held reference must return the holder, got %+v", existing)
	}

	// A rolled-back request releases its reference.
	idle := first
	idle.Status = redemption.StatusIdle
	if err := store.Save(ctx, idle); err != nil {
		t.Fatalf("save: %v", err)
	}
	existing, err = store.Claim(ctx, second)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if existing != nil {
		t.Fatalf("idle reference must be reclaimable, got %+v", existing)
	}
	got, _ := store.Get(ctx, "ref-1")
	if got == nil || got.Amount != "999" {
		t.Fatalf("reclaim must overwrite, got %+v", got)
	}
}

func TestFileStoreClaim(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "journal.json"))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	ctx := context.Background()

	if existing, err := store.Claim(ctx, sampleRequest("ref-1", redemption.StatusValidating)); err != nil || existing != nil {
		t.Fatalf("fresh reference must claim, got %+v err %v", existing, err)
	}
	existing, err := store.Claim(ctx, sampleRequest("ref-1", redemption.StatusValidating))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if existing == nil {
		t.Fatalf("held reference must return the holder")
	}
}

func TestMemoryStoreListByStatus(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	a := sampleRequest("ref-a", redemption.StatusNeedsReconciliation)
	b := sampleRequest("ref-b", redemption.StatusCompleted)
	c := sampleRequest("ref-c", redemption.StatusNeedsReconciliation)
	c.CreatedAt = a.CreatedAt.Add(time.Minute)

	for _, req := range []redemption.Request{a, b, c} {
		if err := store.Save(ctx, req); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	parked, err := store.ListByStatus(ctx, redemption.StatusNeedsReconciliation)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(parked) != 2 {
		t.Fatalf("expected 2 parked requests, got %d", len(parked))
	}
	if parked[0].Reference != "ref-a" || parked[1].Reference != "ref-c" {
		t.Fatalf("expected creation order, got %s then %s", parked[0].Reference, parked[1].Reference)
	}
}

func TestFileStorePersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journal.json")

	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Save(ctx, sampleRequest("ref-1", redemption.StatusNeedsReconciliation)); err != nil {
		t.Fatalf("save: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected file on disk: %v", err)
	}

	store2, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("re-open store: %v", err)
	}

	got, _ := store2.Get(ctx, "ref-1")
	if got == nil || got.TxHash != "0xabc" || got.Status != redemption.StatusNeedsReconciliation {
		t.Fatalf("unexpected request after reload: %+v", got)
	}
}

func TestPostgresStoreLifecycle(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store, err := NewPostgresStore(ctx, dsn)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()

	req := sampleRequest("pg-ref-1", redemption.StatusSubmitting)
	if err := store.Save(ctx, req); err != nil {
		t.Fatalf("save: %v", err)
	}

	req.Status = redemption.StatusCompleted
	req.SettlementID = "set-42"
	if err := store.Save(ctx, req); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := store.Get(ctx, "pg-ref-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.Status != redemption.StatusCompleted || got.SettlementID != "set-42" {
		t.Fatalf("unexpected request: %#v", got)
	}
	if got.Destination.AccountName != "ADA OBI" {
		t.Fatalf("destination did not round-trip: %#v", got.Destination)
	}

	existing, err := store.Claim(ctx, sampleRequest("pg-ref-1", redemption.StatusValidating))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if existing == nil || existing.Status != redemption.StatusCompleted {
		t.Fatalf("claim on a completed reference must return the holder, got %+v", existing)
	}

	if existing, err := store.Claim(ctx, sampleRequest("pg-ref-2", redemption.StatusValidating)); err != nil || existing != nil {
		t.Fatalf("fresh reference must claim, got %+v err %v", existing, err)
	}
}
