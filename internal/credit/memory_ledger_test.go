package credit

import (
	"context"
	"testing"
	"time"
)

func TestMemoryLedgerStatusOnlyMovesForward(t *testing.T) {
	ledger := NewMemoryLedger()
	ctx := context.Background()

	id, err := ledger.Create(ctx, &Record{SessionID: "s", FromChain: "solana_devnet", ToChain: "base_sepolia", AmountUSD: 10})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := ledger.Update(ctx, id, Patch{Status: StatusCreditSubmitted, Meta: map[string]any{MetaTxHash: "0x1"}}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := ledger.Update(ctx, id, Patch{Status: StatusCreated}); !IsStatusRegression(err) {
		t.Fatalf("expected regression error, got %v", err)
	}
	record, err := ledger.Update(ctx, id, Patch{Status: StatusCredited, Meta: map[string]any{MetaReceiptStatus: "success"}})
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	if record.TxHash() != "0x1" || record.Meta[MetaReceiptStatus] != "success" {
		t.Fatalf("meta should be merged, got %+v", record.Meta)
	}
	if _, err := ledger.Update(ctx, id, Patch{Status: StatusFailed}); !IsStatusRegression(err) {
		t.Fatalf("terminal status must not change, got %v", err)
	}
	if _, err := ledger.Update(ctx, id, Patch{Meta: map[string]any{"note": "x"}}); err != nil {
		t.Fatalf("meta-only update on terminal record: %v", err)
	}
}

func TestMemoryLedgerReturnsCopies(t *testing.T) {
	ledger := NewMemoryLedger()
	ctx := context.Background()
	id, _ := ledger.Create(ctx, &Record{Meta: map[string]any{"a": 1}})

	got, _ := ledger.Get(ctx, id)
	got.Meta["a"] = 2
	got.Status = StatusFailed

	again, _ := ledger.Get(ctx, id)
	if again.Meta["a"] != 1 || again.Status != StatusCreated {
		t.Fatalf("ledger state leaked through returned record: %+v", again)
	}
	if _, err := ledger.Get(ctx, "missing"); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := ledger.Create(ctx, &Record{ID: id}); err == nil {
		t.Fatal("duplicate id should conflict")
	}
}

func TestMemoryLedgerListAndStats(t *testing.T) {
	ledger := NewMemoryLedger()
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)

	specs := []struct {
		id      string
		session string
		status  Status
		amount  float64
		offset  time.Duration
	}{
		{"r1", "s1", StatusCreditSubmitted, 10, 0},
		{"r2", "s1", StatusCredited, 20, time.Minute},
		{"r3", "s2", StatusCreditSubmitted, 30, 2 * time.Minute},
		{"r4", "s2", StatusFailed, 40, 3 * time.Minute},
	}
	for _, spec := range specs {
		at := base.Add(spec.offset)
		ledger.now = func() time.Time { return at }
		if _, err := ledger.Create(ctx, &Record{ID: spec.id, SessionID: spec.session, ToChain: "base_sepolia", Status: spec.status, AmountUSD: spec.amount}); err != nil {
			t.Fatalf("create %s: %v", spec.id, err)
		}
	}

	pending, err := ledger.FindByStatus(ctx, []Status{StatusCreditSubmitted}, 10)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != "r1" || pending[1].ID != "r3" {
		t.Fatalf("expected oldest-first submitted records, got %+v", pending)
	}

	recent, _ := ledger.List(ctx, BuildListOptions(WithSession("s2")))
	if len(recent) != 2 || recent[0].ID != "r4" {
		t.Fatalf("unexpected session list %+v", recent)
	}

	page, _ := ledger.List(ctx, BuildListOptions(WithLimit(1), WithOffset(1)))
	if len(page) != 1 || page[0].ID != "r3" {
		t.Fatalf("unexpected page %+v", page)
	}

	stats, _ := ledger.Stats(ctx, ListOptions{})
	if stats.Total != 4 || stats.Submitted != 2 || stats.Credited != 1 || stats.Failed != 1 || stats.CreditedUSD != 20 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if stats.OldestUpdatedAt != base.Unix() || stats.NewestUpdatedAt != base.Add(3*time.Minute).Unix() {
		t.Fatalf("unexpected time range %+v", stats)
	}
}
