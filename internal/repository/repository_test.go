package repository

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func TestAttachTradeIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orders.json")
	repo := NewOrderRepository(path, zerolog.Nop())

	order := repo.Insert(&Order{
		BinanceOrderId: 42,
		Symbol:         "AUSDT",
		Purpose:        PurposeEntry,
		Status:         OrderStatusFilled,
		Quantity:       3,
	})

	fills := []*Trade{
		{BinanceTradeId: 1, Price: 100, Qty: 1, Commission: 0.05},
		{BinanceTradeId: 2, Price: 100, Qty: 1, Commission: 0.05},
		{BinanceTradeId: 3, Price: 100, Qty: 1, Commission: 0.05},
	}
	for _, f := range fills {
		if err := repo.AttachTrade(order.Id, f); err != nil {
			t.Fatalf("attach: %v", err)
		}
	}

	// Replay every fill, as a reconnect or second reconciliation would
	for _, f := range fills {
		err := repo.AttachTrade(order.Id, &Trade{BinanceTradeId: f.BinanceTradeId, Price: 100, Qty: 1, Commission: 0.05})
		if !errors.Is(err, ErrDuplicateTrade) {
			t.Errorf("trade %d: expected ErrDuplicateTrade, got %v", f.BinanceTradeId, err)
		}
	}

	got, _ := repo.Get(order.Id)
	if got.FilledQty != 3 {
		t.Errorf("filled qty = %f, want 3", got.FilledQty)
	}
	if got.Commission != 0.15 {
		t.Errorf("commission = %f, want 0.15", got.Commission)
	}
}

func TestOrderRepositoryRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orders.json")

	repo := NewOrderRepository(path, zerolog.Nop())
	order := repo.Insert(&Order{
		RecordId:       "rec-1",
		BinanceOrderId: 7,
		BinanceAlgoId:  0,
		Symbol:         "AUSDT",
		Purpose:        PurposeTakeProfit,
	})
	if err := repo.AttachTrade(order.Id, &Trade{BinanceTradeId: 9, Price: 101, Qty: 2, Commission: 0.1}); err != nil {
		t.Fatalf("attach: %v", err)
	}

	// Reload from disk; all indexes must rebuild
	reloaded := NewOrderRepository(path, zerolog.Nop())
	byOrder, ok := reloaded.GetByBinanceOrderId(7)
	if !ok {
		t.Fatal("order lost on reload")
	}
	if byOrder.AvgFilledPrice != 101 || byOrder.FilledQty != 2 {
		t.Errorf("aggregate lost: price=%f qty=%f", byOrder.AvgFilledPrice, byOrder.FilledQty)
	}
	if !reloaded.HasTrade(9) {
		t.Error("trade index not rebuilt")
	}
	if got := reloaded.GetByRecordId("rec-1"); len(got) != 1 {
		t.Errorf("record index not rebuilt, got %d orders", len(got))
	}
}

func TestRecordRepositoryFilters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.json")
	repo := NewRecordRepository(path, zerolog.Nop())

	open := repo.Insert(&TradeRecord{Symbol: "AUSDT", Status: RecordStatusOpen, Source: SourceLive})
	repo.Insert(&TradeRecord{Symbol: "BUSDT", Status: RecordStatusOpen, Source: SourceSim})
	closed := repo.Insert(&TradeRecord{Symbol: "CUSDT", Status: RecordStatusTPClosed, Source: SourceLive})

	if got := repo.Open(SourceLive); len(got) != 1 || got[0].Id != open.Id {
		t.Errorf("live open filter wrong: %d", len(got))
	}
	if got := repo.Open(""); len(got) != 2 {
		t.Errorf("unfiltered open = %d, want 2", len(got))
	}
	if got := repo.Closed(SourceLive); len(got) != 1 || got[0].Id != closed.Id {
		t.Errorf("closed filter wrong")
	}

	// Terminal transition survives reload
	open.Status = RecordStatusSLClosed
	if err := repo.Update(open); err != nil {
		t.Fatalf("update: %v", err)
	}
	reloaded := NewRecordRepository(path, zerolog.Nop())
	if got := reloaded.Open(""); len(got) != 1 {
		t.Errorf("open after reload = %d, want 1", len(got))
	}
}

func TestMalformedFileStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "records.json")
	writeFile(t, path, "{not json")

	repo := NewRecordRepository(path, zerolog.Nop())
	if got := len(repo.All()); got != 0 {
		t.Errorf("expected empty repository, got %d", got)
	}

	// New writes must succeed and round-trip
	repo.Insert(&TradeRecord{Symbol: "AUSDT", Status: RecordStatusOpen})
	reloaded := NewRecordRepository(path, zerolog.Nop())
	if got := len(reloaded.All()); got != 1 {
		t.Errorf("expected 1 record after recovery, got %d", got)
	}
}

func TestPendingOrderRepository(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pending.json")
	repo := NewPendingOrderRepository(path, zerolog.Nop())

	p := repo.Insert(&PendingOrder{
		OrderKind:      PendingKindLimit,
		Symbol:         "AUSDT",
		Side:           "BUY",
		Quantity:       2,
		LimitPrice:     99,
		BinanceOrderId: 55,
	})

	if got, ok := repo.GetByBinanceOrderId(55); !ok || got.Id != p.Id {
		t.Fatal("lookup by exchange id failed")
	}

	reloaded := NewPendingOrderRepository(path, zerolog.Nop())
	if got := reloaded.BySymbol("AUSDT"); len(got) != 1 {
		t.Fatalf("pending lost on reload")
	}

	repo.Delete(p.Id)
	if _, ok := repo.Get(p.Id); ok {
		t.Error("delete failed")
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}
