package service

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"futures-trader/internal/binance"
	"futures-trader/internal/repository"
)

type fakeTradeFetcher struct {
	trades map[int64][]binance.UserTrade
	err    error
	calls  int
}

func (f *fakeTradeFetcher) GetUserTrades(symbol string, orderId int64) ([]binance.UserTrade, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.trades[orderId], nil
}

func newCommissionFixture(t *testing.T) (*CommissionService, *repository.OrderRepository, *fakeTradeFetcher) {
	t.Helper()
	repo := repository.NewOrderRepository(filepath.Join(t.TempDir(), "orders.json"), zerolog.Nop())
	fetcher := &fakeTradeFetcher{trades: make(map[int64][]binance.UserTrade)}
	return NewCommissionService(fetcher, repo, zerolog.Nop()), repo, fetcher
}

func TestFetchTradesForOrderIdempotent(t *testing.T) {
	svc, repo, fetcher := newCommissionFixture(t)

	order := repo.Insert(&repository.Order{
		BinanceOrderId: 42,
		Symbol:         "AUSDT",
		Purpose:        repository.PurposeEntry,
		Quantity:       3,
	})
	fetcher.trades[42] = []binance.UserTrade{
		{Id: 1, Price: 100, Qty: 1, Commission: 0.05},
		{Id: 2, Price: 101, Qty: 2, Commission: 0.10},
	}

	if err := svc.FetchTradesForOrder(order); err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	// Second reconciliation sees the same fills again
	if err := svc.FetchTradesForOrder(order); err != nil {
		t.Fatalf("second fetch: %v", err)
	}

	got, _ := repo.Get(order.Id)
	if !eq(got.FilledQty, 3) {
		t.Errorf("filled qty = %f, want 3", got.FilledQty)
	}
	if !eq(got.Commission, 0.15) {
		t.Errorf("commission = %f, want 0.15", got.Commission)
	}
	// weighted avg of 100x1 and 101x2
	if !eq(got.AvgFilledPrice, (100+2*101)/3.0) {
		t.Errorf("avg price = %f", got.AvgFilledPrice)
	}
}

func TestFetchEntryCommission(t *testing.T) {
	svc, repo, fetcher := newCommissionFixture(t)

	order := repo.Insert(&repository.Order{
		BinanceOrderId: 7,
		Symbol:         "AUSDT",
		Purpose:        repository.PurposeEntry,
	})
	fetcher.trades[7] = []binance.UserTrade{
		{Id: 10, Price: 50, Qty: 2, Commission: 0.04},
	}

	commission, err := svc.FetchEntryCommission(order)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !eq(commission, 0.04) {
		t.Errorf("commission = %f, want 0.04", commission)
	}
}

func TestFetchTradesForOrderNoExchangeId(t *testing.T) {
	svc, repo, _ := newCommissionFixture(t)
	order := repo.Insert(&repository.Order{Symbol: "AUSDT"})
	if err := svc.FetchTradesForOrder(order); err == nil {
		t.Error("expected error for order without exchange id")
	}
}

func TestFetchExitInfoAggregates(t *testing.T) {
	svc, _, fetcher := newCommissionFixture(t)

	fetcher.trades[99] = []binance.UserTrade{
		{Id: 1, Price: 110, Qty: 1, Commission: 0.055, RealizedPnl: 10},
		{Id: 2, Price: 112, Qty: 1, Commission: 0.056, RealizedPnl: 12},
	}

	info, err := svc.FetchExitInfo("AUSDT", 99)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !eq(info.ClosePrice, 111) {
		t.Errorf("close price = %f, want weighted 111", info.ClosePrice)
	}
	if !eq(info.ExitCommission, 0.111) {
		t.Errorf("commission = %f", info.ExitCommission)
	}
	if !eq(info.RealizedPnl, 22) {
		t.Errorf("pnl = %f", info.RealizedPnl)
	}
}

func TestFetchExitInfoNoFills(t *testing.T) {
	svc, _, _ := newCommissionFixture(t)
	if _, err := svc.FetchExitInfo("AUSDT", 1); err == nil {
		t.Error("zero fills must be an error, not a zero-price close")
	}
}

func TestFetchExitInfoRESTFailure(t *testing.T) {
	svc, _, fetcher := newCommissionFixture(t)
	fetcher.err = errors.New("timeout")
	if _, err := svc.FetchExitInfo("AUSDT", 1); err == nil {
		t.Error("transport error must surface")
	}
}
