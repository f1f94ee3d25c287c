package engine

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"futures-trader/internal/binance"
	"futures-trader/internal/orders"
	"futures-trader/internal/repository"
	"futures-trader/internal/service"
)

type fakeOrderManager struct {
	tpslResult orders.TPSLResult
	tpslErr    error

	placeTPSLCalls int
	lastPreferTP   bool
	canceledOrders []int64
	canceledAlgos  []int64
}

func (f *fakeOrderManager) EnsureDualPositionMode() error { return nil }

func (f *fakeOrderManager) EnsureLeverage(symbol string, leverage int) error { return nil }

func (f *fakeOrderManager) PlaceMarket(symbol string, side binance.OrderSide, qty float64, positionSide binance.PositionSide, reduceOnly bool) (*binance.OrderResponse, error) {
	return &binance.OrderResponse{}, nil
}

func (f *fakeOrderManager) PlaceLimit(symbol string, side binance.OrderSide, price, qty float64, positionSide binance.PositionSide, reduceOnly bool) (*binance.OrderResponse, error) {
	return &binance.OrderResponse{}, nil
}

func (f *fakeOrderManager) PlaceTPSLForPosition(symbol string, side binance.OrderSide, qty, tp, sl float64, preferLimitTP bool) (orders.TPSLResult, error) {
	f.placeTPSLCalls++
	f.lastPreferTP = preferLimitTP
	return f.tpslResult, f.tpslErr
}

func (f *fakeOrderManager) CancelOrder(symbol string, orderId int64) error {
	f.canceledOrders = append(f.canceledOrders, orderId)
	return nil
}

func (f *fakeOrderManager) CancelAlgo(symbol string, algoId int64) error {
	f.canceledAlgos = append(f.canceledAlgos, algoId)
	return nil
}

type liveFixture struct {
	records *repository.RecordRepository
	mgr     *fakeOrderManager
	svc     *service.RecordService
	live    *LiveEngine
}

func newLiveFixture(t *testing.T) *liveFixture {
	t.Helper()
	dir := t.TempDir()
	records := repository.NewRecordRepository(filepath.Join(dir, "records.json"), zerolog.Nop())
	orderRepo := repository.NewOrderRepository(filepath.Join(dir, "orders.json"), zerolog.Nop())
	pending := repository.NewPendingOrderRepository(filepath.Join(dir, "pending.json"), zerolog.Nop())
	mgr := &fakeOrderManager{}
	svc := service.NewRecordService(records, orderRepo, mgr, nil, nil, zerolog.Nop())
	live := NewLiveEngine(nil, mgr, svc, nil, nil, nil, records, orderRepo, pending, zerolog.Nop())
	return &liveFixture{records: records, mgr: mgr, svc: svc, live: live}
}

func (f *liveFixture) openRecord(t *testing.T, tpOrderId, tpAlgoId, slAlgoId int64) *repository.TradeRecord {
	t.Helper()
	rec, err := f.svc.CreateRecord(service.CreateParams{
		Symbol: "AUSDT", Side: binance.SideBuy, Quantity: 1, EntryPrice: 100,
		TPPrice: 110, SLPrice: 90, Source: repository.SourceLive,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	rec.TPOrderId = tpOrderId
	rec.TPAlgoId = tpAlgoId
	rec.SLAlgoId = slAlgoId
	if err := f.records.Update(rec); err != nil {
		t.Fatal(err)
	}
	return rec
}

func TestUpdateTPSLKeepsLimitTPFlavour(t *testing.T) {
	f := newLiveFixture(t)
	f.mgr.tpslResult = orders.TPSLResult{TPOrderId: 111, SLAlgoId: 222, Success: true}
	rec := f.openRecord(t, 100, 0, 200)

	if err := f.live.UpdateTPSL(rec.Id, 112, 92); err != nil {
		t.Fatalf("update: %v", err)
	}

	if !f.mgr.lastPreferTP {
		t.Error("a limit TP must be replaced with a limit TP")
	}
	got, _ := f.records.Get(rec.Id)
	if got.TPOrderId != 111 || got.SLAlgoId != 222 {
		t.Errorf("new exit ids not persisted: tp=%d sl=%d", got.TPOrderId, got.SLAlgoId)
	}
	if got.TPPrice != 112 || got.SLPrice != 92 {
		t.Errorf("new levels not persisted: tp=%f sl=%f", got.TPPrice, got.SLPrice)
	}
	// Old legs canceled before the new ones went out
	if len(f.mgr.canceledOrders) != 1 || f.mgr.canceledOrders[0] != 100 {
		t.Errorf("old TP limit not canceled: %v", f.mgr.canceledOrders)
	}
	if len(f.mgr.canceledAlgos) != 1 || f.mgr.canceledAlgos[0] != 200 {
		t.Errorf("old SL not canceled: %v", f.mgr.canceledAlgos)
	}
}

func TestUpdateTPSLMarketTPStaysMarket(t *testing.T) {
	f := newLiveFixture(t)
	f.mgr.tpslResult = orders.TPSLResult{TPAlgoId: 333, SLAlgoId: 222, Success: true}
	rec := f.openRecord(t, 0, 150, 200)

	if err := f.live.UpdateTPSL(rec.Id, 112, 92); err != nil {
		t.Fatalf("update: %v", err)
	}
	if f.mgr.lastPreferTP {
		t.Error("a conditional TP must not be upgraded to a limit")
	}
}

func TestUpdateTPSLRejectsBadRelation(t *testing.T) {
	f := newLiveFixture(t)
	rec := f.openRecord(t, 0, 150, 200)

	if err := f.live.UpdateTPSL(rec.Id, 90, 110); err == nil {
		t.Fatal("long with tp below sl must be rejected")
	}
	if f.mgr.placeTPSLCalls != 0 {
		t.Error("no placement on a rejected update")
	}
}
