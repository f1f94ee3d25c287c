package service

import (
	"errors"
	"math"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"futures-trader/internal/binance"
	"futures-trader/internal/orders"
	"futures-trader/internal/repository"
)

// ==================== FAKES ====================

type fakeExitPlacer struct {
	result orders.TPSLResult
	err    error

	placed          int
	canceledOrders  []int64
	canceledAlgos   []int64
	cancelOrderErr  error
	cancelAlgoErr   error
	lastPlaceSymbol string
}

func (f *fakeExitPlacer) PlaceTPSLForPosition(symbol string, side binance.OrderSide, qty, tp, sl float64, preferLimitTP bool) (orders.TPSLResult, error) {
	f.placed++
	f.lastPlaceSymbol = symbol
	return f.result, f.err
}

func (f *fakeExitPlacer) CancelOrder(symbol string, orderId int64) error {
	f.canceledOrders = append(f.canceledOrders, orderId)
	return f.cancelOrderErr
}

func (f *fakeExitPlacer) CancelAlgo(symbol string, algoId int64) error {
	f.canceledAlgos = append(f.canceledAlgos, algoId)
	return f.cancelAlgoErr
}

type fakeMarkPricer struct {
	price float64
	err   error
}

func (f *fakeMarkPricer) GetMarkPrice(symbol string) (*binance.MarkPrice, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &binance.MarkPrice{Symbol: symbol, MarkPriceValue: f.price}, nil
}

type serviceFixture struct {
	records *repository.RecordRepository
	orders  *repository.OrderRepository
	placer  *fakeExitPlacer
	prices  *fakeMarkPricer
	svc     *RecordService
}

func newFixture(t *testing.T) *serviceFixture {
	t.Helper()
	dir := t.TempDir()
	f := &serviceFixture{
		records: repository.NewRecordRepository(filepath.Join(dir, "records.json"), zerolog.Nop()),
		orders:  repository.NewOrderRepository(filepath.Join(dir, "orders.json"), zerolog.Nop()),
		placer:  &fakeExitPlacer{},
		prices:  &fakeMarkPricer{price: 100},
	}
	f.svc = NewRecordService(f.records, f.orders, f.placer, nil, f.prices, zerolog.Nop())
	return f
}

func eq(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

// ==================== CREATE ====================

func TestCreateRecordWritesBackExitIds(t *testing.T) {
	f := newFixture(t)
	f.placer.result = orders.TPSLResult{TPOrderId: 100, SLAlgoId: 200, Success: true}

	rec, err := f.svc.CreateRecord(CreateParams{
		Symbol:        "AUSDT",
		Side:          binance.SideBuy,
		Quantity:      2,
		EntryPrice:    50,
		Leverage:      10,
		TPPrice:       55,
		SLPrice:       47,
		Source:        repository.SourceLive,
		EntryOrderId:  1,
		AutoPlaceTPSL: true,
		PreferLimitTP: true,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if rec.TPOrderId != 100 || rec.SLAlgoId != 200 {
		t.Errorf("exit ids not written back: tp=%d sl=%d", rec.TPOrderId, rec.SLAlgoId)
	}
	if !eq(rec.Margin, 10) || !eq(rec.Notional, 100) {
		t.Errorf("margin=%f notional=%f", rec.Margin, rec.Notional)
	}

	rows := f.orders.GetByRecordId(rec.Id)
	if len(rows) != 3 {
		t.Fatalf("expected entry + TP + SL order rows, got %d", len(rows))
	}
	var purposes []repository.OrderPurpose
	for _, o := range rows {
		purposes = append(purposes, o.Purpose)
	}
	for _, want := range []repository.OrderPurpose{repository.PurposeEntry, repository.PurposeTakeProfit, repository.PurposeStopLoss} {
		found := false
		for _, p := range purposes {
			if p == want {
				found = true
			}
		}
		if !found {
			t.Errorf("missing %s order row in %v", want, purposes)
		}
	}

	got, ok := f.records.Get(rec.Id)
	if !ok || got.TPOrderId != 100 {
		t.Error("exit ids not persisted")
	}
}

func TestCreateRecordExitPlacementFailureKeepsRecordOpen(t *testing.T) {
	f := newFixture(t)
	f.placer.result = orders.TPSLResult{TPAlgoId: 300}
	f.placer.err = errors.New("stop loss rejected")

	rec, err := f.svc.CreateRecord(CreateParams{
		Symbol:        "AUSDT",
		Side:          binance.SideSell,
		Quantity:      1,
		EntryPrice:    100,
		TPPrice:       95,
		SLPrice:       105,
		Source:        repository.SourceLive,
		EntryOrderId:  2,
		AutoPlaceTPSL: true,
	})
	if err == nil {
		t.Fatal("expected the placement error to surface")
	}
	if rec == nil {
		t.Fatal("record must be returned despite the error")
	}
	if !rec.IsOpen() {
		t.Error("record should remain open for the caller to unwind")
	}
	if rec.TPAlgoId != 300 {
		t.Error("partial placement ids must still be written back")
	}
}

func TestCreateRecordNoAutoPlacement(t *testing.T) {
	f := newFixture(t)

	rec, err := f.svc.CreateRecord(CreateParams{
		Symbol:     "AUSDT",
		Side:       binance.SideBuy,
		Quantity:   1,
		EntryPrice: 100,
		TPPrice:    110,
		SLPrice:    90,
		Source:     repository.SourceSim,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if f.placer.placed != 0 {
		t.Error("simulated record must not touch the exchange")
	}
	if rec.TPPrice != 110 || rec.SLPrice != 90 {
		t.Error("local exit levels lost")
	}
}

// ==================== CLOSE ====================

func TestCloseRecordIdempotent(t *testing.T) {
	f := newFixture(t)
	rec, _ := f.svc.CreateRecord(CreateParams{
		Symbol: "AUSDT", Side: binance.SideBuy, Quantity: 2, EntryPrice: 100,
		Source: repository.SourceLive, EntryCommission: 0.1,
	})

	first, err := f.svc.CloseRecord(rec.Id, 110, repository.RecordStatusTPClosed, 0.11, nil)
	if err != nil {
		t.Fatalf("close: %v", err)
	}

	// A replayed event or the sync loop reporting the same close
	second, err := f.svc.CloseRecord(rec.Id, 50, repository.RecordStatusSLClosed, 99, nil)
	if err != nil {
		t.Fatalf("second close: %v", err)
	}
	if second.Status != first.Status || !eq(second.ClosePrice, first.ClosePrice) || !eq(second.RealizedPnl, first.RealizedPnl) {
		t.Errorf("second close mutated the record: %+v vs %+v", second, first)
	}
}

func TestCloseRecordPnlNetOfCommission(t *testing.T) {
	f := newFixture(t)
	rec, _ := f.svc.CreateRecord(CreateParams{
		Symbol: "AUSDT", Side: binance.SideBuy, Quantity: 2, EntryPrice: 100,
		Source: repository.SourceLive, EntryCommission: 0.1,
	})

	closed, err := f.svc.CloseRecord(rec.Id, 110, repository.RecordStatusTPClosed, 0.22, nil)
	if err != nil {
		t.Fatalf("close: %v", err)
	}

	// gross 20, commission 0.32
	if !eq(closed.TotalCommission, 0.32) {
		t.Errorf("commission = %f, want 0.32", closed.TotalCommission)
	}
	if !eq(closed.RealizedPnl, 20-0.32) {
		t.Errorf("pnl = %f, want %f", closed.RealizedPnl, 20-0.32)
	}
}

func TestCloseRecordExchangePnlWins(t *testing.T) {
	f := newFixture(t)
	rec, _ := f.svc.CreateRecord(CreateParams{
		Symbol: "AUSDT", Side: binance.SideSell, Quantity: 1, EntryPrice: 100,
		Source: repository.SourceLive,
	})

	exchangePnl := 7.77
	closed, err := f.svc.CloseRecord(rec.Id, 92, repository.RecordStatusTPClosed, 0.05, &exchangePnl)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if !eq(closed.RealizedPnl, 7.77-0.05) {
		t.Errorf("pnl = %f, want exchange-reported net %f", closed.RealizedPnl, 7.77-0.05)
	}
}

func TestCloseRecordUnknownId(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.CloseRecord("missing", 100, repository.RecordStatusTPClosed, 0, nil); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// ==================== EXIT LEG CLEANUP ====================

func TestCancelRemainingAfterTP(t *testing.T) {
	f := newFixture(t)
	rec, _ := f.svc.CreateRecord(CreateParams{
		Symbol: "AUSDT", Side: binance.SideBuy, Quantity: 1, EntryPrice: 100,
		Source: repository.SourceLive,
	})
	rec.TPOrderId = 100
	rec.SLAlgoId = 200

	f.svc.CancelRemainingTPSL(rec, repository.PurposeTakeProfit)

	if len(f.placer.canceledAlgos) != 1 || f.placer.canceledAlgos[0] != 200 {
		t.Errorf("SL leg not canceled: %v", f.placer.canceledAlgos)
	}
	if len(f.placer.canceledOrders) != 0 {
		t.Error("TP leg must not be canceled after it fired")
	}
	if rec.SLAlgoId != 0 {
		t.Error("SL id not cleared")
	}
}

func TestCancelRemainingAfterSL(t *testing.T) {
	f := newFixture(t)
	rec, _ := f.svc.CreateRecord(CreateParams{
		Symbol: "AUSDT", Side: binance.SideBuy, Quantity: 1, EntryPrice: 100,
		Source: repository.SourceLive,
	})
	rec.TPOrderId = 100
	rec.TPAlgoId = 150
	rec.SLAlgoId = 200

	f.svc.CancelRemainingTPSL(rec, repository.PurposeStopLoss)

	if len(f.placer.canceledOrders) != 1 || f.placer.canceledOrders[0] != 100 {
		t.Errorf("TP limit not canceled: %v", f.placer.canceledOrders)
	}
	if len(f.placer.canceledAlgos) != 1 || f.placer.canceledAlgos[0] != 150 {
		t.Errorf("TP algo not canceled: %v", f.placer.canceledAlgos)
	}
	if rec.TPOrderId != 0 || rec.TPAlgoId != 0 {
		t.Error("TP ids not cleared")
	}
}

// ==================== USER DATA EVENTS ====================

func TestOnAlgoUpdateStopLossClosesAtMark(t *testing.T) {
	f := newFixture(t)
	f.prices.price = 94.3

	rec, _ := f.svc.CreateRecord(CreateParams{
		Symbol: "AUSDT", Side: binance.SideBuy, Quantity: 2, EntryPrice: 100,
		Source: repository.SourceLive,
	})
	rec.SLAlgoId = 200
	if err := f.records.Update(rec); err != nil {
		t.Fatal(err)
	}

	ev := &binance.AlgoUpdate{}
	ev.Algo.Symbol = "AUSDT"
	ev.Algo.AlgoId = 200
	ev.Algo.AlgoStatus = "TRIGGERED"
	ev.Algo.TriggerPrice = 95
	f.svc.OnAlgoUpdate(ev)

	got, _ := f.records.Get(rec.Id)
	if got.Status != repository.RecordStatusSLClosed {
		t.Fatalf("status = %s", got.Status)
	}
	if !eq(got.ClosePrice, 94.3) {
		t.Errorf("close price = %f, want mark 94.3", got.ClosePrice)
	}
	// Exit commission is not recoverable on this path
	if !eq(got.TotalCommission, 0) {
		t.Errorf("commission = %f, want 0", got.TotalCommission)
	}
}

func TestOnAlgoUpdateIgnoresUnknownAlgo(t *testing.T) {
	f := newFixture(t)
	rec, _ := f.svc.CreateRecord(CreateParams{
		Symbol: "AUSDT", Side: binance.SideBuy, Quantity: 1, EntryPrice: 100,
		Source: repository.SourceLive,
	})

	ev := &binance.AlgoUpdate{}
	ev.Algo.AlgoId = 999
	ev.Algo.AlgoStatus = "TRIGGERED"
	f.svc.OnAlgoUpdate(ev)

	got, _ := f.records.Get(rec.Id)
	if !got.IsOpen() {
		t.Error("unrelated algo event must not touch the record")
	}
}

func TestOnOrderTradeUpdateClosesLimitTP(t *testing.T) {
	f := newFixture(t)
	rec, _ := f.svc.CreateRecord(CreateParams{
		Symbol: "AUSDT", Side: binance.SideBuy, Quantity: 2, EntryPrice: 100,
		Source: repository.SourceLive, EntryCommission: 0.1,
	})
	rec.TPOrderId = 100
	rec.SLAlgoId = 200
	if err := f.records.Update(rec); err != nil {
		t.Fatal(err)
	}
	f.orders.Insert(&repository.Order{
		RecordId:       rec.Id,
		BinanceOrderId: 100,
		Symbol:         "AUSDT",
		Purpose:        repository.PurposeTakeProfit,
		Status:         repository.OrderStatusNew,
		Quantity:       2,
	})

	ev := &binance.OrderTradeUpdate{}
	ev.Order.Symbol = "AUSDT"
	ev.Order.OrderId = 100
	ev.Order.ExecutionType = "TRADE"
	ev.Order.OrderStatus = "FILLED"
	ev.Order.TradeId = 77
	ev.Order.LastFilledPrice = 110
	ev.Order.LastFilledQty = 2
	ev.Order.AveragePrice = 110
	ev.Order.Commission = 0.22
	ev.Order.RealizedProfit = 20
	f.svc.OnOrderTradeUpdate(ev)

	got, _ := f.records.Get(rec.Id)
	if got.Status != repository.RecordStatusTPClosed {
		t.Fatalf("status = %s", got.Status)
	}
	if !eq(got.ClosePrice, 110) {
		t.Errorf("close price = %f", got.ClosePrice)
	}
	// exchange pnl 20, total commission 0.1 entry + 0.22 exit
	if !eq(got.RealizedPnl, 20-0.32) {
		t.Errorf("pnl = %f, want %f", got.RealizedPnl, 20-0.32)
	}
	if len(f.placer.canceledAlgos) != 1 || f.placer.canceledAlgos[0] != 200 {
		t.Errorf("SL leg not canceled: %v", f.placer.canceledAlgos)
	}
}

func TestUpdateMarkPrice(t *testing.T) {
	f := newFixture(t)
	rec, _ := f.svc.CreateRecord(CreateParams{
		Symbol: "AUSDT", Side: binance.SideBuy, Quantity: 1, EntryPrice: 100,
		Source: repository.SourceLive,
	})

	f.svc.UpdateMarkPrice("AUSDT", 103.5)

	got, _ := f.records.Get(rec.Id)
	if !eq(got.MarkPrice, 103.5) {
		t.Errorf("mark = %f", got.MarkPrice)
	}
}
