package service

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"futures-trader/internal/binance"
	"futures-trader/internal/repository"
)

type fakeSyncClient struct {
	algoOrders   []binance.AlgoOrder
	algoErr      error
	orders       map[int64]*binance.FuturesOrder
	orderErr     error
	positions    []binance.PositionRisk
	positionsErr error
}

func (f *fakeSyncClient) GetOpenAlgoOrders(symbol string) ([]binance.AlgoOrder, error) {
	return f.algoOrders, f.algoErr
}

func (f *fakeSyncClient) GetOrder(symbol string, orderId int64) (*binance.FuturesOrder, error) {
	if f.orderErr != nil {
		return nil, f.orderErr
	}
	if o, ok := f.orders[orderId]; ok {
		return o, nil
	}
	return nil, errors.New("order not found")
}

func (f *fakeSyncClient) GetPositions() ([]binance.PositionRisk, error) {
	return f.positions, f.positionsErr
}

type syncFixture struct {
	*serviceFixture
	client *fakeSyncClient
	mgr    *SyncManager
}

func newSyncFixture(t *testing.T) *syncFixture {
	t.Helper()
	base := newFixture(t)
	client := &fakeSyncClient{orders: make(map[int64]*binance.FuturesOrder)}
	mgr := NewSyncManager(client, base.records, base.svc, repository.SourceLive, time.Second, zerolog.Nop())
	return &syncFixture{serviceFixture: base, client: client, mgr: mgr}
}

func (f *syncFixture) openRecord(t *testing.T, tpOrderId, tpAlgoId, slAlgoId int64) *repository.TradeRecord {
	t.Helper()
	rec, err := f.svc.CreateRecord(CreateParams{
		Symbol: "AUSDT", Side: binance.SideBuy, Quantity: 1, EntryPrice: 100,
		Source: repository.SourceLive,
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

func TestSyncTPSLSkipsTickOnListingFailure(t *testing.T) {
	f := newSyncFixture(t)
	rec := f.openRecord(t, 0, 100, 200)
	f.client.algoErr = errors.New("rate limited")

	f.mgr.syncTPSL()

	got, _ := f.records.Get(rec.Id)
	if !got.IsOpen() {
		t.Error("a failed listing must not classify any record")
	}
	if len(f.placer.canceledAlgos) != 0 {
		t.Error("no cancels on a skipped tick")
	}
}

func TestSyncTPSLMissingSLAlgoTreatedAsTriggered(t *testing.T) {
	f := newSyncFixture(t)
	f.prices.price = 96.5
	rec := f.openRecord(t, 0, 100, 200)
	// Only the TP algo is still in the open set
	f.client.algoOrders = []binance.AlgoOrder{{AlgoId: 100}}

	f.mgr.syncTPSL()

	got, _ := f.records.Get(rec.Id)
	if got.Status != repository.RecordStatusSLClosed {
		t.Fatalf("status = %s, want SL close", got.Status)
	}
	if got.ClosePrice != 96.5 {
		t.Errorf("close price = %f, want mark", got.ClosePrice)
	}
	// The surviving TP leg must have been canceled
	if len(f.placer.canceledAlgos) != 1 || f.placer.canceledAlgos[0] != 100 {
		t.Errorf("TP leg cancel missing: %v", f.placer.canceledAlgos)
	}
}

func TestSyncTPSLMissingTPAlgoTreatedAsTriggered(t *testing.T) {
	f := newSyncFixture(t)
	rec := f.openRecord(t, 0, 100, 200)
	f.client.algoOrders = []binance.AlgoOrder{{AlgoId: 200}}

	f.mgr.syncTPSL()

	got, _ := f.records.Get(rec.Id)
	if got.Status != repository.RecordStatusTPClosed {
		t.Fatalf("status = %s, want TP close", got.Status)
	}
	if len(f.placer.canceledAlgos) != 1 || f.placer.canceledAlgos[0] != 200 {
		t.Errorf("SL leg cancel missing: %v", f.placer.canceledAlgos)
	}
}

func TestSyncTPSLBothLegsStillOpen(t *testing.T) {
	f := newSyncFixture(t)
	rec := f.openRecord(t, 0, 100, 200)
	f.client.algoOrders = []binance.AlgoOrder{{AlgoId: 100}, {AlgoId: 200}}

	f.mgr.syncTPSL()

	got, _ := f.records.Get(rec.Id)
	if !got.IsOpen() {
		t.Error("record with both legs active must stay open")
	}
}

func TestSyncTPSLLimitTPFilled(t *testing.T) {
	f := newSyncFixture(t)
	rec := f.openRecord(t, 55, 0, 200)
	f.client.algoOrders = []binance.AlgoOrder{{AlgoId: 200}}
	f.client.orders[55] = &binance.FuturesOrder{
		OrderId: 55, Symbol: "AUSDT", Status: "FILLED", AvgPrice: 104.5,
	}

	f.mgr.syncTPSL()

	got, _ := f.records.Get(rec.Id)
	if got.Status != repository.RecordStatusTPClosed {
		t.Fatalf("status = %s", got.Status)
	}
	if got.ClosePrice != 104.5 {
		t.Errorf("close price = %f, want order avg", got.ClosePrice)
	}
	if len(f.placer.canceledAlgos) != 1 || f.placer.canceledAlgos[0] != 200 {
		t.Errorf("SL leg not canceled: %v", f.placer.canceledAlgos)
	}
}

func TestSyncTPSLCanceledLimitTPClearsId(t *testing.T) {
	f := newSyncFixture(t)
	rec := f.openRecord(t, 55, 0, 200)
	f.client.algoOrders = []binance.AlgoOrder{{AlgoId: 200}}
	f.client.orders[55] = &binance.FuturesOrder{OrderId: 55, Status: "CANCELED"}

	f.mgr.syncTPSL()

	got, _ := f.records.Get(rec.Id)
	if !got.IsOpen() {
		t.Error("record must stay open, only the TP reference is gone")
	}
	if got.TPOrderId != 0 {
		t.Error("stale TP order id not cleared")
	}
}

func TestSyncPositionsNoOpOnFetchFailure(t *testing.T) {
	f := newSyncFixture(t)
	rec := f.openRecord(t, 0, 100, 200)
	f.client.positionsErr = errors.New("timeout")

	f.mgr.syncPositions()

	got, _ := f.records.Get(rec.Id)
	if !got.IsOpen() {
		t.Error("a failed snapshot must never close records")
	}
	if len(f.placer.canceledAlgos)+len(f.placer.canceledOrders) != 0 {
		t.Error("no cancels on a failed snapshot")
	}
}

func TestSyncPositionsMissingPositionClosesExternal(t *testing.T) {
	f := newSyncFixture(t)
	f.prices.price = 97.2
	rec := f.openRecord(t, 0, 100, 200)
	// Exchange reports no open positions at all

	f.mgr.syncPositions()

	got, _ := f.records.Get(rec.Id)
	if got.Status != repository.RecordStatusClosedExternally {
		t.Fatalf("status = %s", got.Status)
	}
	if got.ClosePrice != 97.2 {
		t.Errorf("close price = %f, want mark", got.ClosePrice)
	}
	// Both legs canceled
	if len(f.placer.canceledAlgos) != 2 {
		t.Errorf("expected both algo legs canceled, got %v", f.placer.canceledAlgos)
	}
}

func TestSyncPositionsUpdatesMark(t *testing.T) {
	f := newSyncFixture(t)
	rec := f.openRecord(t, 0, 100, 200)
	f.client.positions = []binance.PositionRisk{
		{Symbol: "AUSDT", PositionSide: "LONG", PositionAmt: 1, MarkPrice: 102.8},
	}

	f.mgr.syncPositions()

	got, _ := f.records.Get(rec.Id)
	if !got.IsOpen() {
		t.Fatal("matched record must stay open")
	}
	if got.MarkPrice != 102.8 {
		t.Errorf("mark = %f", got.MarkPrice)
	}
}

func TestSyncPositionsZeroAmtIsMissing(t *testing.T) {
	f := newSyncFixture(t)
	rec := f.openRecord(t, 0, 0, 200)
	f.client.positions = []binance.PositionRisk{
		{Symbol: "AUSDT", PositionSide: "LONG", PositionAmt: 0, MarkPrice: 100},
	}

	f.mgr.syncPositions()

	got, _ := f.records.Get(rec.Id)
	if got.Status != repository.RecordStatusClosedExternally {
		t.Errorf("flat position must count as missing, status = %s", got.Status)
	}
}
