package executor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"

	"signaltrader/internal/domain"
	"signaltrader/internal/exchange"
	"signaltrader/internal/ledger"
	"signaltrader/internal/ledger/memory"
	"signaltrader/internal/notify"
	"signaltrader/internal/service/risk"
)

type fakeGateway struct {
	mu         sync.Mutex
	fillPrice  float64
	orders     []exchange.OrderRequest
	cancelled  []string
	cancelAll  []string
	openOrders []exchange.OpenOrder

	failOrder  map[exchange.OrderType]error
	openErr    error
	cancelErr  error
	cancelAllE error
}

func newFakeGateway(fillPrice float64) *fakeGateway {
	return &fakeGateway{fillPrice: fillPrice, failOrder: make(map[exchange.OrderType]error)}
}

func (g *fakeGateway) PlaceOrder(_ context.Context, _ string, req exchange.OrderRequest) (exchange.OrderResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.failOrder[req.Type]; err != nil {
		return exchange.OrderResponse{}, err
	}
	g.orders = append(g.orders, req)
	return exchange.OrderResponse{
		OrderID:     fmt.Sprintf("ord-%d", len(g.orders)),
		AvgPrice:    g.fillPrice,
		ExecutedQty: req.Quantity,
		Status:      "FILLED",
	}, nil
}

func (g *fakeGateway) CancelOrder(_ context.Context, _, _, orderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancelErr != nil {
		return g.cancelErr
	}
	g.cancelled = append(g.cancelled, orderID)
	return nil
}

func (g *fakeGateway) CancelAllOrders(_ context.Context, _, symbol string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancelAllE != nil {
		return g.cancelAllE
	}
	g.cancelAll = append(g.cancelAll, symbol)
	return nil
}

func (g *fakeGateway) OpenOrders(context.Context, string, string) ([]exchange.OpenOrder, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.openOrders, g.openErr
}

func (g *fakeGateway) SetLeverage(context.Context, string, string, int) error { return nil }

func (g *fakeGateway) MarkPrice(context.Context, string) (float64, error) {
	return g.fillPrice, nil
}

func (g *fakeGateway) SymbolFilters(_ context.Context, symbol string) (exchange.SymbolFilters, error) {
	return exchange.SymbolFilters{Symbol: symbol}, nil
}

func (g *fakeGateway) Balance(context.Context, string) (exchange.AccountBalance, error) {
	return exchange.AccountBalance{TotalEquity: 10000}, nil
}

func (g *fakeGateway) ordersOfType(t exchange.OrderType) []exchange.OrderRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []exchange.OrderRequest
	for _, o := range g.orders {
		if o.Type == t {
			out = append(out, o)
		}
	}
	return out
}

type recordSink struct {
	mu    sync.Mutex
	notes []string
}

func (s *recordSink) Notify(_ context.Context, _ string, severity notify.Severity, title, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notes = append(s.notes, string(severity)+": "+title)
}

func (s *recordSink) contains(substr string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.notes {
		if strings.Contains(n, substr) {
			return true
		}
	}
	return false
}

func testProfile() domain.RiskProfile {
	return domain.RiskProfile{
		RiskPercent:        0.02,
		DefaultLeverage:    20,
		MaxLeverage:        20,
		DailyLossLimitUsdt: 2000,
		AllowedSymbols:     []string{"BTCUSDT"},
		Timezone:           "UTC",
	}
}

func newTestExecutor(gw *fakeGateway) (*Executor, *memory.Store, *recordSink) {
	store := memory.NewStore()
	sink := &recordSink{}
	return New(gw, store, risk.NewBreaker(store), sink), store, sink
}

func entrySignal() domain.TradeSignal {
	return domain.TradeSignal{
		Symbol:      "BTCUSDT",
		Side:        domain.SideLong,
		Action:      domain.ActionEntry,
		StopLoss:    68000,
		TakeProfits: []float64{74000, 76000},
	}
}

func entryDecision() domain.SizingDecision {
	return domain.SizingDecision{
		Approved: true, EntryPrice: 70000, Quantity: 0.1, Leverage: 20, RiskAmount: 200,
	}
}

func TestPlaceEntryHangsProtectiveOrders(t *testing.T) {
	gw := newFakeGateway(70000)
	ex, store, _ := newTestExecutor(gw)

	out := ex.PlaceEntry(context.Background(), "acct-1", entrySignal(), entryDecision())
	if !out.Success {
		t.Fatalf("entry failed: %s", out.ErrorMessage)
	}
	if out.ErrorMessage != "" {
		t.Fatalf("unexpected error message: %s", out.ErrorMessage)
	}

	if n := len(gw.ordersOfType(exchange.OrderMarket)); n != 1 {
		t.Fatalf("market orders = %d, want 1", n)
	}
	stops := gw.ordersOfType(exchange.OrderStopMarket)
	if len(stops) != 1 || stops[0].StopPrice != 68000 || !stops[0].ClosePosition {
		t.Fatalf("stop orders = %+v", stops)
	}
	if stops[0].Side != "SELL" {
		t.Fatalf("stop side = %s, want SELL for a long", stops[0].Side)
	}
	tps := gw.ordersOfType(exchange.OrderTakeProfit)
	if len(tps) != 2 {
		t.Fatalf("tp orders = %d, want 2", len(tps))
	}
	if !tps[len(tps)-1].ClosePosition {
		t.Fatalf("final tp leg should close the position")
	}

	pos, err := store.FindOpenPosition("acct-1", "BTCUSDT")
	if err != nil {
		t.Fatalf("position not recorded: %v", err)
	}
	if pos.Quantity != 0.1 || pos.EntryPrice != 70000 || pos.StopLoss != 68000 {
		t.Fatalf("position = %+v", pos)
	}
}

func TestPlaceEntryFailureLeavesNoPosition(t *testing.T) {
	gw := newFakeGateway(70000)
	gw.failOrder[exchange.OrderMarket] = errors.New("insufficient margin")
	ex, store, _ := newTestExecutor(gw)

	out := ex.PlaceEntry(context.Background(), "acct-1", entrySignal(), entryDecision())
	if out.Success {
		t.Fatalf("entry should fail")
	}
	if out.Unknown {
		t.Fatalf("venue rejection is not an unknown outcome")
	}
	if _, err := store.FindOpenPosition("acct-1", "BTCUSDT"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("position recorded despite failed entry: %v", err)
	}
}

func TestPlaceEntryProtectiveFailureStillSucceeds(t *testing.T) {
	gw := newFakeGateway(70000)
	gw.failOrder[exchange.OrderStopMarket] = errors.New("would trigger immediately")
	ex, store, sink := newTestExecutor(gw)

	out := ex.PlaceEntry(context.Background(), "acct-1", entrySignal(), entryDecision())
	if !out.Success {
		t.Fatalf("filled entry must report success, got %s", out.ErrorMessage)
	}
	if out.ErrorMessage == "" {
		t.Fatalf("partial failure must carry an error message")
	}
	// the position is never unwound
	if _, err := store.FindOpenPosition("acct-1", "BTCUSDT"); err != nil {
		t.Fatalf("position missing: %v", err)
	}
	if !sink.contains("critical") {
		t.Fatalf("unprotected entry must raise a critical alert, got %v", sink.notes)
	}
}

func TestPlaceEntryTimeoutIsUnknown(t *testing.T) {
	gw := newFakeGateway(70000)
	gw.failOrder[exchange.OrderMarket] = exchange.ErrTimeout
	ex, _, sink := newTestExecutor(gw)

	out := ex.PlaceEntry(context.Background(), "acct-1", entrySignal(), entryDecision())
	if out.Success {
		t.Fatalf("timed-out entry is not a success")
	}
	if !out.Unknown {
		t.Fatalf("timeout must flag the outcome unknown")
	}
	if !sink.contains("unknown") {
		t.Fatalf("unknown outcome must alert, got %v", sink.notes)
	}
}

func TestPlaceDcaRebuildsProtection(t *testing.T) {
	gw := newFakeGateway(68000)
	ex, store, _ := newTestExecutor(gw)

	if _, err := store.CreatePosition(domain.Position{
		AccountID: "acct-1", Symbol: "BTCUSDT", Side: domain.SideLong,
		EntryPrice: 70000, Quantity: 0.1, StopLoss: 68000,
	}); err != nil {
		t.Fatalf("seed position: %v", err)
	}
	gw.openOrders = []exchange.OpenOrder{
		{OrderID: "old-stop", Type: exchange.OrderStopMarket},
		{OrderID: "old-tp", Type: exchange.OrderTakeProfit},
		{OrderID: "resting-limit", Type: exchange.OrderLimit},
	}

	sig := entrySignal()
	sig.IsDCA = true
	sig.StopLoss = 66000
	dec := entryDecision()
	dec.EntryPrice, dec.Quantity, dec.RiskAmount = 68000, 0.2, 400

	out := ex.PlaceDcaEntry(context.Background(), "acct-1", sig, dec)
	if !out.Success {
		t.Fatalf("dca failed: %s", out.ErrorMessage)
	}
	if out.ErrorMessage != "" {
		t.Fatalf("unexpected error: %s", out.ErrorMessage)
	}

	pos, _ := store.FindOpenPosition("acct-1", "BTCUSDT")
	// 0.1@70000 + 0.2@68000 -> 0.3 @ 68666.67
	if math.Abs(pos.Quantity-0.3) > 1e-9 {
		t.Fatalf("qty = %v, want 0.3", pos.Quantity)
	}
	if math.Abs(pos.EntryPrice-expectedAvg()) > 0.01 {
		t.Fatalf("avg entry = %v", pos.EntryPrice)
	}
	if pos.DcaCount != 1 || pos.StopLoss != 66000 {
		t.Fatalf("position = %+v", pos)
	}

	// old protective orders cancelled, resting limit left alone
	if len(gw.cancelled) != 2 {
		t.Fatalf("cancelled = %v, want the stop and the tp", gw.cancelled)
	}
	stops := gw.ordersOfType(exchange.OrderStopMarket)
	if len(stops) != 1 || stops[0].StopPrice != 66000 {
		t.Fatalf("rebuilt stop = %+v", stops)
	}
}

func expectedAvg() float64 { return (70000*0.1 + 68000*0.2) / 0.3 }

func TestFullCloseRecordsLossAndTripsBreaker(t *testing.T) {
	gw := newFakeGateway(52000) // deep loss exit
	ex, store, sink := newTestExecutor(gw)
	profile := testProfile()

	if _, err := store.CreatePosition(domain.Position{
		AccountID: "acct-1", Symbol: "BTCUSDT", Side: domain.SideLong,
		EntryPrice: 70000, Quantity: 0.2, StopLoss: 68000,
	}); err != nil {
		t.Fatalf("seed position: %v", err)
	}

	sig := domain.TradeSignal{Symbol: "BTCUSDT", Action: domain.ActionClose}
	out := ex.PlaceClose(context.Background(), "acct-1", profile, sig, domain.SizingDecision{Approved: true, Quantity: 0.2})
	if !out.Success {
		t.Fatalf("close failed: %s", out.ErrorMessage)
	}
	if len(gw.cancelAll) != 1 {
		t.Fatalf("full close must cancel working orders first")
	}

	if _, err := store.FindOpenPosition("acct-1", "BTCUSDT"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("position still open: %v", err)
	}

	// (70000-52000)*0.2 = 3600 loss, limit 2000 -> tripped
	breaker := risk.NewBreaker(store)
	if tripped, _ := breaker.IsTripped("acct-1", profile); !tripped {
		t.Fatalf("loss should trip the daily breaker")
	}
	if !sink.contains("daily loss limit") {
		t.Fatalf("breaker trip must notify, got %v", sink.notes)
	}
}

func TestPartialCloseReprotectsRemainder(t *testing.T) {
	gw := newFakeGateway(72000)
	ex, store, _ := newTestExecutor(gw)

	if _, err := store.CreatePosition(domain.Position{
		AccountID: "acct-1", Symbol: "BTCUSDT", Side: domain.SideLong,
		EntryPrice: 70000, Quantity: 0.2, StopLoss: 68000,
	}); err != nil {
		t.Fatalf("seed position: %v", err)
	}
	gw.openOrders = []exchange.OpenOrder{{OrderID: "old-stop", Type: exchange.OrderStopMarket}}

	sig := domain.TradeSignal{Symbol: "BTCUSDT", Action: domain.ActionClose, CloseRatio: 0.5, NewStopLoss: 70500}
	out := ex.PlaceClose(context.Background(), "acct-1", testProfile(), sig, domain.SizingDecision{Approved: true, Quantity: 0.1})
	if !out.Success {
		t.Fatalf("partial close failed: %s", out.ErrorMessage)
	}

	pos, err := store.FindOpenPosition("acct-1", "BTCUSDT")
	if err != nil {
		t.Fatalf("remainder missing: %v", err)
	}
	if math.Abs(pos.Quantity-0.1) > 1e-9 {
		t.Fatalf("remainder qty = %v, want 0.1", pos.Quantity)
	}
	if pos.StopLoss != 70500 {
		t.Fatalf("stop = %v, want requested 70500", pos.StopLoss)
	}
	stops := gw.ordersOfType(exchange.OrderStopMarket)
	if len(stops) != 1 || stops[0].StopPrice != 70500 {
		t.Fatalf("re-hung stop = %+v", stops)
	}
}

func TestPartialCloseFallsBackToPreviousStop(t *testing.T) {
	gw := newFakeGateway(72000)
	ex, store, _ := newTestExecutor(gw)

	if _, err := store.CreatePosition(domain.Position{
		AccountID: "acct-1", Symbol: "BTCUSDT", Side: domain.SideLong,
		EntryPrice: 70000, Quantity: 0.2, StopLoss: 68000,
	}); err != nil {
		t.Fatalf("seed position: %v", err)
	}

	sig := domain.TradeSignal{Symbol: "BTCUSDT", Action: domain.ActionClose, CloseRatio: 0.5}
	out := ex.PlaceClose(context.Background(), "acct-1", testProfile(), sig, domain.SizingDecision{Approved: true, Quantity: 0.1})
	if !out.Success {
		t.Fatalf("partial close failed: %s", out.ErrorMessage)
	}
	stops := gw.ordersOfType(exchange.OrderStopMarket)
	if len(stops) != 1 || stops[0].StopPrice != 68000 {
		t.Fatalf("stop = %+v, want previous 68000", stops)
	}
}

func TestMoveStopBreakEven(t *testing.T) {
	gw := newFakeGateway(71000)
	ex, store, _ := newTestExecutor(gw)

	if _, err := store.CreatePosition(domain.Position{
		AccountID: "acct-1", Symbol: "BTCUSDT", Side: domain.SideLong,
		EntryPrice: 70000, Quantity: 0.1, StopLoss: 68000,
	}); err != nil {
		t.Fatalf("seed position: %v", err)
	}
	gw.openOrders = []exchange.OpenOrder{{OrderID: "old-stop", Type: exchange.OrderStopMarket}}

	out := ex.MoveStop(context.Background(), "acct-1", domain.TradeSignal{Symbol: "BTCUSDT", Action: domain.ActionMoveSL})
	if !out.Success {
		t.Fatalf("move stop failed: %s", out.ErrorMessage)
	}
	if out.Price != 70000 {
		t.Fatalf("break-even stop = %v, want entry 70000", out.Price)
	}
	pos, _ := store.FindOpenPosition("acct-1", "BTCUSDT")
	if pos.StopLoss != 70000 {
		t.Fatalf("ledger stop = %v", pos.StopLoss)
	}
}

func TestMoveStopReplaceFailureAlerts(t *testing.T) {
	gw := newFakeGateway(71000)
	gw.openOrders = []exchange.OpenOrder{{OrderID: "old-stop", Type: exchange.OrderStopMarket}}
	gw.failOrder[exchange.OrderStopMarket] = errors.New("rejected")
	ex, store, sink := newTestExecutor(gw)

	if _, err := store.CreatePosition(domain.Position{
		AccountID: "acct-1", Symbol: "BTCUSDT", Side: domain.SideLong,
		EntryPrice: 70000, Quantity: 0.1, StopLoss: 68000,
	}); err != nil {
		t.Fatalf("seed position: %v", err)
	}

	out := ex.MoveStop(context.Background(), "acct-1", domain.TradeSignal{
		Symbol: "BTCUSDT", Action: domain.ActionMoveSL, NewStopLoss: 70500,
	})
	if out.Success {
		t.Fatalf("failed replacement must not report success")
	}
	// the old stop is already gone: this is the unprotected state
	if len(gw.cancelled) != 1 {
		t.Fatalf("old stop not cancelled: %v", gw.cancelled)
	}
	if len(sink.notes) == 0 {
		t.Fatalf("unprotected position must alert")
	}
}

func TestMoveStopWithoutPosition(t *testing.T) {
	gw := newFakeGateway(71000)
	ex, _, _ := newTestExecutor(gw)

	out := ex.MoveStop(context.Background(), "acct-1", domain.TradeSignal{
		Symbol: "BTCUSDT", Action: domain.ActionMoveSL, NewStopLoss: 70500,
	})
	if out.Success {
		t.Fatalf("move stop with no position should fail")
	}
}

func TestCancelAllIdempotent(t *testing.T) {
	gw := newFakeGateway(70000)
	ex, store, _ := newTestExecutor(gw)

	if _, err := store.CreatePosition(domain.Position{
		AccountID: "acct-1", Symbol: "BTCUSDT", Side: domain.SideLong, Quantity: 0.1,
	}); err != nil {
		t.Fatalf("seed position: %v", err)
	}

	sig := domain.TradeSignal{Symbol: "BTCUSDT", Action: domain.ActionCancel}
	for i := 0; i < 2; i++ {
		out := ex.CancelAll(context.Background(), "acct-1", sig)
		if !out.Success {
			t.Fatalf("cancel run %d failed: %s", i, out.ErrorMessage)
		}
	}
	if len(gw.cancelAll) != 2 {
		t.Fatalf("cancelAll calls = %v, want one per run", gw.cancelAll)
	}
	if len(gw.orders) != 0 {
		t.Fatalf("cancel placed orders: %v", gw.orders)
	}
}

func TestCancelAllKeepsLivePosition(t *testing.T) {
	gw := newFakeGateway(70000)
	ex, store, _ := newTestExecutor(gw)

	if _, err := store.CreatePosition(domain.Position{
		AccountID: "acct-1", Symbol: "BTCUSDT", Side: domain.SideLong,
		EntryPrice: 70000, Quantity: 0.1, StopLoss: 68000,
	}); err != nil {
		t.Fatalf("seed position: %v", err)
	}

	out := ex.CancelAll(context.Background(), "acct-1", domain.TradeSignal{
		Symbol: "BTCUSDT", Action: domain.ActionCancel,
	})
	if !out.Success {
		t.Fatalf("cancel failed: %s", out.ErrorMessage)
	}

	// the filled position is still live on the venue, so its row must stay
	if _, err := store.FindOpenPosition("acct-1", "BTCUSDT"); err != nil {
		t.Fatalf("cancel erased the open position: %v", err)
	}

	moved := ex.MoveStop(context.Background(), "acct-1", domain.TradeSignal{
		Symbol: "BTCUSDT", Action: domain.ActionMoveSL, NewStopLoss: 69000,
	})
	if !moved.Success {
		t.Fatalf("move stop after cancel failed: %s", moved.ErrorMessage)
	}
}
