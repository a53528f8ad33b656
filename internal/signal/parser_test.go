package signal

import (
	"testing"

	"signaltrader/internal/domain"
)

func TestParseJSONEntry(t *testing.T) {
	p := NewParser("BTCUSDT")
	raw := `{"action":"ENTRY","symbol":"ETHUSDT","side":"LONG","entry_price_low":3500,"entry_price_high":3550,"stop_loss":3400,"take_profits":[3700,3900],"leverage":10}`

	sig, ok := p.Parse(raw)
	if !ok {
		t.Fatalf("expected signal, got ignored")
	}
	if sig.Action != domain.ActionEntry {
		t.Fatalf("action = %s, want ENTRY", sig.Action)
	}
	if sig.Symbol != "ETHUSDT" {
		t.Fatalf("symbol = %s, want ETHUSDT", sig.Symbol)
	}
	if sig.Side != domain.SideLong {
		t.Fatalf("side = %s, want LONG", sig.Side)
	}
	if sig.EntryPriceLow != 3500 || sig.EntryPriceHigh != 3550 {
		t.Fatalf("entry band = %v-%v, want 3500-3550", sig.EntryPriceLow, sig.EntryPriceHigh)
	}
	if len(sig.TakeProfits) != 2 || sig.TakeProfits[0] != 3700 {
		t.Fatalf("take profits = %v", sig.TakeProfits)
	}
	if sig.Leverage != 10 {
		t.Fatalf("leverage = %d, want 10", sig.Leverage)
	}
}

func TestParseJSONEntryMissingSideRejected(t *testing.T) {
	p := NewParser("BTCUSDT")
	if _, ok := p.Parse(`{"action":"ENTRY","symbol":"BTCUSDT","entry_price":70000,"stop_loss":68000}`); ok {
		t.Fatalf("entry without side should be ignored")
	}
}

func TestParseJSONSinglePrice(t *testing.T) {
	p := NewParser("BTCUSDT")
	sig, ok := p.Parse(`{"action":"ENTRY","symbol":"BTC","side":"SHORT","entry_price":70000,"stop_loss":72000,"take_profit":68000}`)
	if !ok {
		t.Fatalf("expected signal")
	}
	if sig.Symbol != "BTCUSDT" {
		t.Fatalf("symbol = %s, want normalized BTCUSDT", sig.Symbol)
	}
	if sig.EntryPriceLow != 70000 || sig.EntryPriceHigh != 70000 {
		t.Fatalf("band = %v-%v, want degenerate 70000", sig.EntryPriceLow, sig.EntryPriceHigh)
	}
	if len(sig.TakeProfits) != 1 || sig.TakeProfits[0] != 68000 {
		t.Fatalf("take profits = %v, want [68000]", sig.TakeProfits)
	}
}

func TestParseJSONInvertedBandNormalized(t *testing.T) {
	p := NewParser("BTCUSDT")
	sig, ok := p.Parse(`{"action":"ENTRY","symbol":"BTCUSDT","side":"LONG","entry_price_low":72000,"entry_price_high":70800,"stop_loss":68000}`)
	if !ok {
		t.Fatalf("expected signal")
	}
	if sig.EntryPriceLow != 70800 || sig.EntryPriceHigh != 72000 {
		t.Fatalf("band = %v-%v, want 70800-72000", sig.EntryPriceLow, sig.EntryPriceHigh)
	}
}

func TestParseJSONCloseRatio(t *testing.T) {
	p := NewParser("BTCUSDT")
	sig, ok := p.Parse(`{"action":"CLOSE","symbol":"BTCUSDT","close_ratio":0.5,"new_stop_loss":70000}`)
	if !ok {
		t.Fatalf("expected signal")
	}
	if sig.CloseRatio != 0.5 {
		t.Fatalf("close ratio = %v, want 0.5", sig.CloseRatio)
	}
	if sig.NewStopLoss != 70000 {
		t.Fatalf("new stop = %v, want 70000", sig.NewStopLoss)
	}
}

func TestParseJSONUnknownAction(t *testing.T) {
	p := NewParser("BTCUSDT")
	if _, ok := p.Parse(`{"action":"HEDGE","symbol":"BTCUSDT"}`); ok {
		t.Fatalf("unknown action should be ignored")
	}
}

func TestParseTextEntry(t *testing.T) {
	p := NewParser("BTCUSDT")
	sig, ok := p.Parse("Signal: BTCUSDT\nLONG\nEntry: 70800-72000\nSL: 68000\nTP: 74000/76000\nLeverage: 20x")
	if !ok {
		t.Fatalf("expected signal")
	}
	if sig.Action != domain.ActionEntry || sig.Side != domain.SideLong {
		t.Fatalf("action/side = %s/%s", sig.Action, sig.Side)
	}
	if sig.EntryPriceLow != 70800 || sig.EntryPriceHigh != 72000 {
		t.Fatalf("band = %v-%v", sig.EntryPriceLow, sig.EntryPriceHigh)
	}
	if sig.StopLoss != 68000 {
		t.Fatalf("stop = %v", sig.StopLoss)
	}
	if len(sig.TakeProfits) != 2 || sig.TakeProfits[0] != 74000 || sig.TakeProfits[1] != 76000 {
		t.Fatalf("targets = %v", sig.TakeProfits)
	}
	if sig.Leverage != 20 {
		t.Fatalf("leverage = %d", sig.Leverage)
	}
}

func TestParseTextDcaEntry(t *testing.T) {
	p := NewParser("BTCUSDT")
	sig, ok := p.Parse("DCA long BTCUSDT entry 69000 SL 67000")
	if !ok {
		t.Fatalf("expected signal")
	}
	if !sig.IsDCA {
		t.Fatalf("expected DCA flag")
	}
}

func TestParseTextPartialClose(t *testing.T) {
	p := NewParser("BTCUSDT")
	sig, ok := p.Parse("Close 50% of ETHUSDT, move SL to 3500")
	if !ok {
		t.Fatalf("expected signal")
	}
	if sig.Action != domain.ActionClose {
		t.Fatalf("action = %s, want CLOSE", sig.Action)
	}
	if sig.Symbol != "ETHUSDT" {
		t.Fatalf("symbol = %s", sig.Symbol)
	}
	if sig.CloseRatio != 0.5 {
		t.Fatalf("ratio = %v, want 0.5", sig.CloseRatio)
	}
	if sig.NewStopLoss != 3500 {
		t.Fatalf("new stop = %v, want 3500", sig.NewStopLoss)
	}
}

func TestParseTextFullClose(t *testing.T) {
	p := NewParser("BTCUSDT")
	sig, ok := p.Parse("close BTCUSDT now")
	if !ok {
		t.Fatalf("expected signal")
	}
	if sig.Action != domain.ActionClose {
		t.Fatalf("action = %s", sig.Action)
	}
	if sig.CloseRatio != 0 {
		t.Fatalf("ratio = %v, want 0 (caller defaults to full)", sig.CloseRatio)
	}
}

func TestParseTextMoveStop(t *testing.T) {
	p := NewParser("BTCUSDT")
	sig, ok := p.Parse("Move SL to 70500 on BTCUSDT")
	if !ok {
		t.Fatalf("expected signal")
	}
	if sig.Action != domain.ActionMoveSL {
		t.Fatalf("action = %s, want MOVE_SL", sig.Action)
	}
	if sig.NewStopLoss != 70500 {
		t.Fatalf("new stop = %v", sig.NewStopLoss)
	}
}

func TestParseTextBreakEven(t *testing.T) {
	p := NewParser("BTCUSDT")
	sig, ok := p.Parse("BTCUSDT break even")
	if !ok {
		t.Fatalf("expected signal")
	}
	if sig.Action != domain.ActionMoveSL {
		t.Fatalf("action = %s, want MOVE_SL", sig.Action)
	}
	if sig.NewStopLoss != 0 {
		t.Fatalf("break-even move should leave new stop 0, got %v", sig.NewStopLoss)
	}
}

func TestParseTextCancel(t *testing.T) {
	p := NewParser("BTCUSDT")
	sig, ok := p.Parse("Cancel ETHUSDT")
	if !ok {
		t.Fatalf("expected signal")
	}
	if sig.Action != domain.ActionCancel {
		t.Fatalf("action = %s, want CANCEL", sig.Action)
	}
	if sig.Symbol != "ETHUSDT" {
		t.Fatalf("symbol = %s", sig.Symbol)
	}
}

func TestParseTextCancelDefaultsSymbol(t *testing.T) {
	p := NewParser("BTCUSDT")
	sig, ok := p.Parse("cancel")
	if !ok {
		t.Fatalf("expected signal")
	}
	if sig.Symbol != "BTCUSDT" {
		t.Fatalf("symbol = %s, want default BTCUSDT", sig.Symbol)
	}
}

func TestParseChatterIgnored(t *testing.T) {
	p := NewParser("BTCUSDT")
	for _, raw := range []string{
		"",
		"gm everyone",
		"BTC is looking strong today, might pump to 80k",
		"{not valid json",
		"Entry soon, stay tuned",
	} {
		if _, ok := p.Parse(raw); ok {
			t.Fatalf("chatter %q should be ignored", raw)
		}
	}
}

func TestParseTargetListOrder(t *testing.T) {
	got := parseTargetList("74000 / 76000, 78000")
	if len(got) != 3 || got[0] != 74000 || got[1] != 76000 || got[2] != 78000 {
		t.Fatalf("targets = %v", got)
	}
}
