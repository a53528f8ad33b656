package signal

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"signaltrader/internal/domain"
)

// Parser turns raw channel text or structured JSON payloads into canonical
// TradeSignals. Text that matches no known format is not an error; the
// caller treats it as "not a trade signal".
type Parser struct {
	defaultSymbol string
	logger        zerolog.Logger
}

func NewParser(defaultSymbol string) *Parser {
	return &Parser{
		defaultSymbol: defaultSymbol,
		logger:        log.With().Str("component", "signal_parser").Logger(),
	}
}

var (
	// "Signal: BTCUSDT" / "SIGNAL BTC"
	announcePattern = regexp.MustCompile(`(?im)^\s*signal[:\s]+([A-Z0-9]{2,15})`)
	longPattern     = regexp.MustCompile(`(?i)\b(long|buy)\b`)
	shortPattern    = regexp.MustCompile(`(?i)\b(short|sell)\b`)
	// "Entry: 70800-72000" or "Entry 70800"
	entryPattern = regexp.MustCompile(`(?i)entry[^0-9]*([0-9]+(?:\.[0-9]+)?)(?:\s*[-–~]\s*([0-9]+(?:\.[0-9]+)?))?`)
	// "SL: 68000" / "Stop loss 68000"
	stopPattern = regexp.MustCompile(`(?i)(?:\bsl\b|stop[\s-]?loss)[^0-9]*([0-9]+(?:\.[0-9]+)?)`)
	// "TP: 74000/76000" / "Targets 74000, 76000"
	targetPattern = regexp.MustCompile(`(?i)(?:\btp\b|take[\s-]?profit|targets?)[^0-9]*([0-9]+(?:\.[0-9]+)?(?:\s*[/,]\s*[0-9]+(?:\.[0-9]+)?)*)`)
	// "Leverage: 20x" / "lev 10"
	leveragePattern = regexp.MustCompile(`(?i)(?:\blev\b|leverage)[^0-9]*([0-9]{1,3})`)
	// "Close BTCUSDT 50%" / "close 50%"
	closePattern        = regexp.MustCompile(`(?i)\bclose\b`)
	closePercentPattern = regexp.MustCompile(`([0-9]{1,3})\s*%`)
	// "Move SL to 70000" / "move stop 70000" / "break even"
	moveStopPattern  = regexp.MustCompile(`(?i)move\s+(?:sl|stop(?:[\s-]?loss)?)(?:\s+to)?[^0-9]*([0-9]+(?:\.[0-9]+)?)?`)
	breakEvenPattern = regexp.MustCompile(`(?i)break[\s-]?even`)
	// "Cancel BTCUSDT" / "cancel order: ETH"
	cancelPattern = regexp.MustCompile(`(?i)\bcancel\b(?:\s+order)?[:\s]*([A-Z0-9]{2,15})?`)
	// "DCA" / "add to position"
	dcaPattern = regexp.MustCompile(`(?i)\bdca\b|add\s+to\s+position`)

	symbolPattern = regexp.MustCompile(`\b([A-Z0-9]{2,12}USDT)\b`)
)

// Parse decodes raw into a TradeSignal. ok=false means the input is not a
// recognizable trade instruction and must be ignored without error.
func (p *Parser) Parse(raw string) (domain.TradeSignal, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return domain.TradeSignal{}, false
	}

	if strings.HasPrefix(raw, "{") {
		if sig, ok := p.parseJSON(raw); ok {
			return sig, true
		}
		return domain.TradeSignal{}, false
	}
	return p.parseText(raw)
}

// wireSignal mirrors the payload the channel monitor posts.
type wireSignal struct {
	Action         string    `json:"action"`
	Symbol         string    `json:"symbol"`
	Side           string    `json:"side"`
	EntryPrice     float64   `json:"entry_price"`
	EntryPriceLow  float64   `json:"entry_price_low"`
	EntryPriceHigh float64   `json:"entry_price_high"`
	StopLoss       float64   `json:"stop_loss"`
	TakeProfit     float64   `json:"take_profit"`
	TakeProfits    []float64 `json:"take_profits"`
	Leverage       int       `json:"leverage"`
	CloseRatio     *float64  `json:"close_ratio"`
	NewStopLoss    float64   `json:"new_stop_loss"`
	NewTakeProfit  float64   `json:"new_take_profit"`
	IsDCA          bool      `json:"is_dca"`
	Source         string    `json:"source"`
}

func (p *Parser) parseJSON(raw string) (domain.TradeSignal, bool) {
	var w wireSignal
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		p.logger.Debug().Err(err).Msg("payload is not valid signal JSON")
		return domain.TradeSignal{}, false
	}

	action := domain.ActionType(strings.ToUpper(strings.TrimSpace(w.Action)))
	switch action {
	case domain.ActionEntry, domain.ActionClose, domain.ActionMoveSL, domain.ActionCancel, domain.ActionInfo:
	default:
		return domain.TradeSignal{}, false
	}

	sig := domain.TradeSignal{
		Symbol:        normalizeSymbol(w.Symbol, p.defaultSymbol),
		Action:        action,
		StopLoss:      w.StopLoss,
		Leverage:      w.Leverage,
		NewStopLoss:   w.NewStopLoss,
		NewTakeProfit: w.NewTakeProfit,
		IsDCA:         w.IsDCA,
		Source:        w.Source,
		ReceivedAt:    time.Now().UTC(),
	}

	switch strings.ToUpper(strings.TrimSpace(w.Side)) {
	case "LONG", "BUY":
		sig.Side = domain.SideLong
	case "SHORT", "SELL":
		sig.Side = domain.SideShort
	}

	low, high := w.EntryPriceLow, w.EntryPriceHigh
	if low == 0 && high == 0 && w.EntryPrice > 0 {
		low, high = w.EntryPrice, w.EntryPrice
	}
	if high < low {
		low, high = high, low
	}
	sig.EntryPriceLow, sig.EntryPriceHigh = low, high

	if len(w.TakeProfits) > 0 {
		sig.TakeProfits = w.TakeProfits
	} else if w.TakeProfit > 0 {
		sig.TakeProfits = []float64{w.TakeProfit}
	}

	if w.CloseRatio != nil {
		sig.CloseRatio = *w.CloseRatio
	}

	if action == domain.ActionEntry && sig.Side == "" {
		p.logger.Warn().Str("symbol", sig.Symbol).Msg("entry payload missing side")
		return domain.TradeSignal{}, false
	}

	return sig, true
}

func (p *Parser) parseText(raw string) (domain.TradeSignal, bool) {
	if sig, ok := p.parseCancelText(raw); ok {
		return sig, true
	}
	if sig, ok := p.parseMoveStopText(raw); ok {
		return sig, true
	}
	if sig, ok := p.parseCloseText(raw); ok {
		return sig, true
	}
	if sig, ok := p.parseEntryText(raw); ok {
		return sig, true
	}
	p.logger.Debug().Str("text", truncate(raw, 80)).Msg("no signal pattern matched")
	return domain.TradeSignal{}, false
}

func (p *Parser) parseEntryText(raw string) (domain.TradeSignal, bool) {
	entryMatch := entryPattern.FindStringSubmatch(raw)
	if entryMatch == nil {
		return domain.TradeSignal{}, false
	}

	var side domain.Side
	switch {
	case longPattern.MatchString(raw):
		side = domain.SideLong
	case shortPattern.MatchString(raw):
		side = domain.SideShort
	default:
		return domain.TradeSignal{}, false
	}

	low, _ := strconv.ParseFloat(entryMatch[1], 64)
	high := low
	if entryMatch[2] != "" {
		high, _ = strconv.ParseFloat(entryMatch[2], 64)
	}
	if high < low {
		low, high = high, low
	}

	sig := domain.TradeSignal{
		Symbol:         p.findSymbol(raw),
		Side:           side,
		Action:         domain.ActionEntry,
		EntryPriceLow:  low,
		EntryPriceHigh: high,
		IsDCA:          dcaPattern.MatchString(raw),
		ReceivedAt:     time.Now().UTC(),
	}

	if m := stopPattern.FindStringSubmatch(raw); m != nil {
		sig.StopLoss, _ = strconv.ParseFloat(m[1], 64)
	}
	if m := targetPattern.FindStringSubmatch(raw); m != nil {
		sig.TakeProfits = parseTargetList(m[1])
	}
	if m := leveragePattern.FindStringSubmatch(raw); m != nil {
		sig.Leverage, _ = strconv.Atoi(m[1])
	}

	p.logger.Info().
		Str("symbol", sig.Symbol).
		Str("side", string(sig.Side)).
		Float64("entry_low", sig.EntryPriceLow).
		Float64("entry_high", sig.EntryPriceHigh).
		Float64("stop", sig.StopLoss).
		Bool("dca", sig.IsDCA).
		Msg("parsed entry signal")
	return sig, true
}

func (p *Parser) parseCloseText(raw string) (domain.TradeSignal, bool) {
	if !closePattern.MatchString(raw) {
		return domain.TradeSignal{}, false
	}
	sig := domain.TradeSignal{
		Symbol:     p.findSymbol(raw),
		Action:     domain.ActionClose,
		ReceivedAt: time.Now().UTC(),
	}
	if m := closePercentPattern.FindStringSubmatch(raw); m != nil {
		pct, _ := strconv.ParseFloat(m[1], 64)
		if pct > 0 && pct <= 100 {
			sig.CloseRatio = pct / 100
		}
	}
	if breakEvenPattern.MatchString(raw) {
		// break-even request rides along with the partial close
		sig.NewStopLoss = 0
	}
	if m := stopPattern.FindStringSubmatch(raw); m != nil {
		sig.NewStopLoss, _ = strconv.ParseFloat(m[1], 64)
	}
	return sig, true
}

func (p *Parser) parseMoveStopText(raw string) (domain.TradeSignal, bool) {
	breakEven := breakEvenPattern.MatchString(raw)
	m := moveStopPattern.FindStringSubmatch(raw)
	if m == nil && !breakEven {
		return domain.TradeSignal{}, false
	}
	if closePattern.MatchString(raw) {
		// "close 50%, move SL to break even" is a CLOSE with stop adjustment
		return domain.TradeSignal{}, false
	}
	sig := domain.TradeSignal{
		Symbol:     p.findSymbol(raw),
		Action:     domain.ActionMoveSL,
		ReceivedAt: time.Now().UTC(),
	}
	if m != nil && len(m) > 1 && m[1] != "" {
		sig.NewStopLoss, _ = strconv.ParseFloat(m[1], 64)
	}
	if sig.NewStopLoss == 0 && !breakEven {
		return domain.TradeSignal{}, false
	}
	return sig, true
}

func (p *Parser) parseCancelText(raw string) (domain.TradeSignal, bool) {
	m := cancelPattern.FindStringSubmatch(raw)
	if m == nil {
		return domain.TradeSignal{}, false
	}
	symbol := p.findSymbol(raw)
	if symbol == "" && m[1] != "" {
		symbol = normalizeSymbol(m[1], p.defaultSymbol)
	}
	if symbol == "" {
		symbol = p.defaultSymbol
	}
	return domain.TradeSignal{
		Symbol:     symbol,
		Action:     domain.ActionCancel,
		ReceivedAt: time.Now().UTC(),
	}, true
}

func (p *Parser) findSymbol(raw string) string {
	if m := symbolPattern.FindStringSubmatch(raw); m != nil {
		return m[1]
	}
	if m := announcePattern.FindStringSubmatch(raw); m != nil {
		return normalizeSymbol(m[1], p.defaultSymbol)
	}
	return p.defaultSymbol
}

// normalizeSymbol upgrades bare coin names to their USDT perpetual form.
func normalizeSymbol(symbol, fallback string) string {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return fallback
	}
	if !strings.HasSuffix(symbol, "USDT") {
		symbol += "USDT"
	}
	return symbol
}

// parseTargetList splits "74000/76000" or "74000, 76000" preserving order.
func parseTargetList(s string) []float64 {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == '/' || r == ','
	})
	out := make([]float64, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err == nil && v > 0 {
			out = append(out, v)
		}
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
