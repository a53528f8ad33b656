package risk

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"signaltrader/internal/domain"
)

// Limits are the exchange-independent sizing guards applied on top of each
// account's risk profile.
type Limits struct {
	// MaxEntryDeviation rejects entries whose chosen price is further than
	// this fraction away from the current mark price.
	MaxEntryDeviation float64
	// MinNotionalUsdt rejects orders whose notional is too small to place.
	MinNotionalUsdt float64
	// MarginUsageCap bounds required margin to this fraction of equity.
	MarginUsageCap float64
}

// Input carries everything the evaluator needs to size one signal for one
// account. Open is nil when the account has no position on the symbol.
type Input struct {
	AccountID string
	Signal    domain.TradeSignal
	Profile   domain.RiskProfile
	Equity    float64
	MarkPrice float64
	Open      *domain.Position
}

// Evaluator turns signals into approved order sizes, or rejections with a
// reason. It never talks to the exchange; lot-size rounding happens later
// in the executor.
type Evaluator struct {
	breaker *Breaker
	limits  Limits
	logger  zerolog.Logger
}

func NewEvaluator(breaker *Breaker, limits Limits) *Evaluator {
	return &Evaluator{
		breaker: breaker,
		limits:  limits,
		logger:  log.With().Str("component", "risk_evaluator").Logger(),
	}
}

func reject(reason string) domain.SizingDecision {
	return domain.SizingDecision{Approved: false, Reason: reason}
}

// Evaluate applies the account's risk profile to the signal. The error
// return is reserved for infrastructure failures (ledger unavailable);
// policy rejections come back as unapproved decisions.
func (e *Evaluator) Evaluate(in Input) (domain.SizingDecision, error) {
	sig := in.Signal
	if !in.Profile.Allows(sig.Symbol) {
		return reject(fmt.Sprintf("symbol %s not allowed for account", sig.Symbol)), nil
	}

	switch sig.Action {
	case domain.ActionEntry:
		return e.evaluateEntry(in)
	case domain.ActionClose:
		return e.evaluateClose(in), nil
	case domain.ActionMoveSL, domain.ActionCancel:
		// validated against live exchange state by the executor
		return domain.SizingDecision{Approved: true}, nil
	default:
		return reject(fmt.Sprintf("action %s is not executable", sig.Action)), nil
	}
}

func (e *Evaluator) evaluateEntry(in Input) (domain.SizingDecision, error) {
	sig, profile := in.Signal, in.Profile

	tripped, err := e.breaker.IsTripped(in.AccountID, profile)
	if err != nil {
		return domain.SizingDecision{}, err
	}
	if tripped {
		return reject("daily loss breaker tripped, no new entries today"), nil
	}

	layer := 0
	if sig.IsDCA {
		ok, reason := CanAddLayer(in.Open, sig, profile)
		if !ok {
			return reject(reason), nil
		}
		layer = in.Open.DcaCount + 1
	} else if in.Open != nil && in.Open.Status == domain.PositionOpen {
		return reject(fmt.Sprintf("position already open on %s", sig.Symbol)), nil
	}

	if sig.EntryPriceLow <= 0 {
		return reject("entry signal without a price"), nil
	}
	if sig.StopLoss <= 0 {
		return reject("entry signal without a stop loss"), nil
	}
	if in.Equity <= 0 {
		return reject("account equity unavailable or zero"), nil
	}

	entryPrice := pickEntryPrice(sig.EntryPriceLow, sig.EntryPriceHigh, in.MarkPrice)
	if in.MarkPrice > 0 && e.limits.MaxEntryDeviation > 0 {
		deviation := math.Abs(entryPrice-in.MarkPrice) / in.MarkPrice
		if deviation > e.limits.MaxEntryDeviation {
			return reject(fmt.Sprintf("mark price %.8g is %.1f%% away from entry %.8g, signal stale",
				in.MarkPrice, deviation*100, entryPrice)), nil
		}
	}

	// a stop on the wrong side of the entry means the signal is garbled
	if sig.Side == domain.SideLong && sig.StopLoss >= entryPrice {
		return reject("long stop loss above entry price"), nil
	}
	if sig.Side == domain.SideShort && sig.StopLoss <= entryPrice {
		return reject("short stop loss below entry price"), nil
	}

	stopDistance := math.Abs(entryPrice - sig.StopLoss)
	if stopDistance == 0 {
		return reject("zero stop distance"), nil
	}

	leverage := sig.Leverage
	if leverage <= 0 {
		leverage = profile.DefaultLeverage
	}
	if profile.MaxLeverage > 0 && leverage > profile.MaxLeverage {
		leverage = profile.MaxLeverage
	}
	if leverage <= 0 {
		leverage = 1
	}

	baseRisk := in.Equity * profile.RiskPercent
	riskAmount := LayerRiskAmount(baseRisk, profile.DcaRiskMultiplier, layer)
	quantity := riskAmount / stopDistance

	var clamps []string
	if profile.MaxPositionSizeUsdt > 0 && quantity*entryPrice > profile.MaxPositionSizeUsdt {
		quantity = profile.MaxPositionSizeUsdt / entryPrice
		clamps = append(clamps, "notional cap")
	}
	if e.limits.MarginUsageCap > 0 {
		maxMarginQty := e.limits.MarginUsageCap * in.Equity * float64(leverage) / entryPrice
		if quantity > maxMarginQty {
			quantity = maxMarginQty
			clamps = append(clamps, "margin cap")
		}
	}
	if quantity <= 0 {
		return reject("computed quantity is zero"), nil
	}
	if quantity*entryPrice < e.limits.MinNotionalUsdt {
		return reject(fmt.Sprintf("notional %.2f USDT below exchange minimum", quantity*entryPrice)), nil
	}

	summary := fmt.Sprintf("risk %.2f USDT, stop distance %.8g, qty %.8g @ %.8g x%d",
		riskAmount, stopDistance, quantity, entryPrice, leverage)
	if len(clamps) > 0 {
		summary += " (clamped by " + clamps[0]
		for _, c := range clamps[1:] {
			summary += ", " + c
		}
		summary += ")"
	}
	if layer > 0 {
		summary = fmt.Sprintf("dca layer %d: %s", layer, summary)
	}

	e.logger.Info().
		Str("account", in.AccountID).
		Str("symbol", sig.Symbol).
		Str("side", string(sig.Side)).
		Int("layer", layer).
		Float64("equity", in.Equity).
		Float64("risk", riskAmount).
		Float64("qty", quantity).
		Msg("entry approved")

	return domain.SizingDecision{
		Approved:   true,
		EntryPrice: entryPrice,
		Quantity:   quantity,
		Leverage:   leverage,
		RiskAmount: riskAmount,
		Summary:    summary,
	}, nil
}

func (e *Evaluator) evaluateClose(in Input) domain.SizingDecision {
	if in.Open == nil || in.Open.Status != domain.PositionOpen {
		return reject(fmt.Sprintf("no open position on %s to close", in.Signal.Symbol))
	}
	ratio := in.Signal.CloseRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}
	quantity := in.Open.Quantity * ratio
	if quantity <= 0 {
		return reject("open position has zero quantity")
	}
	return domain.SizingDecision{
		Approved: true,
		Quantity: quantity,
		Summary:  fmt.Sprintf("close %.0f%% of %.8g", ratio*100, in.Open.Quantity),
	}
}

// pickEntryPrice clamps the mark price into the signal's entry band, so a
// band order fills as close to the market as the signal allows. Without a
// mark price the band midpoint is used.
func pickEntryPrice(low, high, mark float64) float64 {
	if high < low {
		low, high = high, low
	}
	if mark <= 0 {
		return (low + high) / 2
	}
	if mark < low {
		return low
	}
	if mark > high {
		return high
	}
	return mark
}
