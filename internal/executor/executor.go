package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"signaltrader/internal/domain"
	"signaltrader/internal/exchange"
	"signaltrader/internal/ledger"
	"signaltrader/internal/notify"
	"signaltrader/internal/service/risk"
)

// Executor translates approved sizing decisions into exchange orders and
// keeps the ledger in sync with what actually happened on the venue.
// Callers hold the per-(account,symbol) lock across each call.
type Executor struct {
	gateway  exchange.Gateway
	store    ledger.Store
	breaker  *risk.Breaker
	notifier notify.Sink
	logger   zerolog.Logger
}

func New(gateway exchange.Gateway, store ledger.Store, breaker *risk.Breaker, notifier notify.Sink) *Executor {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Executor{
		gateway:  gateway,
		store:    store,
		breaker:  breaker,
		notifier: notifier,
		logger:   log.With().Str("component", "order_executor").Logger(),
	}
}

// PlaceEntry opens a fresh position: market entry, then the stop, then the
// take-profit legs. A failed entry reports failure; a filled entry with a
// failed protective leg still reports success and carries the problem in
// ErrorMessage so the operator is alerted, the position is never unwound.
func (e *Executor) PlaceEntry(ctx context.Context, accountID string, sig domain.TradeSignal, dec domain.SizingDecision) domain.ExecutionOutcome {
	out := domain.ExecutionOutcome{
		AccountID:   accountID,
		Symbol:      sig.Symbol,
		Side:        sig.Side,
		Action:      sig.Action,
		RiskSummary: dec.Summary,
	}

	if err := e.gateway.SetLeverage(ctx, accountID, sig.Symbol, dec.Leverage); err != nil {
		// existing leverage applies; sizing stays valid because quantity
		// was computed from the risk budget, not from margin
		e.logger.Warn().Err(err).Str("account", accountID).Str("symbol", sig.Symbol).Msg("set leverage failed")
	}

	entry, err := e.gateway.PlaceOrder(ctx, accountID, exchange.OrderRequest{
		Symbol:   sig.Symbol,
		Side:     exchange.OrderSide(sig.Side),
		Type:     exchange.OrderMarket,
		Quantity: dec.Quantity,
	})
	if err != nil {
		return e.failure(ctx, out, "entry order", err)
	}

	fillPrice := entry.AvgPrice
	if fillPrice <= 0 {
		fillPrice = dec.EntryPrice
	}
	fillQty := entry.ExecutedQty
	if fillQty <= 0 {
		fillQty = dec.Quantity
	}

	out.Success = true
	out.OrderID = entry.OrderID
	out.Price = fillPrice
	out.Quantity = fillQty

	if _, err := e.store.CreatePosition(domain.Position{
		AccountID:         accountID,
		Symbol:            sig.Symbol,
		Side:              sig.Side,
		EntryPrice:        fillPrice,
		Quantity:          fillQty,
		StopLoss:          sig.StopLoss,
		Leverage:          dec.Leverage,
		PlannedRiskAmount: dec.RiskAmount,
	}); err != nil {
		e.logger.Error().Err(err).Str("account", accountID).Msg("ledger create failed after fill")
	}

	var legErrs []string
	if err := e.placeStop(ctx, accountID, sig.Symbol, sig.Side, sig.StopLoss); err != nil {
		legErrs = append(legErrs, fmt.Sprintf("stop loss: %v", err))
	}
	if err := e.placeTakeProfits(ctx, accountID, sig.Symbol, sig.Side, fillQty, sig.TakeProfits); err != nil {
		legErrs = append(legErrs, fmt.Sprintf("take profit: %v", err))
	}
	if len(legErrs) > 0 {
		out.ErrorMessage = strings.Join(legErrs, "; ")
		e.notifier.Notify(ctx, accountID, notify.SeverityCritical,
			fmt.Sprintf("%s %s entry unprotected", sig.Symbol, sig.Side),
			"position is open but a protective order failed: "+out.ErrorMessage)
	}

	e.logger.Info().
		Str("account", accountID).
		Str("symbol", sig.Symbol).
		Str("side", string(sig.Side)).
		Float64("price", fillPrice).
		Float64("qty", fillQty).
		Bool("protected", len(legErrs) == 0).
		Msg("entry executed")
	return out
}

// PlaceDcaEntry stacks another layer onto the open position, then rebuilds
// the protective orders over the new aggregate quantity.
func (e *Executor) PlaceDcaEntry(ctx context.Context, accountID string, sig domain.TradeSignal, dec domain.SizingDecision) domain.ExecutionOutcome {
	out := domain.ExecutionOutcome{
		AccountID:   accountID,
		Symbol:      sig.Symbol,
		Side:        sig.Side,
		Action:      sig.Action,
		RiskSummary: dec.Summary,
	}

	entry, err := e.gateway.PlaceOrder(ctx, accountID, exchange.OrderRequest{
		Symbol:   sig.Symbol,
		Side:     exchange.OrderSide(sig.Side),
		Type:     exchange.OrderMarket,
		Quantity: dec.Quantity,
	})
	if err != nil {
		return e.failure(ctx, out, "dca order", err)
	}

	fillPrice := entry.AvgPrice
	if fillPrice <= 0 {
		fillPrice = dec.EntryPrice
	}
	fillQty := entry.ExecutedQty
	if fillQty <= 0 {
		fillQty = dec.Quantity
	}

	out.Success = true
	out.OrderID = entry.OrderID
	out.Price = fillPrice
	out.Quantity = fillQty

	pos, err := e.store.ApplyDcaFill(accountID, sig.Symbol, fillPrice, fillQty, dec.RiskAmount, sig.StopLoss)
	if err != nil {
		e.logger.Error().Err(err).Str("account", accountID).Msg("ledger dca update failed after fill")
		return out
	}

	if err := e.rebuildProtection(ctx, accountID, pos, sig.TakeProfits); err != nil {
		out.ErrorMessage = err.Error()
		e.notifier.Notify(ctx, accountID, notify.SeverityCritical,
			fmt.Sprintf("%s %s dca layer unprotected", sig.Symbol, pos.Side),
			"dca filled but protective orders were not rebuilt: "+err.Error())
	}

	e.logger.Info().
		Str("account", accountID).
		Str("symbol", sig.Symbol).
		Int("layer", pos.DcaCount).
		Float64("avg_entry", pos.EntryPrice).
		Float64("total_qty", pos.Quantity).
		Msg("dca layer executed")
	return out
}

// PlaceClose reduces or terminates the open position. Full closes cancel
// every working order first; partial closes keep the position protected by
// re-hanging the stop over the remainder. Realized losses feed the daily
// breaker.
func (e *Executor) PlaceClose(ctx context.Context, accountID string, profile domain.RiskProfile, sig domain.TradeSignal, dec domain.SizingDecision) domain.ExecutionOutcome {
	out := domain.ExecutionOutcome{
		AccountID: accountID,
		Symbol:    sig.Symbol,
		Action:    sig.Action,
	}

	pos, err := e.store.FindOpenPosition(accountID, sig.Symbol)
	if err != nil {
		out.ErrorMessage = fmt.Sprintf("no open position on %s", sig.Symbol)
		return out
	}
	out.Side = pos.Side

	fullClose := dec.Quantity >= pos.Quantity

	if fullClose {
		if err := e.gateway.CancelAllOrders(ctx, accountID, sig.Symbol); err != nil {
			e.logger.Warn().Err(err).Str("account", accountID).Msg("cancel working orders failed before close")
		}
		resp, err := e.gateway.PlaceOrder(ctx, accountID, exchange.OrderRequest{
			Symbol:     sig.Symbol,
			Side:       exchange.ClosingSide(pos.Side),
			Type:       exchange.OrderMarket,
			Quantity:   pos.Quantity,
			ReduceOnly: true,
		})
		if err != nil {
			return e.failure(ctx, out, "close order", err)
		}
		exitPrice := resp.AvgPrice
		if exitPrice <= 0 {
			exitPrice = pos.EntryPrice
		}
		closed, err := e.store.ClosePosition(accountID, sig.Symbol, exitPrice, resp.Commission)
		if err != nil {
			e.logger.Error().Err(err).Str("account", accountID).Msg("ledger close failed after fill")
		} else {
			e.recordRealized(ctx, accountID, profile, closed.Symbol, closed.NetProfit)
		}
		out.Success = true
		out.OrderID = resp.OrderID
		out.Price = exitPrice
		out.Quantity = pos.Quantity
		return out
	}

	resp, err := e.gateway.PlaceOrder(ctx, accountID, exchange.OrderRequest{
		Symbol:     sig.Symbol,
		Side:       exchange.ClosingSide(pos.Side),
		Type:       exchange.OrderMarket,
		Quantity:   dec.Quantity,
		ReduceOnly: true,
	})
	if err != nil {
		return e.failure(ctx, out, "partial close order", err)
	}
	exitPrice := resp.AvgPrice
	if exitPrice <= 0 {
		exitPrice = pos.EntryPrice
	}

	remaining, net, err := e.store.ReducePosition(accountID, sig.Symbol, dec.Quantity, exitPrice, resp.Commission)
	if err != nil {
		e.logger.Error().Err(err).Str("account", accountID).Msg("ledger reduce failed after fill")
	} else {
		e.recordRealized(ctx, accountID, profile, sig.Symbol, net)
	}

	// protect the remainder: requested stop first, else the previous stop,
	// else break even at the average entry
	newStop := sig.NewStopLoss
	if newStop <= 0 {
		newStop = pos.StopLoss
	}
	if newStop <= 0 {
		newStop = remaining.EntryPrice
	}
	if err := e.replaceStop(ctx, accountID, remaining, newStop); err != nil {
		out.ErrorMessage = fmt.Sprintf("remainder unprotected: %v", err)
		e.notifier.Notify(ctx, accountID, notify.SeverityCritical,
			fmt.Sprintf("%s %s remainder unprotected", sig.Symbol, pos.Side),
			out.ErrorMessage)
	}

	out.Success = true
	out.OrderID = resp.OrderID
	out.Price = exitPrice
	out.Quantity = dec.Quantity
	return out
}

// MoveStop replaces the working stop order. If the old stop was cancelled
// but the replacement failed the position is live without protection, which
// is the highest-severity state this service can produce.
func (e *Executor) MoveStop(ctx context.Context, accountID string, sig domain.TradeSignal) domain.ExecutionOutcome {
	out := domain.ExecutionOutcome{
		AccountID: accountID,
		Symbol:    sig.Symbol,
		Action:    sig.Action,
	}

	pos, err := e.store.FindOpenPosition(accountID, sig.Symbol)
	if err != nil {
		out.ErrorMessage = fmt.Sprintf("no open position on %s", sig.Symbol)
		return out
	}
	out.Side = pos.Side

	newStop := sig.NewStopLoss
	if newStop <= 0 {
		// break-even move
		newStop = pos.EntryPrice
	}

	if err := e.replaceStop(ctx, accountID, pos, newStop); err != nil {
		// the old stop may already be cancelled at this point
		e.notifier.Notify(ctx, accountID, notify.SeverityCritical,
			fmt.Sprintf("%s %s may be unprotected", sig.Symbol, pos.Side),
			fmt.Sprintf("stop replacement at %v failed: %v", newStop, err))
		return e.failure(ctx, out, "replace stop", err)
	}

	out.Success = true
	out.Price = newStop
	e.logger.Info().
		Str("account", accountID).
		Str("symbol", sig.Symbol).
		Float64("stop", newStop).
		Msg("stop moved")
	return out
}

// CancelAll cancels every working order on the symbol. The ledger position,
// if one is open, is left untouched: entries fill at market, so an OPEN row
// is a live exchange position that only CLOSE may retire. Safe to repeat.
func (e *Executor) CancelAll(ctx context.Context, accountID string, sig domain.TradeSignal) domain.ExecutionOutcome {
	out := domain.ExecutionOutcome{
		AccountID: accountID,
		Symbol:    sig.Symbol,
		Action:    sig.Action,
	}

	if err := e.gateway.CancelAllOrders(ctx, accountID, sig.Symbol); err != nil {
		return e.failure(ctx, out, "cancel orders", err)
	}
	out.Success = true
	return out
}

func (e *Executor) placeStop(ctx context.Context, accountID, symbol string, side domain.Side, stop float64) error {
	if stop <= 0 {
		return nil
	}
	_, err := e.gateway.PlaceOrder(ctx, accountID, exchange.OrderRequest{
		Symbol:        symbol,
		Side:          exchange.ClosingSide(side),
		Type:          exchange.OrderStopMarket,
		StopPrice:     stop,
		ClosePosition: true,
	})
	return err
}

func (e *Executor) placeTakeProfits(ctx context.Context, accountID, symbol string, side domain.Side, totalQty float64, targets []float64) error {
	if len(targets) == 0 {
		return nil
	}
	per := totalQty / float64(len(targets))
	for i, target := range targets {
		req := exchange.OrderRequest{
			Symbol:     symbol,
			Side:       exchange.ClosingSide(side),
			Type:       exchange.OrderTakeProfit,
			StopPrice:  target,
			Quantity:   per,
			ReduceOnly: true,
		}
		// the last leg closes whatever is left
		if i == len(targets)-1 {
			req.Quantity = 0
			req.ClosePosition = true
		}
		if _, err := e.gateway.PlaceOrder(ctx, accountID, req); err != nil {
			return fmt.Errorf("leg %d at %v: %w", i+1, target, err)
		}
	}
	return nil
}

// replaceStop cancels the working stop orders, then hangs a fresh
// close-position stop at newStop and records it in the ledger.
func (e *Executor) replaceStop(ctx context.Context, accountID string, pos domain.Position, newStop float64) error {
	open, err := e.gateway.OpenOrders(ctx, accountID, pos.Symbol)
	if err != nil {
		return fmt.Errorf("list open orders: %w", err)
	}
	for _, o := range open {
		if o.Type != exchange.OrderStopMarket {
			continue
		}
		if err := e.gateway.CancelOrder(ctx, accountID, pos.Symbol, o.OrderID); err != nil {
			return fmt.Errorf("cancel stop %s: %w", o.OrderID, err)
		}
	}
	if err := e.placeStop(ctx, accountID, pos.Symbol, pos.Side, newStop); err != nil {
		return fmt.Errorf("place stop at %v: %w", newStop, err)
	}
	if _, err := e.store.UpdateStopLoss(accountID, pos.Symbol, newStop); err != nil {
		e.logger.Warn().Err(err).Str("account", accountID).Msg("ledger stop update failed")
	}
	return nil
}

// rebuildProtection cancels the stop and take-profit orders and re-hangs
// them sized for the aggregate position. Working LIMIT orders are left
// alone.
func (e *Executor) rebuildProtection(ctx context.Context, accountID string, pos domain.Position, targets []float64) error {
	open, err := e.gateway.OpenOrders(ctx, accountID, pos.Symbol)
	if err != nil {
		return fmt.Errorf("list open orders: %w", err)
	}
	for _, o := range open {
		if o.Type != exchange.OrderStopMarket && o.Type != exchange.OrderTakeProfit {
			continue
		}
		if err := e.gateway.CancelOrder(ctx, accountID, pos.Symbol, o.OrderID); err != nil {
			return fmt.Errorf("cancel %s %s: %w", o.Type, o.OrderID, err)
		}
	}
	if err := e.placeStop(ctx, accountID, pos.Symbol, pos.Side, pos.StopLoss); err != nil {
		return fmt.Errorf("stop at %v: %w", pos.StopLoss, err)
	}
	if err := e.placeTakeProfits(ctx, accountID, pos.Symbol, pos.Side, pos.Quantity, targets); err != nil {
		return err
	}
	return nil
}

func (e *Executor) recordRealized(ctx context.Context, accountID string, profile domain.RiskProfile, symbol string, netPnl float64) {
	tripped, err := e.breaker.RecordRealizedPnl(accountID, profile, netPnl)
	if err != nil {
		e.logger.Error().Err(err).Str("account", accountID).Msg("daily loss accounting failed")
		return
	}
	if tripped {
		e.notifier.Notify(ctx, accountID, notify.SeverityWarn,
			"daily loss limit reached",
			fmt.Sprintf("realized loss on %s tripped the breaker, entries halted until tomorrow", symbol))
	}
}

// failure classifies an executor error. Timeouts are not failures: the
// order may have reached the venue, so the outcome is flagged unknown and
// the operator must reconcile by hand.
func (e *Executor) failure(ctx context.Context, out domain.ExecutionOutcome, stage string, err error) domain.ExecutionOutcome {
	if errors.Is(err, exchange.ErrTimeout) {
		out.Unknown = true
		out.ErrorMessage = fmt.Sprintf("%s timed out, exchange state unknown", stage)
		e.notifier.Notify(ctx, out.AccountID, notify.SeverityCritical,
			fmt.Sprintf("%s %s outcome unknown", out.Symbol, out.Action),
			out.ErrorMessage)
	} else {
		out.ErrorMessage = fmt.Sprintf("%s: %v", stage, err)
	}
	e.logger.Error().
		Str("account", out.AccountID).
		Str("symbol", out.Symbol).
		Str("stage", stage).
		Bool("unknown", out.Unknown).
		Err(err).
		Msg("execution failed")
	return out
}
