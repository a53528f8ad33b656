package trading

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"signaltrader/internal/accounts"
	"signaltrader/internal/broadcast"
	"signaltrader/internal/domain"
	"signaltrader/internal/exchange"
	"signaltrader/internal/executor"
	"signaltrader/internal/ledger"
	"signaltrader/internal/notify"
	"signaltrader/internal/service/risk"
	"signaltrader/internal/signal"
)

// ErrNotASignal marks inbound text that matched no trade instruction. The
// transport layer reports it as ignored rather than failed.
var ErrNotASignal = errors.New("input is not a trade signal")

// Pipeline is the end-to-end signal path: parse, dedupe, then per account
// evaluate risk and execute, all accounts in parallel. All position and
// counter mutations for one (account, symbol) run under that pair's lock.
type Pipeline struct {
	parser     *signal.Parser
	deduper    *signal.Deduper
	evaluator  *risk.Evaluator
	exec       *executor.Executor
	directory  accounts.Directory
	gateway    exchange.Gateway
	store      ledger.Store
	locks      *ledger.Locks
	dispatcher *broadcast.Dispatcher
	notifier   notify.Sink
	logger     zerolog.Logger
}

func NewPipeline(
	parser *signal.Parser,
	deduper *signal.Deduper,
	evaluator *risk.Evaluator,
	exec *executor.Executor,
	directory accounts.Directory,
	gateway exchange.Gateway,
	store ledger.Store,
	locks *ledger.Locks,
	dispatcher *broadcast.Dispatcher,
	notifier notify.Sink,
) *Pipeline {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Pipeline{
		parser:     parser,
		deduper:    deduper,
		evaluator:  evaluator,
		exec:       exec,
		directory:  directory,
		gateway:    gateway,
		store:      store,
		locks:      locks,
		dispatcher: dispatcher,
		notifier:   notifier,
		logger:     log.With().Str("component", "trading_pipeline").Logger(),
	}
}

// HandleInbound processes one raw payload from the channel monitor and fans
// it out to every configured account.
func (p *Pipeline) HandleInbound(ctx context.Context, raw string) (domain.FanoutResult, error) {
	sig, ok := p.parser.Parse(raw)
	if !ok {
		return domain.FanoutResult{}, ErrNotASignal
	}
	return p.HandleSignal(ctx, sig)
}

// ParseOnly parses a raw payload without executing it. Used by the manual
// execution endpoint to target a single account.
func (p *Pipeline) ParseOnly(raw string) (domain.TradeSignal, error) {
	sig, ok := p.parser.Parse(raw)
	if !ok {
		return domain.TradeSignal{}, ErrNotASignal
	}
	return sig, nil
}

// HandleSignal runs an already-parsed signal through dedup and broadcast.
func (p *Pipeline) HandleSignal(ctx context.Context, sig domain.TradeSignal) (domain.FanoutResult, error) {
	if p.deduper.CheckAndRemember(sig) {
		return domain.FanoutResult{
			BroadcastedCount: 0,
			Outcomes: []domain.ExecutionOutcome{{
				Duplicate: true,
				Symbol:    sig.Symbol,
				Action:    sig.Action,
			}},
		}, nil
	}

	ids := p.directory.ListAccountIDs()
	p.logger.Info().
		Str("symbol", sig.Symbol).
		Str("action", string(sig.Action)).
		Int("accounts", len(ids)).
		Msg("broadcasting signal")

	res := p.dispatcher.Dispatch(ctx, ids, func(ctx context.Context, accountID string) domain.ExecutionOutcome {
		return p.ExecuteForAccount(ctx, accountID, sig)
	})
	if res.FailedCount > 0 {
		p.notifier.Notify(ctx, "", notify.SeverityWarn,
			fmt.Sprintf("%s %s partial broadcast", sig.Symbol, sig.Action),
			fmt.Sprintf("%d of %d accounts failed", res.FailedCount, res.BroadcastedCount))
	}
	return res, nil
}

// ExecuteForAccount runs one signal for one account under the account's
// (account, symbol) lock. Risk evaluation and execution are a single
// critical section so the breaker check and the order it gates cannot
// interleave with a concurrent close.
func (p *Pipeline) ExecuteForAccount(ctx context.Context, accountID string, sig domain.TradeSignal) domain.ExecutionOutcome {
	fail := func(msg string) domain.ExecutionOutcome {
		return domain.ExecutionOutcome{
			AccountID:    accountID,
			Symbol:       sig.Symbol,
			Side:         sig.Side,
			Action:       sig.Action,
			ErrorMessage: msg,
		}
	}

	profile, err := p.directory.RiskProfile(accountID)
	if err != nil {
		return fail(err.Error())
	}

	// informational signals are recorded per account but never trade
	if sig.Action == domain.ActionInfo {
		p.logger.Info().
			Str("account", accountID).
			Str("symbol", sig.Symbol).
			Msg("informational signal, nothing to execute")
		return domain.ExecutionOutcome{
			AccountID: accountID,
			Symbol:    sig.Symbol,
			Side:      sig.Side,
			Action:    sig.Action,
			Success:   true,
		}
	}

	mu := p.locks.Get(accountID, sig.Symbol)
	mu.Lock()
	defer mu.Unlock()

	var open *domain.Position
	if pos, err := p.store.FindOpenPosition(accountID, sig.Symbol); err == nil {
		open = &pos
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return fail(fmt.Sprintf("ledger lookup failed: %v", err))
	}

	in := risk.Input{
		AccountID: accountID,
		Signal:    sig,
		Profile:   profile,
		Open:      open,
	}

	if sig.Action == domain.ActionEntry {
		equity, err := p.directory.Equity(ctx, accountID)
		if err != nil {
			return fail(fmt.Sprintf("equity lookup failed: %v", err))
		}
		mark, err := p.gateway.MarkPrice(ctx, sig.Symbol)
		if err != nil {
			return fail(fmt.Sprintf("mark price lookup failed: %v", err))
		}
		in.Equity = equity
		in.MarkPrice = mark
	}

	dec, err := p.evaluator.Evaluate(in)
	if err != nil {
		return fail(fmt.Sprintf("risk evaluation failed: %v", err))
	}
	if !dec.Approved {
		p.logger.Info().
			Str("account", accountID).
			Str("symbol", sig.Symbol).
			Str("action", string(sig.Action)).
			Str("reason", dec.Reason).
			Msg("signal rejected by risk")
		out := fail(dec.Reason)
		out.RiskSummary = dec.Reason
		return out
	}

	switch sig.Action {
	case domain.ActionEntry:
		if sig.IsDCA {
			return p.exec.PlaceDcaEntry(ctx, accountID, sig, dec)
		}
		return p.exec.PlaceEntry(ctx, accountID, sig, dec)
	case domain.ActionClose:
		return p.exec.PlaceClose(ctx, accountID, profile, sig, dec)
	case domain.ActionMoveSL:
		return p.exec.MoveStop(ctx, accountID, sig)
	case domain.ActionCancel:
		return p.exec.CancelAll(ctx, accountID, sig)
	default:
		return fail(fmt.Sprintf("action %s is not executable", sig.Action))
	}
}
