package ledger

import (
	"errors"
	"sync"

	"signaltrader/internal/domain"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrPositionOpen  = errors.New("open position already exists")
	ErrPositionState = errors.New("position is not open")
)

// Store is the durable view of positions and daily loss counters. All
// mutation methods enforce the one-OPEN-position-per-(account,symbol)
// invariant; callers serialize access per (account,symbol) via Locks.
type Store interface {
	CreatePosition(p domain.Position) (domain.Position, error)
	FindOpenPosition(accountID, symbol string) (domain.Position, error)
	ListOpenPositions(accountID string) ([]domain.Position, error)

	// ApplyDcaFill folds an additional fill into the open position:
	// weighted-average entry price, aggregate quantity, incremented DCA
	// count, added planned risk, and an optional replacement stop.
	ApplyDcaFill(accountID, symbol string, fillPrice, fillQty, riskAmount, newStop float64) (domain.Position, error)

	// ReducePosition shrinks the open position by closeQty and returns the
	// realized net profit of the closed slice. The row stays OPEN.
	ReducePosition(accountID, symbol string, closeQty, exitPrice, commission float64) (domain.Position, float64, error)

	// ClosePosition terminates the open position at exitPrice, finalizing
	// gross/net profit and commission.
	ClosePosition(accountID, symbol string, exitPrice, commission float64) (domain.Position, error)

	UpdateStopLoss(accountID, symbol string, newStop float64) (domain.Position, error)

	DailyLoss(accountID, tradingDate string) (domain.DailyLossCounter, error)
	// AddRealizedLoss accumulates a loss magnitude onto the account's
	// counter for the given trading date, creating the row if absent.
	AddRealizedLoss(accountID, tradingDate string, lossUsdt float64) (domain.DailyLossCounter, error)
	SetBreakerTripped(accountID, tradingDate string, tripped bool) error
}

// Locks hands out one mutex per (account, symbol) so all position and
// counter mutations for that pair are serialized while unrelated pairs
// proceed concurrently.
type Locks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewLocks() *Locks {
	return &Locks{locks: make(map[string]*sync.Mutex)}
}

func (l *Locks) Get(accountID, symbol string) *sync.Mutex {
	key := accountID + "|" + symbol
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	return m
}

// ProfitDirection maps a position side to its P&L sign multiplier.
func ProfitDirection(side domain.Side) float64 {
	if side == domain.SideShort {
		return -1
	}
	return 1
}
