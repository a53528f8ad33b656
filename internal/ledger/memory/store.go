package memory

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"signaltrader/internal/domain"
	"signaltrader/internal/ledger"
)

// Store keeps the trade ledger in process memory. Used as the fallback when
// postgres is unavailable and as the store for tests.
type Store struct {
	mu sync.RWMutex

	positions map[string]domain.Position         // position id -> position
	openIndex map[string]string                  // account|symbol -> open position id
	counters  map[string]domain.DailyLossCounter // account|date -> counter
}

func NewStore() *Store {
	return &Store{
		positions: make(map[string]domain.Position),
		openIndex: make(map[string]string),
		counters:  make(map[string]domain.DailyLossCounter),
	}
}

func pairKey(accountID, symbol string) string { return accountID + "|" + symbol }

func (s *Store) CreatePosition(p domain.Position) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey(p.AccountID, p.Symbol)
	if _, exists := s.openIndex[key]; exists {
		return domain.Position{}, ledger.ErrPositionOpen
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.OpenedAt.IsZero() {
		p.OpenedAt = time.Now().UTC()
	}
	p.Status = domain.PositionOpen
	s.positions[p.ID] = p
	s.openIndex[key] = p.ID
	return p, nil
}

func (s *Store) FindOpenPosition(accountID, symbol string) (domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.openIndex[pairKey(accountID, symbol)]
	if !ok {
		return domain.Position{}, ledger.ErrNotFound
	}
	return s.positions[id], nil
}

func (s *Store) ListOpenPositions(accountID string) ([]domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Position
	for _, id := range s.openIndex {
		p := s.positions[id]
		if p.AccountID == accountID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Store) ApplyDcaFill(accountID, symbol string, fillPrice, fillQty, riskAmount, newStop float64) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.openIndex[pairKey(accountID, symbol)]
	if !ok {
		return domain.Position{}, ledger.ErrNotFound
	}
	p := s.positions[id]

	totalQty := p.Quantity + fillQty
	if totalQty > 0 {
		p.EntryPrice = (p.EntryPrice*p.Quantity + fillPrice*fillQty) / totalQty
	}
	p.Quantity = totalQty
	p.DcaCount++
	p.PlannedRiskAmount += riskAmount
	if newStop > 0 {
		p.StopLoss = newStop
	}
	s.positions[id] = p
	return p, nil
}

func (s *Store) ReducePosition(accountID, symbol string, closeQty, exitPrice, commission float64) (domain.Position, float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.openIndex[pairKey(accountID, symbol)]
	if !ok {
		return domain.Position{}, 0, ledger.ErrNotFound
	}
	p := s.positions[id]

	if closeQty > p.Quantity {
		closeQty = p.Quantity
	}
	gross := (exitPrice - p.EntryPrice) * closeQty * ledger.ProfitDirection(p.Side)
	net := gross - commission

	p.Quantity -= closeQty
	p.GrossProfit += gross
	p.NetProfit += net
	p.Commission += commission
	s.positions[id] = p
	return p, net, nil
}

func (s *Store) ClosePosition(accountID, symbol string, exitPrice, commission float64) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey(accountID, symbol)
	id, ok := s.openIndex[key]
	if !ok {
		return domain.Position{}, ledger.ErrNotFound
	}
	p := s.positions[id]

	gross := (exitPrice - p.EntryPrice) * p.Quantity * ledger.ProfitDirection(p.Side)
	p.GrossProfit += gross
	p.Commission += commission
	p.NetProfit = p.GrossProfit - p.Commission
	p.Quantity = 0
	p.Status = domain.PositionClosed
	p.ClosedAt = time.Now().UTC()
	s.positions[id] = p
	delete(s.openIndex, key)
	return p, nil
}

func (s *Store) UpdateStopLoss(accountID, symbol string, newStop float64) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.openIndex[pairKey(accountID, symbol)]
	if !ok {
		return domain.Position{}, ledger.ErrNotFound
	}
	p := s.positions[id]
	p.StopLoss = newStop
	s.positions[id] = p
	return p, nil
}

func (s *Store) DailyLoss(accountID, tradingDate string) (domain.DailyLossCounter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.counters[pairKey(accountID, tradingDate)]
	if !ok {
		return domain.DailyLossCounter{}, ledger.ErrNotFound
	}
	return c, nil
}

func (s *Store) AddRealizedLoss(accountID, tradingDate string, lossUsdt float64) (domain.DailyLossCounter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey(accountID, tradingDate)
	c, ok := s.counters[key]
	if !ok {
		c = domain.DailyLossCounter{AccountID: accountID, TradingDate: tradingDate}
	}
	c.RealizedLossUsdt += lossUsdt
	s.counters[key] = c
	return c, nil
}

func (s *Store) SetBreakerTripped(accountID, tradingDate string, tripped bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey(accountID, tradingDate)
	c, ok := s.counters[key]
	if !ok {
		c = domain.DailyLossCounter{AccountID: accountID, TradingDate: tradingDate}
	}
	c.BreakerTripped = tripped
	s.counters[key] = c
	return nil
}
