package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"signaltrader/internal/domain"
	"signaltrader/internal/ledger"
)

// Store persists positions and daily loss counters in postgres. The schema
// (positions, daily_loss_counters) is managed outside the service; this
// store only reads and writes rows.
type Store struct {
	db *sql.DB
}

func NewStore(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) CreatePosition(p domain.Position) (domain.Position, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.OpenedAt.IsZero() {
		p.OpenedAt = time.Now().UTC()
	}
	p.Status = domain.PositionOpen

	var exists bool
	err := s.db.QueryRow(
		`select exists(select 1 from positions where account_id = $1 and symbol = $2 and status = 'OPEN')`,
		p.AccountID, p.Symbol,
	).Scan(&exists)
	if err != nil {
		return domain.Position{}, fmt.Errorf("check open position: %w", err)
	}
	if exists {
		return domain.Position{}, ledger.ErrPositionOpen
	}

	_, err = s.db.Exec(
		`insert into positions(
			id, account_id, symbol, side, entry_price, quantity, stop_loss,
			dca_count, leverage, planned_risk_amount, status, opened_at,
			gross_profit, net_profit, commission)
		 values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,0,0,0)`,
		p.ID, p.AccountID, p.Symbol, string(p.Side), p.EntryPrice, p.Quantity,
		p.StopLoss, p.DcaCount, p.Leverage, p.PlannedRiskAmount,
		string(p.Status), p.OpenedAt,
	)
	if err != nil {
		return domain.Position{}, fmt.Errorf("insert position: %w", err)
	}
	return p, nil
}

func (s *Store) FindOpenPosition(accountID, symbol string) (domain.Position, error) {
	row := s.db.QueryRow(
		selectPosition+` where account_id = $1 and symbol = $2 and status = 'OPEN'`,
		accountID, symbol,
	)
	return scanPosition(row)
}

func (s *Store) ListOpenPositions(accountID string) ([]domain.Position, error) {
	rows, err := s.db.Query(
		selectPosition+` where account_id = $1 and status = 'OPEN' order by opened_at`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("list open positions: %w", err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) ApplyDcaFill(accountID, symbol string, fillPrice, fillQty, riskAmount, newStop float64) (domain.Position, error) {
	return s.mutateOpen(accountID, symbol, func(p *domain.Position) error {
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
		return nil
	})
}

func (s *Store) ReducePosition(accountID, symbol string, closeQty, exitPrice, commission float64) (domain.Position, float64, error) {
	var net float64
	p, err := s.mutateOpen(accountID, symbol, func(p *domain.Position) error {
		if closeQty > p.Quantity {
			closeQty = p.Quantity
		}
		gross := (exitPrice - p.EntryPrice) * closeQty * ledger.ProfitDirection(p.Side)
		net = gross - commission
		p.Quantity -= closeQty
		p.GrossProfit += gross
		p.NetProfit += net
		p.Commission += commission
		return nil
	})
	return p, net, err
}

func (s *Store) ClosePosition(accountID, symbol string, exitPrice, commission float64) (domain.Position, error) {
	return s.mutateOpen(accountID, symbol, func(p *domain.Position) error {
		gross := (exitPrice - p.EntryPrice) * p.Quantity * ledger.ProfitDirection(p.Side)
		p.GrossProfit += gross
		p.Commission += commission
		p.NetProfit = p.GrossProfit - p.Commission
		p.Quantity = 0
		p.Status = domain.PositionClosed
		p.ClosedAt = time.Now().UTC()
		return nil
	})
}

func (s *Store) UpdateStopLoss(accountID, symbol string, newStop float64) (domain.Position, error) {
	return s.mutateOpen(accountID, symbol, func(p *domain.Position) error {
		p.StopLoss = newStop
		return nil
	})
}

// mutateOpen loads the OPEN row for (account, symbol) inside a transaction,
// applies fn, and writes the row back. Row-level select-for-update backs up
// the in-process per-pair locks when several instances share one database.
func (s *Store) mutateOpen(accountID, symbol string, fn func(*domain.Position) error) (domain.Position, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return domain.Position{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRow(
		selectPosition+` where account_id = $1 and symbol = $2 and status = 'OPEN' for update`,
		accountID, symbol,
	)
	p, err := scanPosition(row)
	if err != nil {
		return domain.Position{}, err
	}
	if err := fn(&p); err != nil {
		return domain.Position{}, err
	}

	var closedAt sql.NullTime
	if !p.ClosedAt.IsZero() {
		closedAt = sql.NullTime{Time: p.ClosedAt, Valid: true}
	}
	_, err = tx.Exec(
		`update positions set
			entry_price = $1, quantity = $2, stop_loss = $3, dca_count = $4,
			planned_risk_amount = $5, status = $6, closed_at = $7,
			gross_profit = $8, net_profit = $9, commission = $10
		 where id = $11`,
		p.EntryPrice, p.Quantity, p.StopLoss, p.DcaCount,
		p.PlannedRiskAmount, string(p.Status), closedAt,
		p.GrossProfit, p.NetProfit, p.Commission, p.ID,
	)
	if err != nil {
		return domain.Position{}, fmt.Errorf("update position: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Position{}, fmt.Errorf("commit: %w", err)
	}
	return p, nil
}

func (s *Store) DailyLoss(accountID, tradingDate string) (domain.DailyLossCounter, error) {
	var c domain.DailyLossCounter
	err := s.db.QueryRow(
		`select account_id, trading_date, realized_loss_usdt, breaker_tripped
		 from daily_loss_counters where account_id = $1 and trading_date = $2`,
		accountID, tradingDate,
	).Scan(&c.AccountID, &c.TradingDate, &c.RealizedLossUsdt, &c.BreakerTripped)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DailyLossCounter{}, ledger.ErrNotFound
	}
	if err != nil {
		return domain.DailyLossCounter{}, fmt.Errorf("query daily loss: %w", err)
	}
	return c, nil
}

func (s *Store) AddRealizedLoss(accountID, tradingDate string, lossUsdt float64) (domain.DailyLossCounter, error) {
	var c domain.DailyLossCounter
	err := s.db.QueryRow(
		`insert into daily_loss_counters(account_id, trading_date, realized_loss_usdt, breaker_tripped)
		 values ($1, $2, $3, false)
		 on conflict (account_id, trading_date)
		 do update set realized_loss_usdt = daily_loss_counters.realized_loss_usdt + excluded.realized_loss_usdt
		 returning account_id, trading_date, realized_loss_usdt, breaker_tripped`,
		accountID, tradingDate, lossUsdt,
	).Scan(&c.AccountID, &c.TradingDate, &c.RealizedLossUsdt, &c.BreakerTripped)
	if err != nil {
		return domain.DailyLossCounter{}, fmt.Errorf("add realized loss: %w", err)
	}
	return c, nil
}

func (s *Store) SetBreakerTripped(accountID, tradingDate string, tripped bool) error {
	_, err := s.db.Exec(
		`insert into daily_loss_counters(account_id, trading_date, realized_loss_usdt, breaker_tripped)
		 values ($1, $2, 0, $3)
		 on conflict (account_id, trading_date)
		 do update set breaker_tripped = excluded.breaker_tripped`,
		accountID, tradingDate, tripped,
	)
	if err != nil {
		return fmt.Errorf("set breaker state: %w", err)
	}
	return nil
}

const selectPosition = `select id, account_id, symbol, side, entry_price, quantity,
	stop_loss, dca_count, leverage, planned_risk_amount, status, opened_at,
	closed_at, gross_profit, net_profit, commission from positions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosition(row rowScanner) (domain.Position, error) {
	var (
		p        domain.Position
		side     string
		status   string
		closedAt sql.NullTime
	)
	err := row.Scan(
		&p.ID, &p.AccountID, &p.Symbol, &side, &p.EntryPrice, &p.Quantity,
		&p.StopLoss, &p.DcaCount, &p.Leverage, &p.PlannedRiskAmount, &status,
		&p.OpenedAt, &closedAt, &p.GrossProfit, &p.NetProfit, &p.Commission,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Position{}, ledger.ErrNotFound
	}
	if err != nil {
		return domain.Position{}, fmt.Errorf("scan position: %w", err)
	}
	p.Side = domain.Side(side)
	p.Status = domain.PositionStatus(status)
	if closedAt.Valid {
		p.ClosedAt = closedAt.Time
	}
	return p, nil
}
