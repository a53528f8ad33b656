package domain

import "time"

type ActionType string

const (
	ActionEntry  ActionType = "ENTRY"
	ActionClose  ActionType = "CLOSE"
	ActionMoveSL ActionType = "MOVE_SL"
	ActionCancel ActionType = "CANCEL"
	ActionInfo   ActionType = "INFO"
)

type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// TradeSignal is the canonical decoded trade instruction. Non-entry actions
// leave Side empty; CLOSE/MOVE_SL carry their adjustment fields instead.
type TradeSignal struct {
	Symbol         string     `json:"symbol"`
	Side           Side       `json:"side,omitempty"`
	EntryPriceLow  float64    `json:"entry_price_low,omitempty"`
	EntryPriceHigh float64    `json:"entry_price_high,omitempty"`
	StopLoss       float64    `json:"stop_loss,omitempty"`
	TakeProfits    []float64  `json:"take_profits,omitempty"`
	Leverage       int        `json:"leverage,omitempty"`
	Action         ActionType `json:"action"`
	CloseRatio     float64    `json:"close_ratio,omitempty"`
	NewStopLoss    float64    `json:"new_stop_loss,omitempty"`
	NewTakeProfit  float64    `json:"new_take_profit,omitempty"`
	IsDCA          bool       `json:"is_dca,omitempty"`
	Source         string     `json:"source,omitempty"`
	ReceivedAt     time.Time  `json:"received_at,omitempty"`
}

// RiskProfile holds per-account risk limits. Unset account overrides fall
// back to global defaults before the profile reaches the core, so every
// field here is always populated.
type RiskProfile struct {
	RiskPercent         float64  `json:"risk_percent"`
	DefaultLeverage     int      `json:"default_leverage"`
	MaxLeverage         int      `json:"max_leverage"`
	MaxDcaLayers        int      `json:"max_dca_layers"`
	MaxPositionSizeUsdt float64  `json:"max_position_size_usdt"`
	DailyLossLimitUsdt  float64  `json:"daily_loss_limit_usdt"`
	DcaRiskMultiplier   float64  `json:"dca_risk_multiplier"`
	AllowedSymbols      []string `json:"allowed_symbols"`
	Timezone            string   `json:"timezone"`
}

// Allows reports whether symbol is on the account's whitelist.
func (p RiskProfile) Allows(symbol string) bool {
	for _, s := range p.AllowedSymbols {
		if s == symbol {
			return true
		}
	}
	return false
}

type PositionStatus string

const (
	PositionOpen   PositionStatus = "OPEN"
	PositionClosed PositionStatus = "CLOSED"
)

// Position is the ledger's view of one account+symbol exposure. At most one
// OPEN row exists per (account, symbol).
type Position struct {
	ID                string         `json:"position_id"`
	AccountID         string         `json:"account_id"`
	Symbol            string         `json:"symbol"`
	Side              Side           `json:"side"`
	EntryPrice        float64        `json:"entry_price"`
	Quantity          float64        `json:"quantity"`
	StopLoss          float64        `json:"stop_loss"`
	DcaCount          int            `json:"dca_count"`
	Leverage          int            `json:"leverage"`
	PlannedRiskAmount float64        `json:"planned_risk_amount"`
	Status            PositionStatus `json:"status"`
	OpenedAt          time.Time      `json:"opened_at"`
	ClosedAt          time.Time      `json:"closed_at,omitempty"`
	GrossProfit       float64        `json:"gross_profit"`
	NetProfit         float64        `json:"net_profit"`
	Commission        float64        `json:"commission"`
}

// DailyLossCounter accumulates realized losses for one account and one
// trading day in the account's time zone. Profits never shrink it; only the
// day rollover replaces it with a fresh row.
type DailyLossCounter struct {
	AccountID        string  `json:"account_id"`
	TradingDate      string  `json:"trading_date"`
	RealizedLossUsdt float64 `json:"realized_loss_usdt"`
	BreakerTripped   bool    `json:"breaker_tripped"`
}

// ExecutionOutcome is the uniform result of one executor call for one
// account. Success=true with a populated ErrorMessage marks a partial
// failure (entry filled, protective leg missing) and must be alertable.
// Unknown=true marks a timed-out exchange call whose effect on the exchange
// is unconfirmed and needs reconciliation.
type ExecutionOutcome struct {
	AccountID    string     `json:"account_id"`
	Success      bool       `json:"success"`
	Unknown      bool       `json:"unknown,omitempty"`
	Duplicate    bool       `json:"duplicate,omitempty"`
	OrderID      string     `json:"order_id,omitempty"`
	Symbol       string     `json:"symbol,omitempty"`
	Side         Side       `json:"side,omitempty"`
	Action       ActionType `json:"action,omitempty"`
	Price        float64    `json:"price,omitempty"`
	Quantity     float64    `json:"quantity,omitempty"`
	Commission   float64    `json:"commission,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	RiskSummary  string     `json:"risk_summary,omitempty"`
}

// FanoutResult aggregates per-account outcomes of one broadcast.
type FanoutResult struct {
	BroadcastedCount int                `json:"broadcasted_count"`
	SuccessCount     int                `json:"success_count"`
	FailedCount      int                `json:"failed_count"`
	Outcomes         []ExecutionOutcome `json:"outcomes"`
}

// SizingDecision is the risk evaluator's verdict for one account and one
// signal. Approved=false carries the rejection reason; approved entry
// decisions carry the computed quantity and leverage.
type SizingDecision struct {
	Approved   bool    `json:"approved"`
	Reason     string  `json:"reason,omitempty"`
	EntryPrice float64 `json:"entry_price,omitempty"`
	Quantity   float64 `json:"quantity,omitempty"`
	Leverage   int     `json:"leverage,omitempty"`
	RiskAmount float64 `json:"risk_amount,omitempty"`
	Summary    string  `json:"summary,omitempty"`
}
