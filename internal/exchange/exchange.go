package exchange

import (
	"context"
	"errors"

	"signaltrader/internal/domain"
)

// ErrTimeout marks an order whose outcome is unknown: the request went out
// but no response came back before the deadline. Callers must not assume
// the order failed.
var ErrTimeout = errors.New("exchange request timed out, order state unknown")

type OrderType string

const (
	OrderMarket     OrderType = "MARKET"
	OrderLimit      OrderType = "LIMIT"
	OrderStopMarket OrderType = "STOP_MARKET"
	OrderTakeProfit OrderType = "TAKE_PROFIT_MARKET"
)

// OrderRequest describes one futures order. Side is the order direction
// (BUY/SELL), not the position side.
type OrderRequest struct {
	Symbol        string
	Side          string
	Type          OrderType
	Quantity      float64
	Price         float64 // limit price, LIMIT only
	StopPrice     float64 // trigger, STOP_MARKET / TAKE_PROFIT_MARKET
	ReduceOnly    bool
	ClosePosition bool
	ClientOrderID string
}

type OrderResponse struct {
	OrderID       string
	ClientOrderID string
	Status        string
	AvgPrice      float64
	ExecutedQty   float64
	Commission    float64
}

type OpenOrder struct {
	OrderID   string
	Symbol    string
	Type      OrderType
	Side      string
	Price     float64
	StopPrice float64
}

// SymbolFilters carries the exchange's rounding rules for one symbol.
type SymbolFilters struct {
	Symbol            string
	PricePrecision    int
	QuantityPrecision int
	TickSize          float64
	StepSize          float64
	MinQuantity       float64
	MinNotional       float64
}

type AccountBalance struct {
	TotalEquity      float64
	AvailableBalance float64
}

// Gateway is the exchange surface the executor depends on. Implementations
// translate these calls into signed venue requests; tests use a fake.
type Gateway interface {
	PlaceOrder(ctx context.Context, accountID string, req OrderRequest) (OrderResponse, error)
	CancelOrder(ctx context.Context, accountID, symbol, orderID string) error
	CancelAllOrders(ctx context.Context, accountID, symbol string) error
	OpenOrders(ctx context.Context, accountID, symbol string) ([]OpenOrder, error)
	SetLeverage(ctx context.Context, accountID, symbol string, leverage int) error
	MarkPrice(ctx context.Context, symbol string) (float64, error)
	SymbolFilters(ctx context.Context, symbol string) (SymbolFilters, error)
	Balance(ctx context.Context, accountID string) (AccountBalance, error)
}

// OrderSide returns the exchange order side that opens a position on the
// given side.
func OrderSide(side domain.Side) string {
	if side == domain.SideShort {
		return "SELL"
	}
	return "BUY"
}

// ClosingSide returns the exchange order side that reduces a position on
// the given side.
func ClosingSide(side domain.Side) string {
	if side == domain.SideShort {
		return "BUY"
	}
	return "SELL"
}
