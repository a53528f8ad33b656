package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"signaltrader/internal/exchange"
)

// CredentialSource resolves per-account API credentials. The accounts
// directory implements it; tests inject a literal.
type CredentialSource interface {
	Credentials(accountID string) (apiKey, apiSecret string, err error)
}

// Client talks to the Binance USDT-M futures REST API. One client serves
// all accounts; credentials are looked up per request.
type Client struct {
	baseURL    string
	httpClient *http.Client
	creds      CredentialSource
	limiter    *rate.Limiter
	retryDelay time.Duration
	logger     zerolog.Logger

	mu      sync.RWMutex
	filters map[string]exchange.SymbolFilters
}

func NewClient(baseURL string, timeout time.Duration, requestsPerSec float64, retryDelay time.Duration, creds CredentialSource) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		creds:      creds,
		limiter:    rate.NewLimiter(rate.Limit(requestsPerSec), int(requestsPerSec)+1),
		retryDelay: retryDelay,
		logger:     log.With().Str("component", "binance_client").Logger(),
		filters:    make(map[string]exchange.SymbolFilters),
	}
}

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (e apiError) Error() string {
	return fmt.Sprintf("binance error %d: %s", e.Code, e.Msg)
}

func (c *Client) PlaceOrder(ctx context.Context, accountID string, req exchange.OrderRequest) (exchange.OrderResponse, error) {
	filters, err := c.SymbolFilters(ctx, req.Symbol)
	if err != nil {
		return exchange.OrderResponse{}, err
	}

	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", req.Side)
	params.Set("type", string(req.Type))
	if req.ClientOrderID == "" {
		req.ClientOrderID = "st-" + uuid.NewString()
	}
	params.Set("newClientOrderId", req.ClientOrderID)

	if !req.ClosePosition {
		qty := roundStep(req.Quantity, filters.StepSize, filters.QuantityPrecision)
		if qty <= 0 {
			return exchange.OrderResponse{}, fmt.Errorf("quantity %v rounds to zero for %s", req.Quantity, req.Symbol)
		}
		params.Set("quantity", formatFloat(qty, filters.QuantityPrecision))
	} else {
		params.Set("closePosition", "true")
	}
	if req.Type == exchange.OrderLimit {
		params.Set("price", formatFloat(roundStep(req.Price, filters.TickSize, filters.PricePrecision), filters.PricePrecision))
		params.Set("timeInForce", "GTC")
	}
	if req.StopPrice > 0 {
		params.Set("stopPrice", formatFloat(roundStep(req.StopPrice, filters.TickSize, filters.PricePrecision), filters.PricePrecision))
	}
	if req.ReduceOnly && !req.ClosePosition {
		params.Set("reduceOnly", "true")
	}

	var resp struct {
		OrderID       int64  `json:"orderId"`
		ClientOrderID string `json:"clientOrderId"`
		Status        string `json:"status"`
		AvgPrice      string `json:"avgPrice"`
		ExecutedQty   string `json:"executedQty"`
	}
	if err := c.signed(ctx, accountID, http.MethodPost, "/fapi/v1/order", params, &resp); err != nil {
		return exchange.OrderResponse{}, err
	}
	return exchange.OrderResponse{
		OrderID:       strconv.FormatInt(resp.OrderID, 10),
		ClientOrderID: resp.ClientOrderID,
		Status:        resp.Status,
		AvgPrice:      parseFloat(resp.AvgPrice),
		ExecutedQty:   parseFloat(resp.ExecutedQty),
	}, nil
}

func (c *Client) CancelOrder(ctx context.Context, accountID, symbol, orderID string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)
	return c.signed(ctx, accountID, http.MethodDelete, "/fapi/v1/order", params, nil)
}

func (c *Client) CancelAllOrders(ctx context.Context, accountID, symbol string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	return c.signed(ctx, accountID, http.MethodDelete, "/fapi/v1/allOpenOrders", params, nil)
}

func (c *Client) OpenOrders(ctx context.Context, accountID, symbol string) ([]exchange.OpenOrder, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	var raw []struct {
		OrderID   int64  `json:"orderId"`
		Symbol    string `json:"symbol"`
		Type      string `json:"type"`
		Side      string `json:"side"`
		Price     string `json:"price"`
		StopPrice string `json:"stopPrice"`
	}
	if err := c.signed(ctx, accountID, http.MethodGet, "/fapi/v1/openOrders", params, &raw); err != nil {
		return nil, err
	}
	out := make([]exchange.OpenOrder, 0, len(raw))
	for _, o := range raw {
		out = append(out, exchange.OpenOrder{
			OrderID:   strconv.FormatInt(o.OrderID, 10),
			Symbol:    o.Symbol,
			Type:      exchange.OrderType(o.Type),
			Side:      o.Side,
			Price:     parseFloat(o.Price),
			StopPrice: parseFloat(o.StopPrice),
		})
	}
	return out, nil
}

func (c *Client) SetLeverage(ctx context.Context, accountID, symbol string, leverage int) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))
	return c.signed(ctx, accountID, http.MethodPost, "/fapi/v1/leverage", params, nil)
}

func (c *Client) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	var resp struct {
		MarkPrice string `json:"markPrice"`
	}
	if err := c.public(ctx, "/fapi/v1/premiumIndex", params, &resp); err != nil {
		return 0, err
	}
	return parseFloat(resp.MarkPrice), nil
}

func (c *Client) SymbolFilters(ctx context.Context, symbol string) (exchange.SymbolFilters, error) {
	c.mu.RLock()
	f, ok := c.filters[symbol]
	c.mu.RUnlock()
	if ok {
		return f, nil
	}

	var resp struct {
		Symbols []struct {
			Symbol            string `json:"symbol"`
			PricePrecision    int    `json:"pricePrecision"`
			QuantityPrecision int    `json:"quantityPrecision"`
			Filters           []struct {
				FilterType  string `json:"filterType"`
				TickSize    string `json:"tickSize"`
				StepSize    string `json:"stepSize"`
				MinQty      string `json:"minQty"`
				MinNotional string `json:"notional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := c.public(ctx, "/fapi/v1/exchangeInfo", url.Values{}, &resp); err != nil {
		return exchange.SymbolFilters{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range resp.Symbols {
		f := exchange.SymbolFilters{
			Symbol:            s.Symbol,
			PricePrecision:    s.PricePrecision,
			QuantityPrecision: s.QuantityPrecision,
		}
		for _, flt := range s.Filters {
			switch flt.FilterType {
			case "PRICE_FILTER":
				f.TickSize = parseFloat(flt.TickSize)
			case "LOT_SIZE":
				f.StepSize = parseFloat(flt.StepSize)
				f.MinQuantity = parseFloat(flt.MinQty)
			case "MIN_NOTIONAL":
				f.MinNotional = parseFloat(flt.MinNotional)
			}
		}
		c.filters[s.Symbol] = f
	}
	f, ok = c.filters[symbol]
	if !ok {
		return exchange.SymbolFilters{}, fmt.Errorf("symbol %s not listed on exchange", symbol)
	}
	return f, nil
}

func (c *Client) Balance(ctx context.Context, accountID string) (exchange.AccountBalance, error) {
	var resp struct {
		TotalMarginBalance string `json:"totalMarginBalance"`
		AvailableBalance   string `json:"availableBalance"`
	}
	if err := c.signed(ctx, accountID, http.MethodGet, "/fapi/v2/account", url.Values{}, &resp); err != nil {
		return exchange.AccountBalance{}, err
	}
	return exchange.AccountBalance{
		TotalEquity:      parseFloat(resp.TotalMarginBalance),
		AvailableBalance: parseFloat(resp.AvailableBalance),
	}, nil
}

// signed performs an authenticated request. Transport errors, client-side
// timeouts included, retry once after retryDelay; order POSTs stay
// idempotent across that retry because the client order id is set before
// the first attempt. Once the context deadline is hit no further attempt
// is made and the call surfaces ErrTimeout, the order state being unknown.
func (c *Client) signed(ctx context.Context, accountID, method, path string, params url.Values, out any) error {
	apiKey, apiSecret, err := c.creds.Credentials(accountID)
	if err != nil {
		return fmt.Errorf("credentials for %s: %w", accountID, err)
	}

	attempt := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		q := url.Values{}
		for k, vs := range params {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		q.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		q.Set("recvWindow", "5000")

		mac := hmac.New(sha256.New, []byte(apiSecret))
		mac.Write([]byte(q.Encode()))
		q.Set("signature", hex.EncodeToString(mac.Sum(nil)))

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path+"?"+q.Encode(), nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("X-MBX-APIKEY", apiKey)

		err = c.do(req, out)
		var apiErr apiError
		if errors.As(err, &apiErr) {
			// venue rejected the request; retrying won't change its mind
			return backoff.Permanent(err)
		}
		return err
	}

	err = backoff.Retry(attempt, backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.retryDelay), 1), ctx))
	if isDeadline(err) {
		return exchange.ErrTimeout
	}
	return err
}

func (c *Client) public(ctx context.Context, path string, params url.Values, out any) error {
	attempt := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		u := c.baseURL + path
		if len(params) > 0 {
			u += "?" + params.Encode()
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		return c.do(req, out)
	}
	err := backoff.Retry(attempt, backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.retryDelay), 1), ctx))
	if isDeadline(err) {
		return exchange.ErrTimeout
	}
	return err
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Code != 0 {
			return apiErr
		}
		return fmt.Errorf("binance http %d: %s", resp.StatusCode, truncateBody(body))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode binance response: %w", err)
	}
	return nil
}

func isDeadline(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var uerr *url.Error
	return errors.As(err, &uerr) && uerr.Timeout()
}

// roundStep floors v to the exchange step using exact decimal arithmetic,
// then truncates to the symbol's precision.
func roundStep(v, step float64, precision int) float64 {
	d := decimal.NewFromFloat(v)
	if step > 0 {
		s := decimal.NewFromFloat(step)
		d = d.Div(s).Floor().Mul(s)
	}
	f, _ := d.Truncate(int32(precision)).Float64()
	return f
}

func formatFloat(v float64, precision int) string {
	return decimal.NewFromFloat(v).Truncate(int32(precision)).String()
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func truncateBody(b []byte) string {
	s := string(b)
	if len(s) > 200 {
		return s[:200]
	}
	return s
}
