package binance

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"signaltrader/internal/exchange"
)

type staticCreds struct{}

func (staticCreds) Credentials(string) (string, string, error) {
	return "test-key", "test-secret", nil
}

const exchangeInfoBody = `{"symbols":[{"symbol":"BTCUSDT","pricePrecision":1,"quantityPrecision":3,
	"filters":[
		{"filterType":"PRICE_FILTER","tickSize":"0.10"},
		{"filterType":"LOT_SIZE","stepSize":"0.001","minQty":"0.001"},
		{"filterType":"MIN_NOTIONAL","notional":"5"}
	]}]}`

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(srv.URL, 2*time.Second, 100, 10*time.Millisecond, staticCreds{})
	return c, srv
}

func TestPlaceOrderSignsAndRounds(t *testing.T) {
	var gotOrder *http.Request
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fapi/v1/exchangeInfo":
			w.Write([]byte(exchangeInfoBody))
		case "/fapi/v1/order":
			gotOrder = r.Clone(r.Context())
			w.Write([]byte(`{"orderId":12345,"clientOrderId":"st-abc","status":"NEW","avgPrice":"70123.4","executedQty":"0.104"}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))

	resp, err := c.PlaceOrder(context.Background(), "acct-1", exchange.OrderRequest{
		Symbol:   "BTCUSDT",
		Side:     "BUY",
		Type:     exchange.OrderLimit,
		Quantity: 0.10449, // floors to 0.104 at step 0.001
		Price:    70123.456,
	})
	if err != nil {
		t.Fatalf("place order: %v", err)
	}
	if resp.OrderID != "12345" {
		t.Fatalf("order id = %s", resp.OrderID)
	}
	if resp.AvgPrice != 70123.4 {
		t.Fatalf("avg price = %v", resp.AvgPrice)
	}

	if gotOrder == nil {
		t.Fatalf("order request never sent")
	}
	q := gotOrder.URL.Query()
	if got := q.Get("quantity"); got != "0.104" {
		t.Fatalf("quantity = %s, want floored 0.104", got)
	}
	if got := q.Get("price"); got != "70123.4" {
		t.Fatalf("price = %s, want tick-rounded 70123.4", got)
	}
	if q.Get("timeInForce") != "GTC" {
		t.Fatalf("limit order missing timeInForce")
	}
	if q.Get("signature") == "" {
		t.Fatalf("request not signed")
	}
	if q.Get("newClientOrderId") == "" {
		t.Fatalf("client order id not set")
	}
	if gotOrder.Header.Get("X-MBX-APIKEY") != "test-key" {
		t.Fatalf("api key header missing")
	}
}

func TestPlaceOrderQuantityRoundsToZero(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fapi/v1/exchangeInfo" {
			w.Write([]byte(exchangeInfoBody))
			return
		}
		t.Errorf("order should not reach the exchange, got %s", r.URL.Path)
	}))

	_, err := c.PlaceOrder(context.Background(), "acct-1", exchange.OrderRequest{
		Symbol: "BTCUSDT", Side: "BUY", Type: exchange.OrderMarket, Quantity: 0.0004,
	})
	if err == nil {
		t.Fatalf("expected rounds-to-zero error")
	}
}

func TestVenueRejectionNotRetried(t *testing.T) {
	calls := 0
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fapi/v1/exchangeInfo" {
			w.Write([]byte(exchangeInfoBody))
			return
		}
		calls++
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-2019,"msg":"Margin is insufficient."}`))
	}))

	_, err := c.PlaceOrder(context.Background(), "acct-1", exchange.OrderRequest{
		Symbol: "BTCUSDT", Side: "BUY", Type: exchange.OrderMarket, Quantity: 0.1,
	})
	var apiErr apiError
	if !errors.As(err, &apiErr) || apiErr.Code != -2019 {
		t.Fatalf("err = %v, want api error -2019", err)
	}
	if calls != 1 {
		t.Fatalf("venue rejection retried %d times", calls)
	}
}

func TestDeadlineSurfacesAsTimeout(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fapi/v1/exchangeInfo" {
			w.Write([]byte(exchangeInfoBody))
			return
		}
		time.Sleep(200 * time.Millisecond)
	}))

	ctx := context.Background()
	// warm the filters cache before the short deadline applies
	if _, err := c.SymbolFilters(ctx, "BTCUSDT"); err != nil {
		t.Fatalf("filters: %v", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err := c.PlaceOrder(ctx, "acct-1", exchange.OrderRequest{
		Symbol: "BTCUSDT", Side: "BUY", Type: exchange.OrderMarket, Quantity: 0.1,
	})
	if !errors.Is(err, exchange.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestSymbolFiltersCached(t *testing.T) {
	infoCalls := 0
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		infoCalls++
		w.Write([]byte(exchangeInfoBody))
	}))

	for i := 0; i < 3; i++ {
		f, err := c.SymbolFilters(context.Background(), "BTCUSDT")
		if err != nil {
			t.Fatalf("filters: %v", err)
		}
		if f.StepSize != 0.001 || f.TickSize != 0.1 {
			t.Fatalf("filters = %+v", f)
		}
	}
	if infoCalls != 1 {
		t.Fatalf("exchangeInfo fetched %d times, want 1", infoCalls)
	}
}

func TestMarkPrice(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fapi/v1/premiumIndex" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.URL.Query().Get("symbol") != "BTCUSDT" {
			t.Errorf("symbol = %s", r.URL.Query().Get("symbol"))
		}
		w.Write([]byte(`{"markPrice":"70250.50"}`))
	}))

	p, err := c.MarkPrice(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("mark price: %v", err)
	}
	if p != 70250.5 {
		t.Fatalf("mark = %v", p)
	}
}

func TestBalance(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"totalMarginBalance":"10250.75","availableBalance":"8000.00"}`))
	}))

	b, err := c.Balance(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if b.TotalEquity != 10250.75 || b.AvailableBalance != 8000 {
		t.Fatalf("balance = %+v", b)
	}
}
