package exchange

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridbot/pkg/logging"
	"gridbot/pkg/ratelimit"
)

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{})                            {}
func (nopLogger) Info(string, ...interface{})                             {}
func (nopLogger) Warn(string, ...interface{})                             {}
func (nopLogger) Error(string, ...interface{})                            {}
func (nopLogger) Fatal(string, ...interface{})                            {}
func (n nopLogger) WithField(string, interface{}) logging.Logger          { return n }
func (n nopLogger) WithFields(map[string]interface{}) logging.Logger      { return n }

func newTestExchange(t *testing.T, handler http.HandlerFunc) *BinanceSpot {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return NewBinanceSpot(Config{
		BaseURL:           server.URL,
		APIKey:            "test-key",
		APISecret:         "test-secret",
		GlobalLimiter:     ratelimit.NewLimiter(1000),
		MaxOrdersInFlight: 10,
		RecvWindowDefault: 5 * time.Second,
		RecvWindowWidened: 60 * time.Second,
		Logger:            nopLogger{},
	})
}

func TestGetPrice(t *testing.T) {
	ex := newTestExchange(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/ticker/price", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]string{"price": "65000.50"})
	})

	price, err := ex.GetPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.NewFromFloat(65000.50)))
}

func TestPlaceLimitOrderSignsRequest(t *testing.T) {
	ex := newTestExchange(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "test-key", r.Header.Get("X-MBX-APIKEY"))
		assert.NotEmpty(t, r.URL.Query().Get("signature"))
		assert.Equal(t, "LIMIT", r.URL.Query().Get("type"))

		json.NewEncoder(w).Encode(map[string]string{
			"orderId": "123", "symbol": "BTCUSDT", "status": "NEW",
			"price": "65000", "origQty": "0.01", "side": "BUY",
		})
	})

	ack, err := ex.PlaceLimitOrder(context.Background(), PlaceOrderRequest{
		Symbol:      "BTCUSDT",
		Side:        SideBuy,
		Quantity:    decimal.NewFromFloat(0.01),
		Price:       decimal.NewFromInt(65000),
		TimeInForce: TIFGTC,
	})
	require.NoError(t, err)
	assert.EqualValues(t, 123, ack.OrderID)
	assert.Equal(t, StatusNew, ack.Status)
}

func TestPlaceLimitOrderRetriesOnTimestampSkew(t *testing.T) {
	attempts := 0
	ex := newTestExchange(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]interface{}{"code": -1021, "msg": "timestamp outside recvWindow"})
			return
		}
		assert.Equal(t, "60000", r.URL.Query().Get("recvWindow"))
		json.NewEncoder(w).Encode(map[string]string{
			"orderId": "5", "symbol": "BTCUSDT", "status": "NEW",
			"price": "100", "origQty": "1", "side": "SELL",
		})
	})

	ack, err := ex.PlaceLimitOrder(context.Background(), PlaceOrderRequest{
		Symbol:   "BTCUSDT",
		Side:     SideSell,
		Quantity: decimal.NewFromInt(1),
		Price:    decimal.NewFromInt(100),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.EqualValues(t, 5, ack.OrderID)
}

func TestParseErrorMapsKnownCodes(t *testing.T) {
	ex := newTestExchange(t, func(w http.ResponseWriter, r *http.Request) {})

	cases := map[int]error{
		-2015: errExpected("authentication failed"),
		-2010: errExpected("insufficient funds"),
		-2011: errExpected("order not found"),
		-1003: errExpected("rate limit exceeded"),
		-1021: errExpected("timestamp outside recv window"),
	}
	for code, expected := range cases {
		body, _ := json.Marshal(map[string]interface{}{"code": code, "msg": "x"})
		err := ex.parseError(body)
		assert.EqualError(t, err, expected.Error())
	}
}

func TestCancelOrderIDsSkipsFailures(t *testing.T) {
	calls := 0
	ex := newTestExchange(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.URL.Query().Get("orderId") == "1" {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]interface{}{"code": -2011, "msg": "not found"})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{
			"orderId": "2", "symbol": "BTCUSDT", "status": "CANCELED",
			"price": "1", "origQty": "1", "side": "BUY",
		})
	})

	acks, err := ex.CancelOrderIDs(context.Background(), "BTCUSDT", []int64{1, 2})
	require.NoError(t, err)
	require.Len(t, acks, 1)
	assert.EqualValues(t, 2, acks[0].OrderID)
	assert.Equal(t, 2, calls)
}

func TestGetSymbolFiltersCaches(t *testing.T) {
	calls := 0
	ex := newTestExchange(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode(map[string]interface{}{
			"symbols": []map[string]interface{}{
				{
					"symbol": "BTCUSDT",
					"filters": []map[string]interface{}{
						{"filterType": "PRICE_FILTER", "minPrice": "0.01", "maxPrice": "1000000", "tickSize": "0.01"},
						{"filterType": "LOT_SIZE", "minQty": "0.00001", "maxQty": "9000", "stepSize": "0.00001"},
						{"filterType": "NOTIONAL", "minNotional": "5", "maxNotional": "9000000"},
					},
				},
			},
		})
	})

	f1, err := ex.GetSymbolFilters(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, f1.TickSize.Equal(decimal.NewFromFloat(0.01)))

	f2, err := ex.GetSymbolFilters(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Same(t, f1, f2)
	assert.Equal(t, 1, calls)
}

func errExpected(msg string) error { return &stringError{msg} }

type stringError struct{ msg string }

func (e *stringError) Error() string { return e.msg }
