package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"gridbot/internal/apperrors"
	"gridbot/pkg/logging"
	"gridbot/pkg/ratelimit"
	"gridbot/pkg/retry"
)

const (
	pathOrder        = "/api/v3/order"
	pathOpenOrders   = "/api/v3/openOrders"
	pathTickerPrice  = "/api/v3/ticker/price"
	pathAccount      = "/api/v3/account"
	pathExchangeInfo = "/api/v3/exchangeInfo"
)

var _ Exchange = (*BinanceSpot)(nil)

// BinanceSpot implements Exchange against Binance's spot REST API.
type BinanceSpot struct {
	baseURL    string
	apiKey     string
	apiSecret  string
	httpClient *http.Client
	logger     logging.Logger

	globalLimiter *ratelimit.Limiter
	orderSem      *ratelimit.Semaphore

	recvWindowDefault time.Duration
	recvWindowWidened time.Duration

	filtersMu sync.RWMutex
	filters   map[string]*SymbolFilters
}

// Config bundles a BinanceSpot session's construction parameters.
type Config struct {
	BaseURL           string
	APIKey            string
	APISecret         string
	GlobalLimiter     *ratelimit.Limiter
	MaxOrdersInFlight int
	RecvWindowDefault time.Duration
	RecvWindowWidened time.Duration
	Logger            logging.Logger
}

// NewBinanceSpot builds a per-bot signed REST session. The HTTP client
// reuses a single keepalive connection pool, matching the Exchange
// Gateway's "shared keepalive connection pool per bot" responsibility.
func NewBinanceSpot(cfg Config) *BinanceSpot {
	return &BinanceSpot{
		baseURL:   cfg.BaseURL,
		apiKey:    cfg.APIKey,
		apiSecret: cfg.APISecret,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger:            cfg.Logger,
		globalLimiter:     cfg.GlobalLimiter,
		orderSem:          ratelimit.NewSemaphore(cfg.MaxOrdersInFlight),
		recvWindowDefault: cfg.RecvWindowDefault,
		recvWindowWidened: cfg.RecvWindowWidened,
		filters:           make(map[string]*SymbolFilters),
	}
}

// Close releases idle connections held by the HTTP client.
func (e *BinanceSpot) Close() error {
	e.httpClient.CloseIdleConnections()
	return nil
}

func (e *BinanceSpot) sign(q *canonicalQuery, recvWindow time.Duration) {
	q.Add("recvWindow", fmt.Sprintf("%d", recvWindow.Milliseconds()))
	q.Add("timestamp", fmt.Sprintf("%d", time.Now().UnixMilli()))
	q.Add("signature", sign(e.apiSecret, q.Encode()))
}

// doSigned executes a signed request at the given recvWindow, returning the
// response body and status code.
func (e *BinanceSpot) doSigned(ctx context.Context, method, path string, q *canonicalQuery, recvWindow time.Duration) ([]byte, int, error) {
	if err := e.globalLimiter.Wait(ctx); err != nil {
		return nil, 0, err
	}

	e.sign(q, recvWindow)

	url := e.baseURL + path + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-MBX-APIKEY", e.apiKey)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", apperrors.ErrExchangeUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("%w: %v", apperrors.ErrExchangeUnavailable, err)
	}

	return body, resp.StatusCode, nil
}

// doSignedWithRecvWindowRetry performs a signed call, widening recvWindow
// and retrying exactly once on -1021, per §4.A's timestamp-skew contract.
func (e *BinanceSpot) doSignedWithRecvWindowRetry(ctx context.Context, method, path string, buildQuery func() *canonicalQuery) ([]byte, error) {
	var body []byte
	var status int
	var callErr error

	retryErr := retry.Once(ctx, 0, func(err error) bool {
		return errors.Is(err, apperrors.ErrTimestampOutOfBounds)
	}, func(attempt int) error {
		window := e.recvWindowDefault
		if attempt == 2 {
			window = e.recvWindowWidened
		}
		var err error
		body, status, err = e.doSigned(ctx, method, path, buildQuery(), window)
		if err != nil {
			callErr = err
			return err
		}
		if status != http.StatusOK {
			callErr = e.parseError(body)
			return callErr
		}
		callErr = nil
		return nil
	})

	if retryErr != nil {
		return nil, retryErr
	}
	return body, callErr
}

func (e *BinanceSpot) parseError(body []byte) error {
	var errResp struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil {
		return fmt.Errorf("%w: unparseable error body: %s", apperrors.ErrExchangeUnavailable, string(body))
	}

	switch errResp.Code {
	case -2015:
		return apperrors.ErrAuthenticationFailed
	case -1013, -1111:
		return apperrors.ErrInvalidOrderParameter
	case -2010:
		return apperrors.ErrInsufficientFunds
	case -2011:
		return apperrors.ErrOrderNotFound
	case -1003:
		return apperrors.ErrRateLimitExceeded
	case -1021:
		return apperrors.ErrTimestampOutOfBounds
	}

	return fmt.Errorf("exchange error %d: %s", errResp.Code, errResp.Msg)
}

// GetPrice issues an unsigned public call for the latest traded price.
func (e *BinanceSpot) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if err := e.globalLimiter.Wait(ctx); err != nil {
		return decimal.Zero, err
	}

	url := fmt.Sprintf("%s%s?symbol=%s", e.baseURL, pathTickerPrice, symbol)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("build request: %w", err)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", apperrors.ErrExchangeUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", apperrors.ErrExchangeUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("%w: status %d", apperrors.ErrExchangeUnavailable, resp.StatusCode)
	}

	var payload struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", apperrors.ErrExchangeUnavailable, err)
	}

	price, err := decimal.NewFromString(payload.Price)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", apperrors.ErrExchangeUnavailable, err)
	}

	return price, nil
}

// PlaceLimitOrder places a single GTC limit order, bounded by the per-bot
// in-flight order semaphore.
func (e *BinanceSpot) PlaceLimitOrder(ctx context.Context, req PlaceOrderRequest) (*OrderAck, error) {
	if err := e.orderSem.Acquire(ctx); err != nil {
		return nil, err
	}
	defer e.orderSem.Release()

	body, err := e.doSignedWithRecvWindowRetry(ctx, http.MethodPost, pathOrder, func() *canonicalQuery {
		q := newCanonicalQuery()
		q.Add("symbol", req.Symbol)
		q.Add("side", string(req.Side))
		q.Add("type", "LIMIT")
		q.Add("timeInForce", string(req.TimeInForce))
		q.Add("quantity", req.Quantity.String())
		q.Add("price", req.Price.String())
		if req.ClientOrderID != "" {
			q.Add("newClientOrderId", req.ClientOrderID)
		}
		return q
	})
	if err != nil {
		return nil, err
	}

	var raw struct {
		OrderID int64  `json:"orderId"`
		Symbol  string `json:"symbol"`
		Status  string `json:"status"`
		Price   string `json:"price"`
		OrigQty string `json:"origQty"`
		Side    string `json:"side"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrExchangeUnavailable, err)
	}

	price, _ := decimal.NewFromString(raw.Price)
	qty, _ := decimal.NewFromString(raw.OrigQty)

	return &OrderAck{
		OrderID: raw.OrderID,
		Symbol:  raw.Symbol,
		Status:  OrderStatus(raw.Status),
		Price:   price,
		OrigQty: qty,
		Side:    Side(raw.Side),
	}, nil
}

// CancelOrderIDs cancels each order id individually; failures per id are
// logged and skipped, never aborting the remaining cancels.
func (e *BinanceSpot) CancelOrderIDs(ctx context.Context, symbol string, orderIDs []int64) ([]*OrderAck, error) {
	acks := make([]*OrderAck, 0, len(orderIDs))
	for _, id := range orderIDs {
		ack, err := e.cancelOne(ctx, symbol, id)
		if err != nil {
			e.logger.Warn("cancel order failed", "symbol", symbol, "order_id", id, "error", err.Error())
			continue
		}
		acks = append(acks, ack)
	}
	return acks, nil
}

func (e *BinanceSpot) cancelOne(ctx context.Context, symbol string, orderID int64) (*OrderAck, error) {
	body, err := e.doSignedWithRecvWindowRetry(ctx, http.MethodDelete, pathOrder, func() *canonicalQuery {
		q := newCanonicalQuery()
		q.Add("symbol", symbol)
		q.Add("orderId", fmt.Sprintf("%d", orderID))
		return q
	})
	if err != nil {
		return nil, err
	}

	var raw struct {
		OrderID int64  `json:"orderId"`
		Symbol  string `json:"symbol"`
		Status  string `json:"status"`
		Price   string `json:"price"`
		OrigQty string `json:"origQty"`
		Side    string `json:"side"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrExchangeUnavailable, err)
	}

	price, _ := decimal.NewFromString(raw.Price)
	qty, _ := decimal.NewFromString(raw.OrigQty)

	return &OrderAck{
		OrderID: raw.OrderID,
		Symbol:  raw.Symbol,
		Status:  OrderStatus(raw.Status),
		Price:   price,
		OrigQty: qty,
		Side:    Side(raw.Side),
	}, nil
}

// CancelAllOpen lists open orders and individually cancels those matching
// initialOnlyIDs (or all open orders if initialOnlyIDs is nil), never
// relying on the exchange's bulk-cancel primitive when a filter is needed.
func (e *BinanceSpot) CancelAllOpen(ctx context.Context, symbol string, initialOnlyIDs []int64) ([]*OrderAck, error) {
	body, err := e.doSignedWithRecvWindowRetry(ctx, http.MethodGet, pathOpenOrders, func() *canonicalQuery {
		q := newCanonicalQuery()
		q.Add("symbol", symbol)
		return q
	})
	if err != nil {
		return nil, err
	}

	var raw []struct {
		OrderID int64 `json:"orderId"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrExchangeUnavailable, err)
	}

	allow := make(map[int64]bool, len(initialOnlyIDs))
	for _, id := range initialOnlyIDs {
		allow[id] = true
	}

	var toCancel []int64
	for _, o := range raw {
		if initialOnlyIDs == nil || allow[o.OrderID] {
			toCancel = append(toCancel, o.OrderID)
		}
	}

	return e.CancelOrderIDs(ctx, symbol, toCancel)
}

// GetOrderStatus returns the exchange-observed status of one order.
func (e *BinanceSpot) GetOrderStatus(ctx context.Context, symbol string, orderID int64) (OrderStatus, error) {
	body, err := e.doSignedWithRecvWindowRetry(ctx, http.MethodGet, pathOrder, func() *canonicalQuery {
		q := newCanonicalQuery()
		q.Add("symbol", symbol)
		q.Add("orderId", fmt.Sprintf("%d", orderID))
		return q
	})
	if err != nil {
		return "", err
	}

	var raw struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return "", fmt.Errorf("%w: %v", apperrors.ErrExchangeUnavailable, err)
	}

	return OrderStatus(raw.Status), nil
}

// GetAccountBalances returns the free/locked split for every asset the
// account reports, zero balances included.
func (e *BinanceSpot) GetAccountBalances(ctx context.Context) (map[string]Balance, error) {
	body, err := e.doSignedWithRecvWindowRetry(ctx, http.MethodGet, pathAccount, func() *canonicalQuery {
		return newCanonicalQuery()
	})
	if err != nil {
		return nil, err
	}

	var raw struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrExchangeUnavailable, err)
	}

	out := make(map[string]Balance, len(raw.Balances))
	for _, b := range raw.Balances {
		free, _ := decimal.NewFromString(b.Free)
		locked, _ := decimal.NewFromString(b.Locked)
		out[b.Asset] = Balance{Free: free, Locked: locked}
	}

	return out, nil
}

// GetSymbolFilters returns the cached filters for a symbol, fetching and
// caching exchangeInfo on a miss.
func (e *BinanceSpot) GetSymbolFilters(ctx context.Context, symbol string) (*SymbolFilters, error) {
	e.filtersMu.RLock()
	f, ok := e.filters[symbol]
	e.filtersMu.RUnlock()
	if ok {
		return f, nil
	}

	if err := e.globalLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s%s?symbol=%s", e.baseURL, pathExchangeInfo, symbol)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrExchangeUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrExchangeUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", apperrors.ErrExchangeUnavailable, resp.StatusCode)
	}

	var raw struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Filters []struct {
				FilterType  string `json:"filterType"`
				MinPrice    string `json:"minPrice"`
				MaxPrice    string `json:"maxPrice"`
				TickSize    string `json:"tickSize"`
				MinQty      string `json:"minQty"`
				MaxQty      string `json:"maxQty"`
				StepSize    string `json:"stepSize"`
				MinNotional string `json:"minNotional"`
				MaxNotional string `json:"maxNotional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrExchangeUnavailable, err)
	}

	for _, s := range raw.Symbols {
		if s.Symbol != symbol {
			continue
		}
		filters := &SymbolFilters{}
		for _, flt := range s.Filters {
			switch flt.FilterType {
			case "PRICE_FILTER":
				filters.MinPrice, _ = decimal.NewFromString(flt.MinPrice)
				filters.MaxPrice, _ = decimal.NewFromString(flt.MaxPrice)
				filters.TickSize, _ = decimal.NewFromString(flt.TickSize)
			case "LOT_SIZE":
				filters.MinQty, _ = decimal.NewFromString(flt.MinQty)
				filters.MaxQty, _ = decimal.NewFromString(flt.MaxQty)
				filters.StepSize, _ = decimal.NewFromString(flt.StepSize)
			case "NOTIONAL", "MIN_NOTIONAL":
				filters.MinNotional, _ = decimal.NewFromString(flt.MinNotional)
				filters.MaxNotional, _ = decimal.NewFromString(flt.MaxNotional)
			}
		}

		e.filtersMu.Lock()
		e.filters[symbol] = filters
		e.filtersMu.Unlock()

		return filters, nil
	}

	return nil, fmt.Errorf("%w: symbol %s not found in exchangeInfo", apperrors.ErrMissingFilter, symbol)
}
