// Package klinefeed is the Kline poller: spec.md names the candle/kline
// fetch loop an external collaborator, specified only as "simple polling of
// an external endpoint" (§1 Non-goals). This is that simple poller, kept
// deliberately thin, registering each bot's latest candle window for
// internal/fanout's candlestick_data channel to read.
package klinefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"gridbot/pkg/logging"
)

const (
	defaultInterval    = "1m"
	defaultLimit       = 100
	defaultPollEvery   = 30 * time.Second
	pathKlines         = "/api/v3/klines"
	requestTimeout     = 10 * time.Second
)

// Candle is one OHLCV bar, fields left as strings exactly as the exchange
// returns them: this feed relays, it does not compute.
type Candle struct {
	OpenTime  int64  `json:"open_time"`
	Open      string `json:"open"`
	High      string `json:"high"`
	Low       string `json:"low"`
	Close     string `json:"close"`
	Volume    string `json:"volume"`
	CloseTime int64  `json:"close_time"`
}

type subscription struct {
	baseURL string
	symbol  string
}

// Feed polls one REST klines endpoint per subscribed bot on a fixed
// interval and caches the most recent window. It implements
// internal/fanout.KlineSource.
type Feed struct {
	httpClient *http.Client
	logger     logging.Logger
	interval   string
	limit      int
	pollEvery  time.Duration

	mu      sync.RWMutex
	subs    map[int64]subscription
	candles map[int64][]Candle

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Feed. Call Start to begin polling subscribed bots.
func New(logger logging.Logger) *Feed {
	ctx, cancel := context.WithCancel(context.Background())
	return &Feed{
		httpClient: &http.Client{Timeout: requestTimeout},
		logger:     logger,
		interval:   defaultInterval,
		limit:      defaultLimit,
		pollEvery:  defaultPollEvery,
		subs:       make(map[int64]subscription),
		candles:    make(map[int64][]Candle),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Subscribe registers a bot's (baseURL, symbol) so the poll loop starts
// fetching candles for it. Idempotent: re-subscribing just updates the
// target, it does not spawn a second poller.
func (f *Feed) Subscribe(botID int64, baseURL, symbol string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[botID] = subscription{baseURL: baseURL, symbol: symbol}
}

// Unsubscribe drops a bot's cached candles and stops polling it.
func (f *Feed) Unsubscribe(botID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, botID)
	delete(f.candles, botID)
}

// Candles implements internal/fanout.KlineSource.
func (f *Feed) Candles(botID int64) (interface{}, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	c, ok := f.candles[botID]
	if !ok {
		return nil, false
	}
	return c, true
}

// Start launches the background poll loop.
func (f *Feed) Start() {
	f.wg.Add(1)
	go f.runLoop()
}

// Stop cancels the poll loop and waits for it to exit.
func (f *Feed) Stop() {
	f.cancel()
	f.wg.Wait()
}

func (f *Feed) runLoop() {
	defer f.wg.Done()
	ticker := time.NewTicker(f.pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-f.ctx.Done():
			return
		case <-ticker.C:
			f.pollAll()
		}
	}
}

func (f *Feed) pollAll() {
	f.mu.RLock()
	targets := make(map[int64]subscription, len(f.subs))
	for id, s := range f.subs {
		targets[id] = s
	}
	f.mu.RUnlock()

	for botID, sub := range targets {
		candles, err := f.fetch(sub)
		if err != nil {
			f.logger.Warn("kline poll failed", "bot_id", botID, "symbol", sub.symbol, "error", err.Error())
			continue
		}
		f.mu.Lock()
		f.candles[botID] = candles
		f.mu.Unlock()
	}
}

func (f *Feed) fetch(sub subscription) ([]Candle, error) {
	url := fmt.Sprintf("%s%s?symbol=%s&interval=%s&limit=%d",
		sub.baseURL, pathKlines, strings.ToUpper(sub.symbol), f.interval, f.limit)

	req, err := http.NewRequestWithContext(f.ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("klines request failed: status %d", resp.StatusCode)
	}

	var raw [][]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode klines response: %w", err)
	}
	return parseCandles(raw), nil
}

// parseCandles converts Binance's positional kline array
// ([openTime, open, high, low, close, volume, closeTime, ...]) into Candle.
// Malformed rows are skipped rather than failing the whole batch.
func parseCandles(raw [][]interface{}) []Candle {
	candles := make([]Candle, 0, len(raw))
	for _, row := range raw {
		if len(row) < 7 {
			continue
		}
		openTime, ok1 := row[0].(float64)
		closeTime, ok2 := row[6].(float64)
		open, ok3 := row[1].(string)
		high, ok4 := row[2].(string)
		low, ok5 := row[3].(string)
		closePrice, ok6 := row[4].(string)
		volume, ok7 := row[5].(string)
		if !(ok1 && ok2 && ok3 && ok4 && ok5 && ok6 && ok7) {
			continue
		}
		candles = append(candles, Candle{
			OpenTime:  int64(openTime),
			Open:      open,
			High:      high,
			Low:       low,
			Close:     closePrice,
			Volume:    volume,
			CloseTime: int64(closeTime),
		})
	}
	return candles
}
