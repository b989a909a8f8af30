// Package pricestream implements the Price Stream (§4.B): a single
// long-lived subscription to a symbol's ticker, exposing the latest price
// via an atomic read. De-instruments the teacher's OpenTelemetry-wrapped
// WebSocket client into a plain reconnecting client, since no component in
// this spec exports spans or metrics from the price feed.
package pricestream

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"gridbot/pkg/logging"
)

const reconnectBackoff = 5 * time.Second

// Stream maintains one ticker subscription and exposes the latest observed
// price. It is a sampler, not a log: reconnects silently resume updating
// current_price with no message-loss guarantee, per §4.B.
type Stream struct {
	url    string
	logger logging.Logger

	price atomic.Value // decimal.Decimal

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	connMu sync.Mutex
	conn   *websocket.Conn
}

// New constructs a Stream for the given ticker WebSocket URL. Call Start to
// begin connecting.
func New(url string, logger logging.Logger) *Stream {
	ctx, cancel := context.WithCancel(context.Background())
	return &Stream{
		url:    url,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the connect/read/reconnect loop in the background.
func (s *Stream) Start() {
	s.wg.Add(1)
	go s.runLoop()
}

// Stop cancels the loop and closes the active connection.
func (s *Stream) Stop() {
	s.cancel()
	s.wg.Wait()
	s.closeConn()
}

// CurrentPrice returns the latest observed price. The zero value means no
// tick has been observed yet; callers must wait for a nonzero price during
// the warm-up window before dereferencing it for strategy decisions.
func (s *Stream) CurrentPrice() (decimal.Decimal, bool) {
	v := s.price.Load()
	if v == nil {
		return decimal.Decimal{}, false
	}
	return v.(decimal.Decimal), true
}

func (s *Stream) runLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		if err := s.connect(); err != nil {
			s.logger.Error("price stream connect failed", "url", s.url, "error", err.Error())
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(reconnectBackoff):
			}
			continue
		}

		s.readLoop()

		select {
		case <-s.ctx.Done():
			return
		case <-time.After(reconnectBackoff):
		}
	}
}

func (s *Stream) connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(s.url, nil)
	if err != nil {
		return err
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
	return nil
}

func (s *Stream) closeConn() {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

func (s *Stream) readLoop() {
	defer s.closeConn()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		s.connMu.Lock()
		conn := s.conn
		s.connMu.Unlock()
		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}

		s.handleMessage(message)
	}
}

// tickerPayload mirrors the field of interest from a bookTicker-style push:
// "c" carries the last price as a decimal string.
type tickerPayload struct {
	LastPrice string `json:"c"`
}

func (s *Stream) handleMessage(message []byte) {
	var payload tickerPayload
	if err := json.Unmarshal(message, &payload); err != nil {
		s.logger.Debug("price stream message decode failed", "error", err.Error())
		return
	}
	if payload.LastPrice == "" {
		return
	}

	price, err := decimal.NewFromString(payload.LastPrice)
	if err != nil {
		s.logger.Debug("price stream message price parse failed", "error", err.Error())
		return
	}

	s.price.Store(price)
}
