// Package control implements the Control Surface (§4.I): the thin HTTP+WS
// boundary over the Bot Supervisor, Persistence Store, and Subscription
// Fan-out. It creates no domain state of its own — every handler is a
// translation from an HTTP/WS frame to a call on one of those three.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gridbot/internal/botlog"
	"gridbot/internal/domain"
	"gridbot/internal/fanout"
	"gridbot/internal/notify"
	"gridbot/internal/store"
	"gridbot/internal/supervisor"
	"gridbot/pkg/logging"
)

var (
	wsActiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gridbot_websocket_active_connections",
		Help: "Current number of active control-surface WebSocket connections",
	})
	wsRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gridbot_websocket_rejected_total",
		Help: "Total rejected control-surface WebSocket connection attempts",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(wsActiveConnections, wsRejectedTotal)
}

// supervisorAPI is the Bot Supervisor surface the control layer depends on.
type supervisorAPI interface {
	StartBot(ctx context.Context, botID int64, strategy supervisor.Strategy) error
	StopBot(ctx context.Context, botID int64) error
	GetCurrentParameters(botID int64) (map[string]interface{}, bool)
}

// klineSubscriber is the narrow surface of internal/klinefeed.Feed the
// control layer depends on: a bot's candlestick_data channel has no data to
// broadcast until its symbol is registered with the poller, and no point
// polling it once the bot stops.
type klineSubscriber interface {
	Subscribe(botID int64, baseURL, symbol string)
	Unsubscribe(botID int64)
}

// storeAPI is the Persistence Store surface the control layer depends on.
type storeAPI interface {
	CreateBot(ctx context.Context, b *domain.Bot) (int64, error)
	SetBotStatus(ctx context.Context, botID int64, status domain.BotStatus) error
	DeleteBot(ctx context.Context, botID int64) error
	GetBot(ctx context.Context, botID int64) (*domain.Bot, error)
	ListBots(ctx context.Context) ([]*domain.Bot, error)
}

const defaultMaxConnections = 1000

// Server is the Control Surface's HTTP+WS process boundary.
type Server struct {
	supervisor supervisorAPI
	store      storeAPI
	builder    *StrategyBuilder
	fanout     *fanout.Fanout
	notify     *notify.Bus
	klineFeed  klineSubscriber
	logger     logging.Logger

	upgrader       websocket.Upgrader
	allowedOrigins []string
	connSemaphore  chan struct{}

	mu      sync.Mutex
	srv     *http.Server
	botLogs map[int64]*botlog.Logger

	startedAt time.Time
}

// NewServer wires the Control Surface over its five collaborators.
func NewServer(sup supervisorAPI, st *store.Store, builder *StrategyBuilder, fo *fanout.Fanout, nb *notify.Bus, allowedOrigins []string, logger logging.Logger) *Server {
	s := &Server{
		supervisor:     sup,
		store:          st,
		builder:        builder,
		fanout:         fo,
		notify:         nb,
		logger:         logger.WithField("component", "control"),
		allowedOrigins: allowedOrigins,
		connSemaphore:  make(chan struct{}, defaultMaxConnections),
		botLogs:        make(map[int64]*botlog.Logger),
		startedAt:      time.Now(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// SetKlineFeed wires the Kline poller so bot start/stop also registers and
// unregisters that bot's symbol for candlestick_data polling. Optional: a
// Server with no feed set simply never populates that channel.
func (s *Server) SetKlineFeed(f klineSubscriber) {
	s.klineFeed = f
}

func (s *Server) mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /bot/start", s.handleStartBot)
	mux.HandleFunc("POST /bot/{id}/stop", s.handleStopBot)
	mux.HandleFunc("DELETE /bot/{id}", s.handleDeleteBot)
	mux.HandleFunc("GET /bots", s.handleListBots)
	mux.HandleFunc("POST /balance", s.handleBalance)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// Start begins serving and blocks until ctx is cancelled or ListenAndServe
// returns a non-shutdown error.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.mu.Lock()
	s.srv = &http.Server{Addr: addr, Handler: s.mux()}
	s.mu.Unlock()

	s.logger.Info("starting control surface", "addr", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Stop(context.Background())
	}
}

// Stop gracefully shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv == nil {
		return nil
	}
	s.logger.Info("stopping control surface")
	return s.srv.Shutdown(ctx)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // non-browser clients (CLI, server-to-server) carry no Origin header
	}
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	wsRejectedTotal.WithLabelValues("invalid_origin").Inc()
	return false
}

func (s *Server) handleStartBot(w http.ResponseWriter, r *http.Request) {
	var req startBotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("malformed request body: %v", err))
		return
	}
	if req.Type == "" || req.Symbol == "" || req.BaseAsset == "" || req.QuoteAsset == "" {
		writeError(w, http.StatusBadRequest, "type, symbol, base_asset, and quote_asset are required")
		return
	}
	switch domain.BotType(req.Type) {
	case domain.BotTypeGrid, domain.BotTypeIndexFund, domain.BotTypeSellBot:
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown bot type %q", req.Type))
		return
	}

	ctx := r.Context()
	bot := &domain.Bot{
		Type:      domain.BotType(req.Type),
		Symbol:    req.Symbol,
		APIKey:    req.APIKey,
		APISecret: req.APISecret,
		Testnet:   req.Testnet,
		Status:    domain.BotStatusActive,
	}
	botID, err := s.store.CreateBot(ctx, bot)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("create bot row: %v", err))
		return
	}

	built, err := s.builder.build(ctx, botID, req)
	if err != nil {
		// precondition failure or validation surfaced late (insufficient
		// balance, bad filters): no bot row survives a failed start.
		_ = s.store.DeleteBot(ctx, botID)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if err := s.supervisor.StartBot(ctx, botID, built.strategy); err != nil {
		built.stream.Stop()
		built.ex.Close()
		built.botLog.Close()
		_ = s.store.DeleteBot(ctx, botID)
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("dispatch strategy: %v", err))
		return
	}

	s.mu.Lock()
	s.botLogs[botID] = built.botLog
	s.mu.Unlock()

	if s.klineFeed != nil {
		s.klineFeed.Subscribe(botID, s.builder.restURL(req.Testnet), req.Symbol)
	}

	s.notify.Send("bot_started", botID, map[string]interface{}{"type": req.Type, "symbol": req.Symbol})
	writeJSON(w, http.StatusOK, startBotResponse{BotID: botID})
}

func (s *Server) handleStopBot(w http.ResponseWriter, r *http.Request) {
	botID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid bot id")
		return
	}
	ctx := r.Context()
	if err := s.supervisor.StopBot(ctx, botID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.teardownBot(botID)
	if err := s.store.SetBotStatus(ctx, botID, domain.BotStatusInactive); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.notify.Send("bot_stopped", botID, nil)
	w.WriteHeader(http.StatusNoContent)
}

// teardownBot closes and forgets the per-bot log opened at start and
// unregisters the bot from kline polling, a no-op on the log side if the
// bot was never started in this process (e.g. already stopped).
func (s *Server) teardownBot(botID int64) {
	s.mu.Lock()
	l, ok := s.botLogs[botID]
	delete(s.botLogs, botID)
	s.mu.Unlock()
	if ok {
		l.Close()
	}
	if s.klineFeed != nil {
		s.klineFeed.Unsubscribe(botID)
	}
}

func (s *Server) handleDeleteBot(w http.ResponseWriter, r *http.Request) {
	botID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid bot id")
		return
	}
	ctx := r.Context()
	if err := s.supervisor.StopBot(ctx, botID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.teardownBot(botID)
	if err := s.store.DeleteBot(ctx, botID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "bot not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListBots(w http.ResponseWriter, r *http.Request) {
	bots, err := s.store.ListBots(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	summaries := make([]botSummary, 0, len(bots))
	for _, b := range bots {
		uptime := 0.0
		if params, ok := s.supervisor.GetCurrentParameters(b.ID); ok {
			if rt, ok := params["running_time_seconds"].(float64); ok {
				uptime = rt
			}
		}
		summaries = append(summaries, botSummary{
			ID:            b.ID,
			Type:          string(b.Type),
			Symbol:        b.Symbol,
			Status:        string(b.Status),
			UptimeSeconds: uptime,
		})
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	var req balanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("malformed request body: %v", err))
		return
	}
	balances, err := s.builder.fetchBalances(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	entries := make([]balanceEntry, 0, len(balances))
	for asset, bal := range balances {
		if bal.Free.IsZero() && bal.Locked.IsZero() {
			continue
		}
		entries = append(entries, balanceEntry{Asset: asset, Free: bal.Free.String(), Locked: bal.Locked.String()})
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	bots, _ := s.store.ListBots(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"bots":           len(bots),
		"uptime_seconds": time.Since(s.startedAt).Seconds(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorResponse{Detail: detail})
}
