package control

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"gridbot/internal/apperrors"
	"gridbot/internal/botlog"
	"gridbot/internal/config"
	"gridbot/internal/domain"
	"gridbot/internal/engine"
	"gridbot/internal/engine/gridvariant"
	"gridbot/internal/exchange"
	"gridbot/internal/pricestream"
	"gridbot/internal/safety"
	"gridbot/internal/store"
	"gridbot/internal/supervisor"
	"gridbot/pkg/logging"
	"gridbot/pkg/ratelimit"
)

// builtStrategy bundles a running strategy with the exchange session, price
// stream, and per-bot log files it owns, so the caller can tear all three
// down if dispatch fails. Once dispatched, the strategy's StopStrategy stops
// the stream and closes the session; the caller closes the log.
type builtStrategy struct {
	strategy supervisor.Strategy
	ex       exchange.Exchange
	stream   *pricestream.Stream
	botLog   *botlog.Logger
}

// StrategyBuilder turns a startBotRequest into one of the three grid
// strategy variants, wiring a fresh per-bot Exchange Gateway session, Price
// Stream, and Async Logger. One builder is shared by every StartBot call;
// it holds no per-bot state itself.
type StrategyBuilder struct {
	exchangeCfg       config.Exchange
	globalLimiter     *ratelimit.Limiter
	maxOrdersInFlight int
	recvWindowDefault time.Duration
	recvWindowWidened time.Duration

	store      *store.Store
	checker    *safety.Checker
	botLogRoot string
	logLevel   logging.Level
	logger     logging.Logger
}

// NewStrategyBuilder wires a StrategyBuilder over the process's exchange
// connectivity defaults, timing/concurrency knobs, and the shared store.
func NewStrategyBuilder(exchangeCfg config.Exchange, timing config.TimingConfig, concurrency config.ConcurrencyConfig, st *store.Store, botLogRoot string, logLevel logging.Level, logger logging.Logger) *StrategyBuilder {
	scoped := logger.WithField("component", "control.builder")
	return &StrategyBuilder{
		exchangeCfg:       exchangeCfg,
		globalLimiter:     ratelimit.NewLimiter(concurrency.GlobalExchangeRatePerS),
		maxOrdersInFlight: concurrency.MaxOrdersInFlightPerBot,
		recvWindowDefault: time.Duration(timing.RecvWindowDefaultMS) * time.Millisecond,
		recvWindowWidened: time.Duration(timing.RecvWindowWidenedMS) * time.Millisecond,
		store:             st,
		checker:           safety.NewChecker(scoped),
		botLogRoot:        botLogRoot,
		logLevel:          logLevel,
		logger:            scoped,
	}
}

func (b *StrategyBuilder) restURL(testnet bool) string {
	if testnet {
		return b.exchangeCfg.TestnetBaseURL
	}
	return b.exchangeCfg.BaseURL
}

// build constructs the per-bot log, exchange session, price stream, and
// strategy engine for req, matching req.Type against the three grid
// strategy variants of §4.F. The returned strategy is not yet started; the
// caller dispatches it through the Supervisor.
func (b *StrategyBuilder) build(ctx context.Context, botID int64, req startBotRequest) (*builtStrategy, error) {
	botLog, err := botlog.New(b.botLogRoot, botID, b.logLevel)
	if err != nil {
		return nil, fmt.Errorf("open bot log: %w", err)
	}

	wsBase := b.exchangeCfg.WSBaseURL
	if req.Testnet {
		wsBase = b.exchangeCfg.TestnetWSURL
	}
	streamURL := fmt.Sprintf("%s/%s@ticker", wsBase, strings.ToLower(req.Symbol))

	ex := exchange.NewBinanceSpot(exchange.Config{
		BaseURL:           b.restURL(req.Testnet),
		APIKey:            req.APIKey,
		APISecret:         req.APISecret,
		GlobalLimiter:     b.globalLimiter,
		MaxOrdersInFlight: b.maxOrdersInFlight,
		RecvWindowDefault: b.recvWindowDefault,
		RecvWindowWidened: b.recvWindowWidened,
		Logger:            botLog,
	})

	stream := pricestream.New(streamURL, botLog)
	stream.Start()

	strategy, err := b.buildStrategy(ctx, botID, req, ex, stream, botLog)
	if err != nil {
		stream.Stop()
		ex.Close()
		botLog.Close()
		return nil, err
	}
	return &builtStrategy{strategy: strategy, ex: ex, stream: stream, botLog: botLog}, nil
}

// fetchBalances opens a short-lived exchange session purely to read account
// balances for POST /balance, per §4.I — no bot row, no engine, no stream.
func (b *StrategyBuilder) fetchBalances(ctx context.Context, req balanceRequest) (map[string]exchange.Balance, error) {
	ex := exchange.NewBinanceSpot(exchange.Config{
		BaseURL:           b.restURL(req.Testnet),
		APIKey:            req.APIKey,
		APISecret:         req.APISecret,
		GlobalLimiter:     b.globalLimiter,
		MaxOrdersInFlight: b.maxOrdersInFlight,
		RecvWindowDefault: b.recvWindowDefault,
		RecvWindowWidened: b.recvWindowWidened,
		Logger:            b.logger,
	})
	defer ex.Close()
	return ex.GetAccountBalances(ctx)
}

func (b *StrategyBuilder) buildStrategy(ctx context.Context, botID int64, req startBotRequest, ex exchange.Exchange, stream *pricestream.Stream, botLog *botlog.Logger) (supervisor.Strategy, error) {
	switch domain.BotType(req.Type) {
	case domain.BotTypeGrid:
		cfg := engine.Config{
			BotID:                   botID,
			Symbol:                  req.Symbol,
			BaseAsset:               req.BaseAsset,
			QuoteAsset:              req.QuoteAsset,
			AssetAFunds:             req.AssetAFunds,
			AssetBFunds:             req.AssetBFunds,
			Grids:                   req.Grids,
			DeviationThreshold:      req.DeviationThreshold,
			GrowthFactor:            req.GrowthFactor,
			UseGranularDistribution: req.UseGranularDistribution,
			TrailPrice:              req.TrailPrice,
			OnlyProfitableTrades:    req.OnlyProfitableTrades,
		}
		if err := b.store.SaveGridBotConfig(ctx, &store.GridBotConfig{
			BotID:                   botID,
			AssetAFunds:             req.AssetAFunds,
			AssetBFunds:             req.AssetBFunds,
			Grids:                   req.Grids,
			DeviationThreshold:      req.DeviationThreshold,
			GrowthFactor:            req.GrowthFactor,
			UseGranularDistribution: req.UseGranularDistribution,
			TrailPrice:              req.TrailPrice,
			OnlyProfitableTrades:    req.OnlyProfitableTrades,
			InitialPrice:            decimal.Zero,
		}); err != nil {
			return nil, fmt.Errorf("persist grid config: %w", err)
		}
		return engine.New(ctx, cfg, ex, b.store, stream, b.checker, botLog)

	case domain.BotTypeIndexFund:
		cfg := gridvariant.IndexFundConfig{
			BotID:                   botID,
			Symbol:                  req.Symbol,
			BaseAsset:               req.BaseAsset,
			QuoteAsset:              req.QuoteAsset,
			QuoteFunds:              req.AssetAFunds,
			BaseFunds:               req.AssetBFunds,
			Grids:                   req.Grids,
			DeviationThreshold:      req.DeviationThreshold,
			IndexDeviationThreshold: req.IndexDeviationThreshold,
			GrowthFactor:            req.GrowthFactor,
			UseGranularDistribution: req.UseGranularDistribution,
		}
		// index fund funds are not GridBotConfig-shaped (no ratio/index
		// deviation columns); persisted only as the bots row. Resuming an
		// index fund bot after a restart re-issues the original start
		// request rather than reloading from grid_bot_configs.
		return gridvariant.NewIndexFund(ctx, cfg, ex, b.store, stream, b.checker, botLog)

	case domain.BotTypeSellBot:
		cfg := gridvariant.SellLadderConfig{
			BotID:             botID,
			Symbol:            req.Symbol,
			BaseAsset:         req.BaseAsset,
			QuoteAsset:        req.QuoteAsset,
			MinPrice:          req.MinPrice,
			MaxPrice:          req.MaxPrice,
			Levels:            req.Levels,
			BatchSize:         req.BatchSize,
			ResetThresholdPct: req.ResetThresholdPct,
		}
		return gridvariant.NewSellLadder(ctx, cfg, ex, b.store, stream, b.checker, botLog)

	default:
		return nil, apperrors.ErrUnknownBotType
	}
}
