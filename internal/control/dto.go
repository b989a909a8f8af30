package control

import "github.com/shopspring/decimal"

// startBotRequest is the body of POST /bot/start (§4.I). Fields irrelevant
// to a given bot type are simply ignored by the builder for that type.
type startBotRequest struct {
	Type       string `json:"type"`
	Symbol     string `json:"symbol"`
	BaseAsset  string `json:"base_asset"`
	QuoteAsset string `json:"quote_asset"`
	APIKey     string `json:"api_key"`
	APISecret  string `json:"api_secret"`
	Testnet    bool   `json:"testnet"`

	AssetAFunds             decimal.Decimal `json:"asset_a_funds"`
	AssetBFunds             decimal.Decimal `json:"asset_b_funds"`
	Grids                   int             `json:"grids"`
	DeviationThreshold      decimal.Decimal `json:"deviation_threshold"`
	IndexDeviationThreshold decimal.Decimal `json:"index_deviation_threshold"`
	GrowthFactor            decimal.Decimal `json:"growth_factor"`
	UseGranularDistribution bool            `json:"use_granular_distribution"`
	TrailPrice              bool            `json:"trail_price"`
	OnlyProfitableTrades    bool            `json:"only_profitable_trades"`

	MinPrice          decimal.Decimal `json:"min_price"`
	MaxPrice          decimal.Decimal `json:"max_price"`
	Levels            int             `json:"levels"`
	BatchSize         decimal.Decimal `json:"batch_size"`
	ResetThresholdPct decimal.Decimal `json:"reset_threshold_pct"` // percent, e.g. 5 for a 5% drop
}

type startBotResponse struct {
	BotID int64 `json:"bot_id"`
}

type botSummary struct {
	ID            int64   `json:"id"`
	Type          string  `json:"type"`
	Symbol        string  `json:"symbol"`
	Status        string  `json:"status"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

type balanceRequest struct {
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
	Testnet   bool   `json:"testnet"`
}

type balanceEntry struct {
	Asset  string `json:"asset"`
	Free   string `json:"free"`
	Locked string `json:"locked"`
}

// errorResponse is the uniform error envelope of §6: "{detail: <string>}".
type errorResponse struct {
	Detail string `json:"detail"`
}
