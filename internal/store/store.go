// Package store implements the durable persistence layer: bots, their grid
// configuration, active orders, order history, and trade history, all
// scoped by bot_id. One transaction per unit of work, matching the
// Persistence Store contract of the engine above it.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"gridbot/internal/domain"
)

// Store wraps a SQLite connection pool opened in WAL mode.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path, enables
// WAL mode, and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return s, nil
}

func (s *Store) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS bots (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	type TEXT NOT NULL,
	symbol TEXT NOT NULL,
	api_key TEXT NOT NULL,
	api_secret TEXT NOT NULL,
	testnet INTEGER NOT NULL,
	status TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS grid_bot_configs (
	bot_id INTEGER PRIMARY KEY REFERENCES bots(id) ON DELETE CASCADE,
	asset_a_funds TEXT NOT NULL,
	asset_b_funds TEXT NOT NULL,
	grids INTEGER NOT NULL,
	deviation_threshold TEXT NOT NULL,
	growth_factor TEXT NOT NULL,
	use_granular_distribution INTEGER NOT NULL,
	trail_price INTEGER NOT NULL,
	only_profitable_trades INTEGER NOT NULL,
	initial_price TEXT NOT NULL DEFAULT '0'
);

CREATE TABLE IF NOT EXISTS active_orders (
	bot_id INTEGER NOT NULL REFERENCES bots(id) ON DELETE CASCADE,
	order_id INTEGER NOT NULL,
	order_type TEXT NOT NULL,
	is_initial INTEGER NOT NULL,
	price TEXT NOT NULL,
	quantity TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (bot_id, order_id)
);

CREATE TABLE IF NOT EXISTS order_history (
	bot_id INTEGER NOT NULL REFERENCES bots(id) ON DELETE CASCADE,
	order_id INTEGER NOT NULL,
	order_type TEXT NOT NULL,
	is_initial INTEGER NOT NULL,
	price TEXT NOT NULL,
	quantity TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (bot_id, order_id)
);

CREATE TABLE IF NOT EXISTS trade_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	bot_id INTEGER NOT NULL REFERENCES bots(id) ON DELETE CASCADE,
	trade_type TEXT NOT NULL,
	buy_price TEXT NOT NULL,
	sell_price TEXT NOT NULL,
	quantity TEXT NOT NULL,
	profit TEXT NOT NULL,
	profit_asset TEXT NOT NULL,
	status TEXT NOT NULL,
	buy_order_id INTEGER NOT NULL,
	sell_order_id INTEGER NOT NULL,
	executed_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trade_history_open_lookup
	ON trade_history (bot_id, buy_price, quantity, status, executed_at DESC);
`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateBot inserts a new bot row with status=active and returns its
// assigned id.
func (s *Store) CreateBot(ctx context.Context, b *domain.Bot) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	now := time.Now().UnixNano()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO bots (type, symbol, api_key, api_secret, testnet, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(b.Type), b.Symbol, b.APIKey, b.APISecret, boolToInt(b.Testnet), string(domain.BotStatusActive), now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("insert bot: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	return id, tx.Commit()
}

// SetBotStatus updates a bot's status (active/inactive).
func (s *Store) SetBotStatus(ctx context.Context, botID int64, status domain.BotStatus) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE bots SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UnixNano(), botID,
	)
	if err != nil {
		return fmt.Errorf("update bot status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	return tx.Commit()
}

// DeleteBot cascade-deletes a bot and all its owned rows.
func (s *Store) DeleteBot(ctx context.Context, botID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM bots WHERE id = ?`, botID)
	if err != nil {
		return fmt.Errorf("delete bot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	return tx.Commit()
}

// GetBot loads a single bot by id.
func (s *Store) GetBot(ctx context.Context, botID int64) (*domain.Bot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, type, symbol, api_key, api_secret, testnet, status, created_at, updated_at
		 FROM bots WHERE id = ?`, botID)

	return scanBot(row)
}

// ListBots returns every bot row, active and inactive.
func (s *Store) ListBots(ctx context.Context) ([]*domain.Bot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, symbol, api_key, api_secret, testnet, status, created_at, updated_at FROM bots`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bots []*domain.Bot
	for rows.Next() {
		b, err := scanBot(rows)
		if err != nil {
			return nil, err
		}
		bots = append(bots, b)
	}
	return bots, rows.Err()
}

// ListActiveBots returns every bot row with status=active. Process startup
// does not call it; no bot is resumed automatically.
func (s *Store) ListActiveBots(ctx context.Context) ([]*domain.Bot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, symbol, api_key, api_secret, testnet, status, created_at, updated_at
		 FROM bots WHERE status = ?`, string(domain.BotStatusActive))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bots []*domain.Bot
	for rows.Next() {
		b, err := scanBot(rows)
		if err != nil {
			return nil, err
		}
		bots = append(bots, b)
	}
	return bots, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBot(row rowScanner) (*domain.Bot, error) {
	var (
		b          domain.Bot
		typ        string
		status     string
		testnetInt int
		createdAt  int64
		updatedAt  int64
	)
	if err := row.Scan(&b.ID, &typ, &b.Symbol, &b.APIKey, &b.APISecret, &testnetInt, &status, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	b.Type = domain.BotType(typ)
	b.Status = domain.BotStatus(status)
	b.Testnet = testnetInt != 0
	b.CreatedAt = time.Unix(0, createdAt)
	b.UpdatedAt = time.Unix(0, updatedAt)
	return &b, nil
}

// GridBotConfig is the persisted construction parameters for a grid-family
// strategy instance. It is written at bot start; nothing reloads it on a
// restart.
type GridBotConfig struct {
	BotID                   int64
	AssetAFunds             decimal.Decimal
	AssetBFunds             decimal.Decimal
	Grids                   int
	DeviationThreshold      decimal.Decimal
	GrowthFactor            decimal.Decimal
	UseGranularDistribution bool
	TrailPrice              bool
	OnlyProfitableTrades    bool
	InitialPrice            decimal.Decimal
}

// SaveGridBotConfig upserts the strategy parameters for a bot.
func (s *Store) SaveGridBotConfig(ctx context.Context, cfg *GridBotConfig) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO grid_bot_configs
			(bot_id, asset_a_funds, asset_b_funds, grids, deviation_threshold, growth_factor,
			 use_granular_distribution, trail_price, only_profitable_trades, initial_price)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(bot_id) DO UPDATE SET
			asset_a_funds=excluded.asset_a_funds, asset_b_funds=excluded.asset_b_funds,
			grids=excluded.grids, deviation_threshold=excluded.deviation_threshold,
			growth_factor=excluded.growth_factor,
			use_granular_distribution=excluded.use_granular_distribution,
			trail_price=excluded.trail_price, only_profitable_trades=excluded.only_profitable_trades,
			initial_price=excluded.initial_price`,
		cfg.BotID, cfg.AssetAFunds.String(), cfg.AssetBFunds.String(), cfg.Grids,
		cfg.DeviationThreshold.String(), cfg.GrowthFactor.String(),
		boolToInt(cfg.UseGranularDistribution), boolToInt(cfg.TrailPrice), boolToInt(cfg.OnlyProfitableTrades),
		cfg.InitialPrice.String(),
	)
	if err != nil {
		return fmt.Errorf("upsert grid bot config: %w", err)
	}

	return tx.Commit()
}

// UpdateInitialPrice persists the anchor price after initialization or a
// grid reset.
func (s *Store) UpdateInitialPrice(ctx context.Context, botID int64, price decimal.Decimal) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE grid_bot_configs SET initial_price = ? WHERE bot_id = ?`, price.String(), botID)
	return err
}

// GetGridBotConfig loads the persisted strategy parameters for a bot.
func (s *Store) GetGridBotConfig(ctx context.Context, botID int64) (*GridBotConfig, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT bot_id, asset_a_funds, asset_b_funds, grids, deviation_threshold, growth_factor,
			use_granular_distribution, trail_price, only_profitable_trades, initial_price
		 FROM grid_bot_configs WHERE bot_id = ?`, botID)

	var (
		cfg                                                          GridBotConfig
		assetA, assetB, deviation, growth, initial                   string
		useGranularInt, trailInt, onlyProfitableInt                  int
	)
	err := row.Scan(&cfg.BotID, &assetA, &assetB, &cfg.Grids, &deviation, &growth,
		&useGranularInt, &trailInt, &onlyProfitableInt, &initial)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	cfg.AssetAFunds, _ = decimal.NewFromString(assetA)
	cfg.AssetBFunds, _ = decimal.NewFromString(assetB)
	cfg.DeviationThreshold, _ = decimal.NewFromString(deviation)
	cfg.GrowthFactor, _ = decimal.NewFromString(growth)
	cfg.InitialPrice, _ = decimal.NewFromString(initial)
	cfg.UseGranularDistribution = useGranularInt != 0
	cfg.TrailPrice = trailInt != 0
	cfg.OnlyProfitableTrades = onlyProfitableInt != 0

	return &cfg, nil
}

// PutActiveOrder inserts or replaces an ActiveOrder row.
func (s *Store) PutActiveOrder(ctx context.Context, o *domain.ActiveOrder) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO active_orders (bot_id, order_id, order_type, is_initial, price, quantity, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		o.BotID, o.OrderID, string(o.OrderType), boolToInt(o.IsInitial), o.Price.String(), o.Quantity.String(), o.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert active order: %w", err)
	}

	return tx.Commit()
}

// DeleteActiveOrder removes an ActiveOrder row, e.g. on observed FILL or
// CANCEL.
func (s *Store) DeleteActiveOrder(ctx context.Context, botID, orderID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `DELETE FROM active_orders WHERE bot_id = ? AND order_id = ?`, botID, orderID)
	if err != nil {
		return fmt.Errorf("delete active order: %w", err)
	}

	return tx.Commit()
}

// ListActiveOrders returns every ActiveOrder for a bot, optionally filtered
// to initial orders only.
func (s *Store) ListActiveOrders(ctx context.Context, botID int64, initialOnly bool) ([]*domain.ActiveOrder, error) {
	query := `SELECT bot_id, order_id, order_type, is_initial, price, quantity, created_at FROM active_orders WHERE bot_id = ?`
	args := []interface{}{botID}
	if initialOnly {
		query += ` AND is_initial = 1`
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.ActiveOrder
	for rows.Next() {
		var (
			o              domain.ActiveOrder
			orderType      string
			isInitialInt   int
			price, qty     string
			createdAt      int64
		)
		if err := rows.Scan(&o.BotID, &o.OrderID, &orderType, &isInitialInt, &price, &qty, &createdAt); err != nil {
			return nil, err
		}
		o.OrderType = domain.OrderSide(orderType)
		o.IsInitial = isInitialInt != 0
		o.Price, _ = decimal.NewFromString(price)
		o.Quantity, _ = decimal.NewFromString(qty)
		o.CreatedAt = time.Unix(0, createdAt)
		out = append(out, &o)
	}
	return out, rows.Err()
}

// DeleteAllActiveOrders removes every ActiveOrder row for a bot, used on
// stop_strategy.
func (s *Store) DeleteAllActiveOrders(ctx context.Context, botID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM active_orders WHERE bot_id = ?`, botID)
	return err
}

// PutOrderHistory inserts a new OrderHistory row, status OPEN.
func (s *Store) PutOrderHistory(ctx context.Context, h *domain.OrderHistory) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO order_history
			(bot_id, order_id, order_type, is_initial, price, quantity, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.BotID, h.OrderID, string(h.OrderType), boolToInt(h.IsInitial), h.Price.String(), h.Quantity.String(),
		string(h.Status), h.CreatedAt.UnixNano(), h.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert order history: %w", err)
	}

	return tx.Commit()
}

// UpdateOrderHistoryStatus transitions an OrderHistory row's status. Only
// forward transitions (OPEN -> FILLED/CANCELED) are meaningful; the caller
// is responsible for not calling this on a terminal row.
func (s *Store) UpdateOrderHistoryStatus(ctx context.Context, botID, orderID int64, status domain.OrderLifecycleStatus) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE order_history SET status = ?, updated_at = ? WHERE bot_id = ? AND order_id = ?`,
		string(status), time.Now().UnixNano(), botID, orderID,
	)
	if err != nil {
		return fmt.Errorf("update order history status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	return tx.Commit()
}

// ListOrderHistory returns a bot's order history, most recent first,
// limited to n rows (0 means unlimited).
func (s *Store) ListOrderHistory(ctx context.Context, botID int64, limit int) ([]*domain.OrderHistory, error) {
	query := `SELECT bot_id, order_id, order_type, is_initial, price, quantity, status, created_at, updated_at
		FROM order_history WHERE bot_id = ? ORDER BY created_at DESC`
	args := []interface{}{botID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.OrderHistory
	for rows.Next() {
		var (
			h                          domain.OrderHistory
			orderType, status          string
			isInitialInt               int
			price, qty                 string
			createdAt, updatedAt       int64
		)
		if err := rows.Scan(&h.BotID, &h.OrderID, &orderType, &isInitialInt, &price, &qty, &status, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		h.OrderType = domain.OrderSide(orderType)
		h.IsInitial = isInitialInt != 0
		h.Status = domain.OrderLifecycleStatus(status)
		h.Price, _ = decimal.NewFromString(price)
		h.Quantity, _ = decimal.NewFromString(qty)
		h.CreatedAt = time.Unix(0, createdAt)
		h.UpdatedAt = time.Unix(0, updatedAt)
		out = append(out, &h)
	}
	return out, rows.Err()
}

// PutTradeHistory inserts a new OPEN TradeHistory row and returns its id.
func (s *Store) PutTradeHistory(ctx context.Context, t *domain.TradeHistory) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO trade_history
			(bot_id, trade_type, buy_price, sell_price, quantity, profit, profit_asset, status,
			 buy_order_id, sell_order_id, executed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.BotID, string(t.TradeType), t.BuyPrice.String(), t.SellPrice.String(), t.Quantity.String(),
		t.Profit.String(), t.ProfitAsset, string(t.Status), t.BuyOrderID, t.SellOrderID, t.ExecutedAt.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert trade history: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	return id, tx.Commit()
}

// FindOpenTrade locates the most recent OPEN trade matching (buy_price,
// quantity), ordered by executed_at DESC, as used when closing a trade on
// counter-leg fill. Returns ErrNotFound if no match exists; the caller must
// treat that as a logged anomaly, not a crash, per the trade-close contract.
func (s *Store) FindOpenTrade(ctx context.Context, botID int64, buyPrice, quantity decimal.Decimal) (*domain.TradeHistory, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, bot_id, trade_type, buy_price, sell_price, quantity, profit, profit_asset, status,
			buy_order_id, sell_order_id, executed_at
		 FROM trade_history
		 WHERE bot_id = ? AND buy_price = ? AND quantity = ? AND status = ?
		 ORDER BY executed_at DESC LIMIT 1`,
		botID, buyPrice.String(), quantity.String(), string(domain.TradeStatusOpen),
	)

	return scanTrade(row)
}

// CloseTrade finalizes a TradeHistory row: sets status=CLOSED and the
// realized profit.
func (s *Store) CloseTrade(ctx context.Context, tradeID int64, profit decimal.Decimal) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE trade_history SET status = ?, profit = ? WHERE id = ?`,
		string(domain.TradeStatusClosed), profit.String(), tradeID,
	)
	if err != nil {
		return fmt.Errorf("close trade: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	return tx.Commit()
}

// ListTradeHistory returns a bot's trade history, most recent first.
func (s *Store) ListTradeHistory(ctx context.Context, botID int64, limit int) ([]*domain.TradeHistory, error) {
	query := `SELECT id, bot_id, trade_type, buy_price, sell_price, quantity, profit, profit_asset, status,
		buy_order_id, sell_order_id, executed_at FROM trade_history WHERE bot_id = ? ORDER BY executed_at DESC`
	args := []interface{}{botID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.TradeHistory
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTrade(row rowScanner) (*domain.TradeHistory, error) {
	var (
		t                                   domain.TradeHistory
		tradeType, status                   string
		buyPrice, sellPrice, qty, profit    string
		executedAt                          int64
	)
	err := row.Scan(&t.ID, &t.BotID, &tradeType, &buyPrice, &sellPrice, &qty, &profit, &t.ProfitAsset, &status,
		&t.BuyOrderID, &t.SellOrderID, &executedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	t.TradeType = domain.TradeType(tradeType)
	t.Status = domain.TradeStatus(status)
	t.BuyPrice, _ = decimal.NewFromString(buyPrice)
	t.SellPrice, _ = decimal.NewFromString(sellPrice)
	t.Quantity, _ = decimal.NewFromString(qty)
	t.Profit, _ = decimal.NewFromString(profit)
	t.ExecutedAt = time.Unix(0, executedAt)
	return &t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ErrNotFound is returned when a lookup by id/key finds no row.
var ErrNotFound = errors.New("store: not found")
