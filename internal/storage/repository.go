package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"pumpwatch/internal/model"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrMarketNotFound indicates no trades or lifecycle events exist for a market.
	ErrMarketNotFound = errors.New("storage: market not found")
)

const (
	insertTradeSQL = `INSERT INTO trades (
        signature,
        market_id,
        trader,
        trade_type,
        outcome_index,
        token_amount,
        sol_amount,
        price,
        slot,
        traded_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
    )
    ON CONFLICT (signature) DO NOTHING;`

	insertMarketEventSQL = `INSERT INTO market_events (
        signature,
        market_id,
        event_type,
        data,
        slot,
        event_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    )
    ON CONFLICT (signature) DO NOTHING;`

	upsertMarketSQL = `INSERT INTO markets (
        market_id,
        program_account,
        status,
        created_at,
        updated_at
    ) VALUES (
        $1,$2,$3,$4,now()
    )
    ON CONFLICT (market_id) DO UPDATE
    SET
        program_account = CASE WHEN EXCLUDED.program_account <> '' THEN EXCLUDED.program_account ELSE markets.program_account END,
        status          = CASE WHEN EXCLUDED.status = 'active' AND markets.status <> 'active' THEN markets.status ELSE EXCLUDED.status END,
        created_at      = LEAST(markets.created_at, EXCLUDED.created_at),
        updated_at      = now();`

	loadCheckpointSQL = `SELECT program_id, last_processed_slot, updated_at
    FROM sync_checkpoints
    WHERE program_id = $1;`

	advanceCheckpointSQL = `INSERT INTO sync_checkpoints (program_id, last_processed_slot, updated_at)
    VALUES ($1, $2, now())
    ON CONFLICT (program_id) DO UPDATE
    SET last_processed_slot = GREATEST(sync_checkpoints.last_processed_slot, EXCLUDED.last_processed_slot),
        updated_at          = now()
    RETURNING last_processed_slot;`

	outcomeStatsSQL = `SELECT
        outcome_index,
        (array_agg(price::float8 ORDER BY traded_at DESC, signature DESC))[1] AS last_price,
        (array_agg(price::float8 ORDER BY traded_at ASC, signature ASC) FILTER (WHERE traded_at >= $2))[1] AS open_price,
        COALESCE(SUM(sol_amount) FILTER (WHERE traded_at >= $2), 0)::float8 AS window_volume,
        MAX(traded_at) AS last_trade_at
    FROM trades
    WHERE market_id = $1
    GROUP BY outcome_index
    ORDER BY outcome_index;`

	marketTotalsSQL = `SELECT
        COALESCE(SUM(sol_amount), 0)::float8,
        COUNT(DISTINCT trader),
        MIN(traded_at),
        MAX(traded_at)
    FROM trades
    WHERE market_id = $1;`

	marketRowSQL = `SELECT program_account, status, created_at
    FROM markets
    WHERE market_id = $1;`

	chartCandlesSQL = `SELECT
        date_trunc($3, traded_at) AS bucket,
        (array_agg(price::float8 ORDER BY traded_at ASC, signature ASC))[1] AS open,
        MAX(price)::float8 AS high,
        MIN(price)::float8 AS low,
        (array_agg(price::float8 ORDER BY traded_at DESC, signature DESC))[1] AS close,
        COALESCE(SUM(sol_amount), 0)::float8 AS volume,
        COUNT(*) AS trades
    FROM trades
    WHERE market_id = $1
      AND outcome_index = $2
      AND traded_at >= $4
    GROUP BY bucket
    ORDER BY bucket;`

	activeMarketsSQL = `SELECT market_id
    FROM trades
    WHERE traded_at >= $1
    GROUP BY market_id
    ORDER BY MAX(traded_at) DESC
    LIMIT $2;`

	marketTradersSQL = `SELECT DISTINCT trader FROM trades WHERE market_id = $1 ORDER BY trader;`

	recentTradesSQL = `SELECT
        signature,
        market_id,
        trader,
        trade_type,
        outcome_index,
        token_amount::text,
        sol_amount::text,
        price::text,
        slot,
        traded_at
    FROM trades
    WHERE $2::text = '' OR market_id = $2
    ORDER BY traded_at DESC, signature DESC
    LIMIT $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// EventStore persists decoded ledger events idempotently by signature.
type EventStore interface {
	UpsertTrade(ctx context.Context, trade model.TradeEvent) (bool, error)
	UpsertMarketEvent(ctx context.Context, event model.MarketEvent) (bool, error)
}

// CheckpointStore persists per-program sync progress.
type CheckpointStore interface {
	LoadCheckpoint(ctx context.Context, programID string) (model.SyncCheckpoint, error)
	AdvanceCheckpoint(ctx context.Context, programID string, slot uint64) (uint64, error)
}

// MarketReader answers the aggregate queries behind snapshots and charts.
type MarketReader interface {
	MarketStats(ctx context.Context, marketID string, since time.Time) (MarketStats, error)
	ChartCandles(ctx context.Context, marketID string, outcome int, bucket Bucket, since time.Time) ([]model.Candle, error)
	ActiveMarkets(ctx context.Context, since time.Time, limit int) ([]string, error)
}

// TraderDirectory lists the wallets that traded a market.
type TraderDirectory interface {
	MarketTraders(ctx context.Context, marketID string) ([]string, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store implements the persistence contracts on PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	return pool.Ping(ctx)
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// unlock best effort; the session lock also ends with the connection
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// UpsertTrade inserts a trade keyed by signature. It reports false when the
// signature was already stored.
func (s *Store) UpsertTrade(ctx context.Context, trade model.TradeEvent) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}

	tag, execErr := pool.Exec(ctx, insertTradeSQL,
		trade.Signature,
		trade.MarketID,
		trade.Trader,
		string(trade.TradeType),
		trade.OutcomeIndex,
		trade.TokenAmount.String(),
		trade.SolAmount.String(),
		trade.Price.String(),
		int64(trade.Slot),
		trade.Timestamp.UTC(),
	)
	if execErr != nil {
		return false, fmt.Errorf("upsert trade: %w", execErr)
	}
	return tag.RowsAffected() > 0, nil
}

// UpsertMarketEvent inserts a lifecycle event keyed by signature and folds it
// into the markets row in the same transaction.
func (s *Store) UpsertMarketEvent(ctx context.Context, event model.MarketEvent) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}

	data := []byte(event.Data)
	if len(data) == 0 {
		data = []byte("{}")
	}

	inserted := false
	err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, insertMarketEventSQL,
			event.Signature,
			event.MarketID,
			string(event.EventType),
			data,
			int64(event.Slot),
			event.Timestamp.UTC(),
		)
		if err != nil {
			return fmt.Errorf("insert market event: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		inserted = true

		if _, err := tx.Exec(ctx, upsertMarketSQL,
			event.MarketID,
			event.ProgramAccount,
			marketStatus(string(event.EventType)),
			event.Timestamp.UTC(),
		); err != nil {
			return fmt.Errorf("upsert market: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

// LoadCheckpoint returns the stored checkpoint, or a zero-slot checkpoint when
// the program was never synced.
func (s *Store) LoadCheckpoint(ctx context.Context, programID string) (model.SyncCheckpoint, error) {
	pool, err := s.getPool()
	if err != nil {
		return model.SyncCheckpoint{}, err
	}

	var (
		cp   model.SyncCheckpoint
		slot int64
	)
	scanErr := pool.QueryRow(ctx, loadCheckpointSQL, programID).Scan(&cp.ProgramID, &slot, &cp.UpdatedAt)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return model.SyncCheckpoint{ProgramID: programID}, nil
	}
	if scanErr != nil {
		return model.SyncCheckpoint{}, fmt.Errorf("load checkpoint: %w", scanErr)
	}
	cp.LastProcessedSlot = uint64(slot)
	return cp, nil
}

// AdvanceCheckpoint raises the checkpoint to slot if it is higher and returns
// the stored value.
func (s *Store) AdvanceCheckpoint(ctx context.Context, programID string, slot uint64) (uint64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	var stored int64
	if scanErr := pool.QueryRow(ctx, advanceCheckpointSQL, programID, int64(slot)).Scan(&stored); scanErr != nil {
		return 0, fmt.Errorf("advance checkpoint: %w", scanErr)
	}
	return uint64(stored), nil
}

// MarketStats aggregates per-outcome prices and volume since the given time.
func (s *Store) MarketStats(ctx context.Context, marketID string, since time.Time) (MarketStats, error) {
	pool, err := s.getPool()
	if err != nil {
		return MarketStats{}, err
	}

	stats := MarketStats{MarketID: marketID}

	rows, queryErr := pool.Query(ctx, outcomeStatsSQL, marketID, since)
	if queryErr != nil {
		return MarketStats{}, fmt.Errorf("outcome stats: %w", queryErr)
	}
	for rows.Next() {
		var (
			o    OutcomeStats
			open *float64
		)
		if err := rows.Scan(&o.OutcomeIndex, &o.LastPrice, &open, &o.Volume, &o.LastTradeAt); err != nil {
			rows.Close()
			return MarketStats{}, err
		}
		o.OpenPrice = o.LastPrice
		if open != nil {
			o.OpenPrice = *open
		}
		stats.Outcomes = append(stats.Outcomes, o)
	}
	rows.Close()
	if rows.Err() != nil {
		return MarketStats{}, rows.Err()
	}

	var first, last *time.Time
	if err := pool.QueryRow(ctx, marketTotalsSQL, marketID).Scan(&stats.TotalVolume, &stats.TraderCount, &first, &last); err != nil {
		return MarketStats{}, fmt.Errorf("market totals: %w", err)
	}
	if first != nil {
		stats.CreatedAt = first.UTC()
	}
	if last != nil {
		stats.LastTradeAt = last.UTC()
	}

	var createdAt time.Time
	rowErr := pool.QueryRow(ctx, marketRowSQL, marketID).Scan(&stats.ProgramAccount, &stats.Status, &createdAt)
	switch {
	case errors.Is(rowErr, pgx.ErrNoRows):
		if len(stats.Outcomes) == 0 {
			return MarketStats{}, ErrMarketNotFound
		}
		stats.Status = "active"
	case rowErr != nil:
		return MarketStats{}, fmt.Errorf("market row: %w", rowErr)
	default:
		if stats.CreatedAt.IsZero() || createdAt.Before(stats.CreatedAt) {
			stats.CreatedAt = createdAt.UTC()
		}
	}

	return stats, nil
}

// ChartCandles buckets an outcome's trades into OHLCV candles.
func (s *Store) ChartCandles(ctx context.Context, marketID string, outcome int, bucket Bucket, since time.Time) ([]model.Candle, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, chartCandlesSQL, marketID, outcome, string(bucket), since)
	if queryErr != nil {
		return nil, fmt.Errorf("chart candles: %w", queryErr)
	}
	defer rows.Close()

	candles := make([]model.Candle, 0)
	for rows.Next() {
		var c model.Candle
		if err := rows.Scan(&c.Bucket, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &c.Trades); err != nil {
			return nil, err
		}
		c.Bucket = c.Bucket.UTC()
		candles = append(candles, c)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return candles, nil
}

// ActiveMarkets lists markets traded since the given time, most recent first.
func (s *Store) ActiveMarkets(ctx context.Context, since time.Time, limit int) ([]string, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, activeMarketsSQL, since, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("active markets: %w", queryErr)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("active markets: %w", err)
	}
	return ids, nil
}

// MarketTraders lists the distinct traders of a market.
func (s *Store) MarketTraders(ctx context.Context, marketID string) ([]string, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, marketTradersSQL, marketID)
	if queryErr != nil {
		return nil, fmt.Errorf("market traders: %w", queryErr)
	}
	traders, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("market traders: %w", err)
	}
	return traders, nil
}

// RecentTrades lists the most recent trades ordered by descending time. An
// empty marketID lists every market.
func (s *Store) RecentTrades(ctx context.Context, marketID string, limit int) ([]model.TradeEvent, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, recentTradesSQL, limit, marketID)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent trades: %w", queryErr)
	}
	defer rows.Close()

	trades := make([]model.TradeEvent, 0, limit)
	for rows.Next() {
		trade, scanErr := scanTrade(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		trades = append(trades, trade)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return trades, nil
}

func scanTrade(rows pgx.Rows) (model.TradeEvent, error) {
	var (
		trade     model.TradeEvent
		tradeType string
		amountStr string
		solStr    string
		priceStr  string
		slot      int64
	)
	if err := rows.Scan(
		&trade.Signature,
		&trade.MarketID,
		&trade.Trader,
		&tradeType,
		&trade.OutcomeIndex,
		&amountStr,
		&solStr,
		&priceStr,
		&slot,
		&trade.Timestamp,
	); err != nil {
		return model.TradeEvent{}, err
	}

	var err error
	if trade.TokenAmount, err = decimal.NewFromString(amountStr); err != nil {
		return model.TradeEvent{}, fmt.Errorf("parse token amount: %w", err)
	}
	if trade.SolAmount, err = decimal.NewFromString(solStr); err != nil {
		return model.TradeEvent{}, fmt.Errorf("parse sol amount: %w", err)
	}
	if trade.Price, err = decimal.NewFromString(priceStr); err != nil {
		return model.TradeEvent{}, fmt.Errorf("parse price: %w", err)
	}
	trade.TradeType = model.TradeType(tradeType)
	trade.Slot = uint64(slot)
	trade.Timestamp = trade.Timestamp.UTC()
	return trade, nil
}

var (
	_ EventStore      = (*Store)(nil)
	_ CheckpointStore = (*Store)(nil)
	_ MarketReader    = (*Store)(nil)
	_ TraderDirectory = (*Store)(nil)
	_ AdvisoryLocker  = (*Store)(nil)
)
