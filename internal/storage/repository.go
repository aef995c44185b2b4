package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const sampleColumns = `
        bucket_ts,
        symbol,
        mid_price,
        funding_rate,
        annualized_pct,
        mark_price,
        oracle_price,
        premium,
        mid_source,
        decision,
        status,
        error,
        created_at`

const tradeColumns = `
        id,
        client_order_id,
        bucket_ts,
        symbol,
        side,
        notional_usd,
        size,
        reference_price,
        limit_price,
        leverage,
        annualized_pct,
        status,
        exchange_order_id,
        filled_size,
        avg_price,
        error,
        created_at`

const (
	upsertSampleSQL = `INSERT INTO funding_samples (
        bucket_ts,
        symbol,
        mid_price,
        funding_rate,
        annualized_pct,
        mark_price,
        oracle_price,
        premium,
        mid_source,
        decision,
        status,
        error
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
    )
    ON CONFLICT (bucket_ts, symbol) DO UPDATE
    SET
        mid_price      = EXCLUDED.mid_price,
        funding_rate   = EXCLUDED.funding_rate,
        annualized_pct = EXCLUDED.annualized_pct,
        mark_price     = EXCLUDED.mark_price,
        oracle_price   = EXCLUDED.oracle_price,
        premium        = EXCLUDED.premium,
        mid_source     = EXCLUDED.mid_source,
        decision       = EXCLUDED.decision,
        status         = EXCLUDED.status,
        error          = EXCLUDED.error;`

	listSamplesBetweenSQL = `SELECT` + sampleColumns + `
    FROM funding_samples
    WHERE bucket_ts >= $1
      AND bucket_ts < $2
      AND ($3 = '' OR symbol = $3)
    ORDER BY bucket_ts;`

	listRecentSamplesSQL = `SELECT` + sampleColumns + `
    FROM funding_samples
    WHERE ($2 = '' OR symbol = $2)
    ORDER BY bucket_ts DESC
    LIMIT $1;`

	countSamplesSQL = `SELECT COUNT(*) FROM funding_samples;`

	insertTradeSQL = `INSERT INTO trades (
        client_order_id,
        bucket_ts,
        symbol,
        side,
        notional_usd,
        size,
        reference_price,
        limit_price,
        leverage,
        annualized_pct,
        status,
        exchange_order_id,
        filled_size,
        avg_price,
        error
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15
    )
    ON CONFLICT (client_order_id) DO UPDATE
    SET status            = EXCLUDED.status,
        exchange_order_id = EXCLUDED.exchange_order_id,
        filled_size       = EXCLUDED.filled_size,
        avg_price         = EXCLUDED.avg_price,
        error             = EXCLUDED.error
    RETURNING` + tradeColumns + `;`

	listRecentTradesSQL = `SELECT` + tradeColumns + `
    FROM trades
    ORDER BY created_at DESC
    LIMIT $1;`

	lastTradeAtSQL = `SELECT created_at
    FROM trades
    WHERE symbol = $1
      AND side = $2
      AND status IN ('filled', 'resting', 'simulated')
    ORDER BY created_at DESC
    LIMIT 1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// SampleStore defines operations for funding sample persistence.
type SampleStore interface {
	UpsertSample(ctx context.Context, sample FundingSample) error
	ListSamplesBetween(ctx context.Context, symbol string, from, to time.Time) ([]FundingSample, error)
	ListRecentSamples(ctx context.Context, symbol string, limit int) ([]FundingSample, error)
	CountSamples(ctx context.Context) (int64, error)
}

// TradeStore defines operations for the trade audit log.
type TradeStore interface {
	InsertTrade(ctx context.Context, trade TradeRecord) (TradeRecord, error)
	ListRecentTrades(ctx context.Context, limit int) ([]TradeRecord, error)
	LastTradeAt(ctx context.Context, symbol, side string) (time.Time, bool, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to funding samples and trades.
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
		// a failed unlock is released with the session
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

// UpsertSample persists or updates a funding sample.
func (s *Store) UpsertSample(ctx context.Context, sample FundingSample) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var errMsg interface{}
	if sample.Error != nil {
		errMsg = *sample.Error
	}

	_, execErr := pool.Exec(ctx, upsertSampleSQL,
		sample.Bucket,
		sample.Symbol,
		sample.MidPrice.String(),
		sample.FundingRate.String(),
		sample.AnnualizedPct.String(),
		sample.MarkPrice.String(),
		sample.OraclePrice.String(),
		sample.Premium.String(),
		sample.MidSource,
		sample.Decision,
		sample.Status,
		errMsg,
	)
	if execErr != nil {
		return fmt.Errorf("upsert funding sample: %w", execErr)
	}
	return nil
}

// ListSamplesBetween lists samples within a time window, optionally for one symbol.
func (s *Store) ListSamplesBetween(ctx context.Context, symbol string, from, to time.Time) ([]FundingSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSamplesBetweenSQL, from, to, symbol)
	if queryErr != nil {
		return nil, fmt.Errorf("list samples between: %w", queryErr)
	}
	defer rows.Close()

	return collectSamples(rows, 0)
}

// ListRecentSamples lists the most recent samples ordered by descending bucket.
func (s *Store) ListRecentSamples(ctx context.Context, symbol string, limit int) ([]FundingSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentSamplesSQL, limit, symbol)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent samples: %w", queryErr)
	}
	defer rows.Close()

	return collectSamples(rows, limit)
}

// CountSamples counts stored samples.
func (s *Store) CountSamples(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countSamplesSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count samples: %w", scanErr)
	}
	return count, nil
}

// InsertTrade records a trade; re-inserting the same client order id updates its outcome.
func (s *Store) InsertTrade(ctx context.Context, trade TradeRecord) (TradeRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return TradeRecord{}, err
	}

	var oid interface{}
	if trade.ExchangeOrderID != nil {
		oid = *trade.ExchangeOrderID
	}
	var errMsg interface{}
	if trade.Error != nil {
		errMsg = *trade.Error
	}

	row := pool.QueryRow(ctx, insertTradeSQL,
		trade.ClientOrderID,
		trade.Bucket,
		trade.Symbol,
		trade.Side,
		trade.NotionalUSD.String(),
		trade.Size.String(),
		trade.ReferencePrice.String(),
		trade.LimitPrice.String(),
		trade.Leverage,
		trade.AnnualizedPct.String(),
		trade.Status,
		oid,
		trade.FilledSize.String(),
		trade.AvgPrice.String(),
		errMsg,
	)

	rec, scanErr := scanTrade(row)
	if scanErr != nil {
		return TradeRecord{}, fmt.Errorf("insert trade: %w", scanErr)
	}
	return rec, nil
}

// ListRecentTrades lists the most recent trades.
func (s *Store) ListRecentTrades(ctx context.Context, limit int) ([]TradeRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentTradesSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent trades: %w", queryErr)
	}
	defer rows.Close()

	trades := make([]TradeRecord, 0, limit)
	for rows.Next() {
		rec, scanErr := scanTrade(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		trades = append(trades, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return trades, nil
}

// LastTradeAt returns when symbol was last traded on side.
func (s *Store) LastTradeAt(ctx context.Context, symbol, side string) (time.Time, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return time.Time{}, false, err
	}

	var at time.Time
	if scanErr := pool.QueryRow(ctx, lastTradeAtSQL, symbol, side).Scan(&at); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("last trade at: %w", scanErr)
	}
	return at, true, nil
}

func collectSamples(rows pgx.Rows, capacity int) ([]FundingSample, error) {
	samples := make([]FundingSample, 0, capacity)
	for rows.Next() {
		sample, scanErr := scanSample(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		samples = append(samples, sample)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return samples, nil
}

func scanSample(row pgx.Row) (FundingSample, error) {
	var (
		sample                                    FundingSample
		mid, funding, annualized, mark, oracle, p string
		errMsg                                    sql.NullString
	)

	if err := row.Scan(
		&sample.Bucket,
		&sample.Symbol,
		&mid,
		&funding,
		&annualized,
		&mark,
		&oracle,
		&p,
		&sample.MidSource,
		&sample.Decision,
		&sample.Status,
		&errMsg,
		&sample.CreatedAt,
	); err != nil {
		return FundingSample{}, err
	}

	values, err := parseDecimals(
		namedDecimal{"mid price", mid},
		namedDecimal{"funding rate", funding},
		namedDecimal{"annualized pct", annualized},
		namedDecimal{"mark price", mark},
		namedDecimal{"oracle price", oracle},
		namedDecimal{"premium", p},
	)
	if err != nil {
		return FundingSample{}, err
	}
	sample.MidPrice, sample.FundingRate, sample.AnnualizedPct = values[0], values[1], values[2]
	sample.MarkPrice, sample.OraclePrice, sample.Premium = values[3], values[4], values[5]

	if errMsg.Valid {
		msg := errMsg.String
		sample.Error = &msg
	}
	return sample, nil
}

func scanTrade(row pgx.Row) (TradeRecord, error) {
	var (
		rec                                      TradeRecord
		notional, size, ref, limitPx, annualized string
		filled, avg                              string
		oid                                      sql.NullInt64
		errMsg                                   sql.NullString
	)

	if err := row.Scan(
		&rec.ID,
		&rec.ClientOrderID,
		&rec.Bucket,
		&rec.Symbol,
		&rec.Side,
		&notional,
		&size,
		&ref,
		&limitPx,
		&rec.Leverage,
		&annualized,
		&rec.Status,
		&oid,
		&filled,
		&avg,
		&errMsg,
		&rec.CreatedAt,
	); err != nil {
		return TradeRecord{}, err
	}

	values, err := parseDecimals(
		namedDecimal{"notional", notional},
		namedDecimal{"size", size},
		namedDecimal{"reference price", ref},
		namedDecimal{"limit price", limitPx},
		namedDecimal{"annualized pct", annualized},
		namedDecimal{"filled size", filled},
		namedDecimal{"avg price", avg},
	)
	if err != nil {
		return TradeRecord{}, err
	}
	rec.NotionalUSD, rec.Size, rec.ReferencePrice, rec.LimitPrice = values[0], values[1], values[2], values[3]
	rec.AnnualizedPct, rec.FilledSize, rec.AvgPrice = values[4], values[5], values[6]

	if oid.Valid {
		value := oid.Int64
		rec.ExchangeOrderID = &value
	}
	if errMsg.Valid {
		msg := errMsg.String
		rec.Error = &msg
	}
	return rec, nil
}

type namedDecimal struct {
	name  string
	value string
}

func parseDecimals(fields ...namedDecimal) ([]decimal.Decimal, error) {
	out := make([]decimal.Decimal, len(fields))
	for i, f := range fields {
		d, err := decimal.NewFromString(f.value)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", f.name, err)
		}
		out[i] = d
	}
	return out, nil
}
