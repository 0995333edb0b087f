package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"trenches/engine"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS accounts (
    id              TEXT PRIMARY KEY,
    dollars         NUMERIC NOT NULL,
    tokens          NUMERIC NOT NULL,
    average_buy     NUMERIC NOT NULL,
    total_invested  NUMERIC NOT NULL,
    total_realized  NUMERIC NOT NULL,
    gains           NUMERIC NOT NULL,
    trade_count     INTEGER NOT NULL,
    initial_dollars NUMERIC NOT NULL,
    is_bot          BOOLEAN NOT NULL,
    created_at      TIMESTAMPTZ NOT NULL,
    last_active_at  TIMESTAMPTZ NOT NULL,
    saved_at        TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS account_operations (
    account_id  TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
    seq         INTEGER NOT NULL,
    kind        TEXT NOT NULL,
    quantity    NUMERIC NOT NULL,
    dollars     NUMERIC NOT NULL,
    price       NUMERIC NOT NULL,
    executed_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (account_id, seq)
);

CREATE TABLE IF NOT EXISTS market_snapshots (
    id           BIGSERIAL PRIMARY KEY,
    taken_at     TIMESTAMPTZ NOT NULL,
    price        NUMERIC NOT NULL,
    supply       NUMERIC NOT NULL,
    reserve_base NUMERIC NOT NULL,
    rug_detected BOOLEAN NOT NULL,
    payload      JSONB NOT NULL
);
`

const upsertAccountSQL = `
    INSERT INTO accounts (
        id, dollars, tokens, average_buy,
        total_invested, total_realized, gains, trade_count,
        initial_dollars, is_bot, created_at, last_active_at, saved_at
    )
    VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
    ON CONFLICT (id) DO UPDATE SET
        dollars         = EXCLUDED.dollars,
        tokens          = EXCLUDED.tokens,
        average_buy     = EXCLUDED.average_buy,
        total_invested  = EXCLUDED.total_invested,
        total_realized  = EXCLUDED.total_realized,
        gains           = EXCLUDED.gains,
        trade_count     = EXCLUDED.trade_count,
        initial_dollars = EXCLUDED.initial_dollars,
        last_active_at  = EXCLUDED.last_active_at,
        saved_at        = EXCLUDED.saved_at
`

const insertOperationSQL = `
    INSERT INTO account_operations (account_id, seq, kind, quantity, dollars, price, executed_at)
    VALUES ($1,$2,$3,$4,$5,$6,$7)
`

// PostgresStore keeps accounts, their bounded histories and market snapshots
// in Postgres. Money columns are NUMERIC and written as decimals.
type PostgresStore struct {
	db      *pgxpool.Pool
	timeout time.Duration
	now     func() time.Time
}

// NewPostgresStore connects and creates the schema when missing.
func NewPostgresStore(ctx context.Context, url string, timeout time.Duration) (*PostgresStore, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &PostgresStore{db: pool, timeout: timeout, now: time.Now}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return s, nil
}

func money(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v)
}

// SaveAccounts upserts every account and rewrites its operation history in
// one transaction.
func (s *PostgresStore) SaveAccounts(ctx context.Context, accounts []engine.Account) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	savedAt := s.now()
	batch := &pgx.Batch{}
	for _, acc := range accounts {
		batch.Queue(upsertAccountSQL,
			acc.ID,
			money(acc.Dollars),
			money(acc.Tokens),
			money(acc.AverageBuyPrice),
			money(acc.TotalInvested),
			money(acc.TotalRealized),
			money(acc.Gains),
			acc.TradeCount,
			money(acc.InitialDollars),
			acc.IsBot,
			acc.CreatedAt,
			acc.LastActiveAt,
			savedAt,
		)
		batch.Queue(`DELETE FROM account_operations WHERE account_id = $1`, acc.ID)
		for i, op := range acc.History {
			batch.Queue(insertOperationSQL,
				acc.ID,
				i,
				op.Kind.String(),
				money(op.Quantity),
				money(op.Dollars),
				money(op.Price),
				op.Timestamp,
			)
		}
	}

	results := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return fmt.Errorf("save accounts: %w", err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("save accounts: %w", err)
	}
	return tx.Commit(ctx)
}

// AppendMarket inserts one snapshot row with the candles as JSONB.
func (s *PostgresStore) AppendMarket(ctx context.Context, rec MarketRecord) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode market record: %w", err)
	}
	_, err = s.db.Exec(ctx, `
        INSERT INTO market_snapshots (taken_at, price, supply, reserve_base, rug_detected, payload)
        VALUES ($1,$2,$3,$4,$5,$6)
    `,
		rec.TakenAt,
		money(rec.Price),
		money(rec.Supply),
		money(rec.ReserveBase),
		rec.RugDetected,
		payload,
	)
	if err != nil {
		return fmt.Errorf("append market record: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}
