package store

import (
	"strings"

	"github.com/jmoiron/sqlx"

	"kirby/internal/catalog"
)

// createSchema creates the three time-series tables plus the market catalog
// table when they do not exist. Time columns hold epoch seconds; price
// columns hold decimal text. On sqlite the decimal columns get TEXT affinity:
// sqlite's NUMERIC affinity coerces a decimal string to REAL when the first
// 15 significant digits survive, which truncates longer mantissas. Postgres
// keeps NUMERIC, which stores the text exactly. Partitioning granularity is
// an operational concern handled outside the engine (e.g. timescale
// hypertables on postgres); the engine only requires atomic upsert by
// (market_id, time).
func createSchema(db *sqlx.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS markets (
			id               BIGINT PRIMARY KEY,
			exchange         TEXT    NOT NULL,
			coin             TEXT    NOT NULL,
			quote            TEXT    NOT NULL,
			market_type      TEXT    NOT NULL,
			interval_name    TEXT    NOT NULL,
			interval_seconds BIGINT  NOT NULL,
			active           BOOLEAN NOT NULL,
			display_name     TEXT    NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS candles (
			market_id  BIGINT  NOT NULL REFERENCES markets(id),
			time       BIGINT  NOT NULL,
			open       NUMERIC NOT NULL,
			high       NUMERIC NOT NULL,
			low        NUMERIC NOT NULL,
			close      NUMERIC NOT NULL,
			volume     NUMERIC NOT NULL,
			num_trades BIGINT,
			PRIMARY KEY (market_id, time)
		)`,
		`CREATE TABLE IF NOT EXISTS funding_rates (
			market_id         BIGINT  NOT NULL REFERENCES markets(id),
			time              BIGINT  NOT NULL,
			funding_rate      NUMERIC NOT NULL,
			premium           NUMERIC,
			mark_price        NUMERIC,
			index_price       NUMERIC,
			oracle_price      NUMERIC,
			mid_price         NUMERIC,
			next_funding_time BIGINT,
			PRIMARY KEY (market_id, time)
		)`,
		`CREATE TABLE IF NOT EXISTS open_interest (
			market_id           BIGINT  NOT NULL REFERENCES markets(id),
			time                BIGINT  NOT NULL,
			open_interest       NUMERIC NOT NULL,
			notional_value      NUMERIC NOT NULL,
			day_base_volume     NUMERIC NOT NULL,
			day_notional_volume NUMERIC NOT NULL,
			PRIMARY KEY (market_id, time)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_candles_time ON candles (time)`,
		`CREATE INDEX IF NOT EXISTS idx_funding_time ON funding_rates (time)`,
		`CREATE INDEX IF NOT EXISTS idx_oi_time ON open_interest (time)`,
	}
	for _, stmt := range stmts {
		if db.DriverName() == "sqlite3" {
			stmt = strings.ReplaceAll(stmt, "NUMERIC", "TEXT")
		}
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// syncMarkets mirrors the boot-time catalog into the markets table so the
// time-series foreign keys resolve. The catalog is authoritative; rows are
// upserted, never deleted.
func syncMarkets(db *sqlx.DB, cat *catalog.Catalog) error {
	q := db.Rebind(`
		INSERT INTO markets (id, exchange, coin, quote, market_type, interval_name, interval_seconds, active, display_name)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			exchange = excluded.exchange, coin = excluded.coin, quote = excluded.quote,
			market_type = excluded.market_type, interval_name = excluded.interval_name,
			interval_seconds = excluded.interval_seconds, active = excluded.active,
			display_name = excluded.display_name`)
	for _, m := range cat.All() {
		if _, err := db.Exec(q,
			m.ID, m.Exchange.Name, m.Coin.Name, m.Quote.Name, m.MarketType.Name,
			m.Interval.Name, m.Interval.Seconds, m.Active, m.DisplayName); err != nil {
			return err
		}
	}
	return nil
}
