// Package store is the persistence layer: deduplicating batched upserts of
// candles, funding rates and open interest into a time-partitioned SQL store,
// with post-commit notifications toward the bus.
//
// Rows are keyed by (market_id, time). Each market has a single in-process
// writer, so upsert-by-natural-key is safe without version columns:
// corrections for the same interval intentionally supersede earlier values.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"kirby/internal/catalog"
	"kirby/internal/model"
	"kirby/internal/timegrid"
)

// ErrStorageUnavailable is returned once transient-error retries are
// exhausted. The writing collector treats it as fatal and lets the
// supervisor restart it with fresh backoff.
var ErrStorageUnavailable = errors.New("storage unavailable")

const (
	// shutdownGrace bounds the final flush of partial batches on stop.
	shutdownGrace = 10 * time.Second
	// opTimeout bounds a single storage operation before it is retried.
	opTimeout = 5 * time.Second
)

// Config configures the store.
type Config struct {
	Driver        string // "sqlite3" or "postgres"
	DSN           string
	PoolSize      int
	BatchSize     int
	FlushInterval time.Duration
	QueueSize     int
}

func (c *Config) fillDefaults() {
	if c.Driver == "" {
		c.Driver = "sqlite3"
	}
	if c.DSN == "" {
		c.DSN = ":memory:"
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 10
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 200 * time.Millisecond
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 4096
	}
}

// Store owns the database handle, the per-entity write batchers and the
// read-side head cache.
type Store struct {
	db       *sqlx.DB
	cfg      Config
	cat      *catalog.Catalog
	notifier Notifier
	log      zerolog.Logger

	candles *batcher[model.Candle]
	funding *batcher[model.FundingRate]
	oi      *batcher[model.OpenInterest]

	heads *headCache

	wg sync.WaitGroup
}

// Open connects to the configured database, creates the schema when missing
// and wires the write batchers. Call Run to start them and Close on shutdown.
func Open(cfg Config, cat *catalog.Catalog, notifier Notifier, log zerolog.Logger) (*Store, error) {
	cfg.fillDefaults()
	if notifier == nil {
		notifier = NopNotifier{}
	}

	db, err := sqlx.Connect(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("store: connect %s: %w", cfg.Driver, err)
	}
	if cfg.Driver == "sqlite3" {
		// sqlite is a single-writer engine; more connections just contend.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(cfg.PoolSize)
		db.SetMaxIdleConns(cfg.PoolSize)
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: schema: %w", err)
	}
	if err := syncMarkets(db, cat); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: sync markets: %w", err)
	}

	s := &Store{
		db:       db,
		cfg:      cfg,
		cat:      cat,
		notifier: notifier,
		log:      log.With().Str("component", "store").Logger(),
		heads:    newHeadCache(),
	}
	s.candles = newBatcher(model.EntityCandle, cfg, s.flushCandles)
	s.funding = newBatcher(model.EntityFundingRate, cfg, s.flushFunding)
	s.oi = newBatcher(model.EntityOpenInterest, cfg, s.flushOpenInterest)

	s.log.Info().Str("driver", cfg.Driver).Int("batch_size", cfg.BatchSize).
		Dur("flush_interval", cfg.FlushInterval).Msg("store opened")
	return s, nil
}

// Run starts the three batch writers and blocks until ctx is cancelled and
// the final flushes complete.
func (s *Store) Run(ctx context.Context) {
	s.wg.Add(3)
	go func() { defer s.wg.Done(); s.candles.run(ctx, s.log) }()
	go func() { defer s.wg.Done(); s.funding.run(ctx, s.log) }()
	go func() { defer s.wg.Done(); s.oi.run(ctx, s.log) }()
	s.wg.Wait()
}

// Close closes the database handle. Call after Run has returned.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the handle for health checks.
func (s *Store) DB() *sqlx.DB { return s.db }

// UpsertCandle validates and enqueues a candle. Blocks when the queue is
// full: back-pressure propagates to the producing collector, rows are never
// dropped on the write path.
func (s *Store) UpsertCandle(ctx context.Context, c model.Candle) error {
	m, ok := s.cat.Lookup(c.MarketID)
	if !ok {
		return fmt.Errorf("store: candle for unknown market %d", c.MarketID)
	}
	if !timegrid.Aligned(c.Time, m.Interval.Seconds) {
		return fmt.Errorf("store: candle market=%d time=%s not aligned to %ds",
			c.MarketID, c.Time.Format(time.RFC3339), m.Interval.Seconds)
	}
	if err := c.Validate(); err != nil {
		return err
	}
	return s.candles.enqueue(ctx, c)
}

// UpsertFundingRate validates and enqueues a funding row (minute-aligned).
func (s *Store) UpsertFundingRate(ctx context.Context, f model.FundingRate) error {
	if _, ok := s.cat.Lookup(f.MarketID); !ok {
		return fmt.Errorf("store: funding for unknown market %d", f.MarketID)
	}
	if !timegrid.Aligned(f.Time, 60) {
		return fmt.Errorf("store: funding market=%d time=%s not minute-aligned",
			f.MarketID, f.Time.Format(time.RFC3339))
	}
	return s.funding.enqueue(ctx, f)
}

// UpsertOpenInterest validates and enqueues an open-interest row.
func (s *Store) UpsertOpenInterest(ctx context.Context, o model.OpenInterest) error {
	if _, ok := s.cat.Lookup(o.MarketID); !ok {
		return fmt.Errorf("store: open interest for unknown market %d", o.MarketID)
	}
	if !timegrid.Aligned(o.Time, 60) {
		return fmt.Errorf("store: open interest market=%d time=%s not minute-aligned",
			o.MarketID, o.Time.Format(time.RFC3339))
	}
	return s.oi.enqueue(ctx, o)
}

// flushCandles commits one batch and emits post-commit events in batch order.
func (s *Store) flushCandles(ctx context.Context, batch []model.Candle) error {
	q := s.db.Rebind(`
		INSERT INTO candles (market_id, time, open, high, low, close, volume, num_trades)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (market_id, time) DO UPDATE SET
			open = excluded.open, high = excluded.high, low = excluded.low,
			close = excluded.close, volume = excluded.volume, num_trades = excluded.num_trades`)

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, c := range batch {
			if _, err := tx.ExecContext(ctx, q,
				c.MarketID, c.Time.Unix(), c.Open, c.High, c.Low, c.Close, c.Volume, c.NumTrades); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, c := range batch {
		s.heads.put(c)
		s.notifier.Publish(candleEvent(c))
	}
	return nil
}

func (s *Store) flushFunding(ctx context.Context, batch []model.FundingRate) error {
	q := s.db.Rebind(`
		INSERT INTO funding_rates (market_id, time, funding_rate, premium, mark_price,
			index_price, oracle_price, mid_price, next_funding_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (market_id, time) DO UPDATE SET
			funding_rate = excluded.funding_rate, premium = excluded.premium,
			mark_price = excluded.mark_price, index_price = excluded.index_price,
			oracle_price = excluded.oracle_price, mid_price = excluded.mid_price,
			next_funding_time = excluded.next_funding_time`)

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, f := range batch {
			var next interface{}
			if f.NextFundingTime != nil {
				next = f.NextFundingTime.Unix()
			}
			if _, err := tx.ExecContext(ctx, q,
				f.MarketID, f.Time.Unix(), f.FundingRate, f.Premium, f.MarkPrice,
				f.IndexPrice, f.OraclePrice, f.MidPrice, next); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, f := range batch {
		s.notifier.Publish(fundingEvent(f))
	}
	return nil
}

func (s *Store) flushOpenInterest(ctx context.Context, batch []model.OpenInterest) error {
	q := s.db.Rebind(`
		INSERT INTO open_interest (market_id, time, open_interest, notional_value,
			day_base_volume, day_notional_volume)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (market_id, time) DO UPDATE SET
			open_interest = excluded.open_interest, notional_value = excluded.notional_value,
			day_base_volume = excluded.day_base_volume, day_notional_volume = excluded.day_notional_volume`)

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, o := range batch {
			if _, err := tx.ExecContext(ctx, q,
				o.MarketID, o.Time.Unix(), o.OpenInterest, o.NotionalValue,
				o.DayBaseVolume, o.DayNotionalVolume); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, o := range batch {
		s.notifier.Publish(openInterestEvent(o))
	}
	return nil
}

// inTx runs fn inside a transaction with the per-operation timeout.
func (s *Store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tx, err := s.db.BeginTxx(opCtx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
