// kirbyd is the market data engine daemon: it collects live candles,
// funding rates and open interest from the exchange, persists them at minute
// granularity, and pushes committed rows to WebSocket subscribers.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"kirby/config"
	"kirby/internal/buffer"
	"kirby/internal/bus"
	"kirby/internal/catalog"
	"kirby/internal/collector"
	"kirby/internal/exchange/hyperliquid"
	"kirby/internal/gateway"
	"kirby/internal/metrics"
	"kirby/internal/model"
	"kirby/internal/store"
	"kirby/internal/store/redismirror"
	"kirby/internal/supervisor"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:           "kirbyd",
		Short:         "real-time market data ingest and broadcast engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to kirby.yaml")
	return cmd
}

func newLogger(cfg config.Log) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var log zerolog.Logger
	if cfg.Pretty {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		log = zerolog.New(os.Stderr)
	}
	return log.Level(level).With().Timestamp().Logger()
}

func run(cfg config.Config) error {
	log := newLogger(cfg.Log)

	cat, err := catalog.New(cfg.Markets)
	if err != nil {
		return fmt.Errorf("catalog: %w", err)
	}
	if len(cat.ActiveMarkets()) == 0 {
		return fmt.Errorf("catalog: no active markets configured")
	}
	log.Info().Int("markets", cat.Len()).Int("active", len(cat.ActiveMarkets())).Msg("catalog loaded")

	// Notifier chain: store -> commit counter -> optional redis mirror -> bus.
	liveBus := bus.New(log)
	var notifier store.Notifier = liveBus

	var mirror *redismirror.Mirror
	if cfg.Redis.Enabled {
		mirror, err = redismirror.New(redismirror.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, notifier, log)
		if err != nil {
			return err
		}
		notifier = mirror
	}

	// The gateway and buffers do not exist yet; the read funcs resolve them
	// at scrape time.
	var (
		server     *gateway.Server
		fundingBuf *buffer.Buffer[model.FundingRate]
		oiBuf      *buffer.Buffer[model.OpenInterest]
	)
	m := metrics.New(prometheus.DefaultRegisterer, metrics.Sources{
		BusDropped: liveBus.Dropped,
		BufferDropped: func() int64 {
			if fundingBuf == nil || oiBuf == nil {
				return 0
			}
			return fundingBuf.Dropped() + oiBuf.Dropped()
		},
		Sessions: func() int {
			if server == nil {
				return 0
			}
			return server.Sessions()
		},
	})
	notifier = m.WrapNotifier(notifier)

	st, err := store.Open(store.Config{
		Driver:        cfg.Storage.Driver,
		DSN:           cfg.Storage.DSN,
		PoolSize:      cfg.Storage.PoolSize,
		BatchSize:     cfg.Storage.BatchSize,
		FlushInterval: cfg.Storage.FlushInterval(),
		QueueSize:     cfg.Storage.QueueSize,
	}, cat, notifier, log)
	if err != nil {
		return err
	}
	defer st.Close()

	bufCfg := buffer.Config{FlushInterval: cfg.Buffer.MinuteFlushInterval()}
	fundingBuf = buffer.New("funding", bufCfg,
		func(f model.FundingRate) time.Time { return f.Time }, st.UpsertFundingRate, log)
	oiBuf = buffer.New("open_interest", bufCfg,
		func(o model.OpenInterest) time.Time { return o.Time }, st.UpsertOpenInterest, log)

	wire := hyperliquid.NewWire(cfg.Exchange.HyperliquidWSURL, log)
	specs := supervisor.Plan(cat, wire, st, fundingBuf, oiBuf, log)
	sup := supervisor.New(supervisor.Config{
		Collector: collector.Config{
			BackoffBase: cfg.Collector.BackoffBase(),
			BackoffCap:  cfg.Collector.BackoffCap(),
			IdleTimeout: cfg.Collector.IdleTimeout(),
		},
		LivenessInterval: cfg.Supervisor.LivenessInterval(),
		StopGrace:        cfg.Supervisor.ShutdownGrace(),
	}, specs, wire.Run, log)

	// A flush that exhausts its retries means storage is gone; restarting
	// the collectors gives them fresh backoff against a recovering database.
	st.SetFailureHandler(func(err error) {
		log.Error().Err(err).Msg("storage unavailable, restarting collectors")
		go sup.RestartAll()
	})

	server = gateway.NewServer(gateway.Config{
		ListenAddr:       cfg.Session.ListenAddr,
		QueueSize:        cfg.Session.OutboundQueueSize,
		MaxSessions:      cfg.Session.MaxSessions,
		MaxSubscriptions: cfg.Session.MaxSubscriptions,
		Heartbeat:        cfg.Session.Heartbeat(),
	}, cat, st, liveBus, func(ctx context.Context) error {
		return st.DB().PingContext(ctx)
	}, log)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Ingest, buffers and storage stop in that order so every observed row
	// still reaches its final flush.
	ingestCtx, cancelIngest := context.WithCancel(context.Background())
	bufCtx, cancelBuf := context.WithCancel(context.Background())
	storeCtx, cancelStore := context.WithCancel(context.Background())
	gwCtx, cancelGw := context.WithCancel(context.Background())
	defer cancelIngest()
	defer cancelBuf()
	defer cancelStore()
	defer cancelGw()

	var ingestWG, bufWG, storeWG, gwWG sync.WaitGroup

	storeWG.Add(1)
	go func() { defer storeWG.Done(); st.Run(storeCtx) }()

	bufWG.Add(2)
	go func() { defer bufWG.Done(); fundingBuf.Run(bufCtx) }()
	go func() { defer bufWG.Done(); oiBuf.Run(bufCtx) }()

	if mirror != nil {
		storeWG.Add(1)
		go func() { defer storeWG.Done(); mirror.Run(storeCtx) }()
		defer mirror.Close()
	}

	ingestWG.Add(1)
	go func() { defer ingestWG.Done(); sup.Run(ingestCtx) }()

	go m.Poll(gwCtx, metrics.Sources{States: sup.States}, 10*time.Second)

	gwErr := make(chan error, 1)
	gwWG.Add(1)
	go func() {
		defer gwWG.Done()
		if err := server.Run(gwCtx); err != nil {
			gwErr <- err
		}
	}()

	log.Info().Msg("kirbyd running")
	select {
	case <-rootCtx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-gwErr:
		log.Error().Err(err).Msg("gateway failed")
	}

	cancelIngest()
	ingestWG.Wait()
	cancelBuf()
	bufWG.Wait()
	cancelStore()
	storeWG.Wait()
	cancelGw()
	gwWG.Wait()

	log.Info().Msg("kirbyd stopped")
	return nil
}
