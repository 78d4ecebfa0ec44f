package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-faster/errors"
	"github.com/spf13/pflag"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/MarketRaker/trading-bot-example-code/channels/marketraker"
	"github.com/MarketRaker/trading-bot-example-code/config"
	"github.com/MarketRaker/trading-bot-example-code/engine"
	"github.com/MarketRaker/trading-bot-example-code/exchanges"
	"github.com/MarketRaker/trading-bot-example-code/exchanges/binance"
	"github.com/MarketRaker/trading-bot-example-code/exchanges/bybit"
	"github.com/MarketRaker/trading-bot-example-code/feed"
	"github.com/MarketRaker/trading-bot-example-code/logger"
	"github.com/MarketRaker/trading-bot-example-code/metrics"
	"github.com/MarketRaker/trading-bot-example-code/monitor"
	"github.com/MarketRaker/trading-bot-example-code/storage/journal"
	"github.com/MarketRaker/trading-bot-example-code/storage/ledger"
	"github.com/MarketRaker/trading-bot-example-code/strategy"
	"github.com/MarketRaker/trading-bot-example-code/telegram_engine/bot"
	"github.com/MarketRaker/trading-bot-example-code/webhook"
)

const shutdownTimeout = 30 * time.Second

func main() {
	fs := pflag.NewFlagSet(os.Args[0], pflag.ExitOnError)
	config.RegisterFlags(fs)
	_ = fs.Parse(os.Args[1:])

	cfg, err := config.LoadConfig(fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("exited with error", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
}

func newExchange(cfg *config.Config, log *zap.Logger) (exchanges.Exchange, error) {
	v := cfg.Venue()
	switch cfg.Exchange {
	case binance.Name:
		return binance.New(binance.Config{
			APIKey:            v.APIKey,
			APISecret:         v.APISecret,
			BaseURL:           v.BaseURL,
			StreamURL:         v.StreamURL,
			RecvWindow:        v.RecvWindow,
			RateLimit:         v.RateLimit,
			Burst:             v.Burst,
			MaxRetries:        v.MaxRetries,
			QuantityPrecision: v.QuantityPrecision,
			Heartbeat:         cfg.Monitor.HeartbeatInterval,
		}, log), nil
	case bybit.Name:
		return bybit.New(bybit.Config{
			APIKey:            v.APIKey,
			APISecret:         v.APISecret,
			BaseURL:           v.BaseURL,
			StreamURL:         v.StreamURL,
			Category:          v.Category,
			RecvWindow:        v.RecvWindow,
			RateLimit:         v.RateLimit,
			Burst:             v.Burst,
			MaxRetries:        v.MaxRetries,
			QuantityPrecision: v.QuantityPrecision,
			Heartbeat:         cfg.Monitor.HeartbeatInterval,
		}, log), nil
	default:
		return nil, errors.Errorf("unknown exchange %q", cfg.Exchange)
	}
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) (err error) {
	ex, err := newExchange(cfg, log)
	if err != nil {
		return err
	}
	strategies, err := strategy.Build(cfg.Strategy.Enabled, strategy.Params{
		MomentumThreshold: cfg.Strategy.MomentumThreshold,
		ReversalThreshold: cfg.Strategy.ReversalThreshold,
	})
	if err != nil {
		return errors.Wrap(err, "build strategies")
	}
	if cfg.MarketRaker.PublicKey == "" {
		log.Warn("marketraker.public_key is empty, every notification will fail verification")
	}
	parser := marketraker.NewParser(cfg.MarketRaker.PublicKey, log)

	positions, err := journal.Open(cfg.Storage.JournalPath)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, positions.Close()) }()

	stale, err := positions.MarkStale("process restarted while monitoring")
	if err != nil {
		return errors.Wrap(err, "reconcile journal")
	}
	for _, rec := range stale {
		log.Warn("position left open by a previous run",
			zap.String("id", rec.Position.ID),
			zap.String("symbol", rec.Position.Symbol),
			zap.String("side", string(rec.Position.Side)),
			zap.String("order_id", rec.Position.OrderID),
		)
	}

	seen, err := ledger.Open(cfg.Storage.LedgerPath, cfg.MarketRaker.DedupeTTL, nil)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, seen.Close()) }()

	opts := []engine.Option{engine.WithJournal(positions), engine.WithLedger(seen)}
	var notifier *bot.Notifier
	if cfg.Telegram.Token != "" {
		notifier, err = bot.New(cfg.Telegram.Token, cfg.Telegram.ChatID, ex.Name(), positions, log)
		if err != nil {
			return err
		}
		opts = append(opts, engine.WithNotifier(notifier))
	}

	eng := engine.New(engine.Config{
		RejectUnverified:     cfg.MarketRaker.RejectUnverified,
		AcceptableRisk:       cfg.MarketRaker.AcceptableRisk,
		DropInvertedStoploss: cfg.Monitor.DropInvertedStoploss,
		Monitor: monitor.Params{
			TargetPercent: cfg.Monitor.TargetPercent,
			Window:        cfg.Monitor.Window,
		},
	}, parser, ex, strategies, log, opts...)
	listeners := feed.New(ex, log)

	srv := webhook.NewServer(webhook.Options{
		Addr:         cfg.Server.Addr,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}, webhook.NewHandler(eng, listeners, log))

	servers := []*http.Server{srv}
	if cfg.Metrics.Enabled {
		servers = append(servers, metrics.NewServer(cfg.Metrics.Addr))
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range servers {
		s := s
		g.Go(func() error {
			log.Info("listening", zap.String("addr", s.Addr))
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return errors.Wrapf(err, "serve %s", s.Addr)
			}
			return nil
		})
	}
	if notifier != nil {
		g.Go(func() error { return notifier.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs error
		for _, s := range servers {
			errs = multierr.Append(errs, s.Shutdown(shutdownCtx))
		}
		listeners.Close()
		errs = multierr.Append(errs, eng.Shutdown(shutdownCtx))
		return errs
	})

	log.Info("marketraker gateway started",
		zap.String("exchange", ex.Name()),
		zap.Strings("strategies", cfg.Strategy.Enabled),
		zap.Bool("reject_unverified", cfg.MarketRaker.RejectUnverified),
	)
	return g.Wait()
}
