package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"spot-grid/internal/backtest"
	"spot-grid/internal/config"
	"spot-grid/internal/engine"
	"spot-grid/internal/exchange"
	"spot-grid/internal/exchange/binance"
	"spot-grid/internal/metrics"
	"spot-grid/internal/store"
)

func newRunCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the grid in the configured mode until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(root.configPath)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if a.cfg.Mode == config.ModeBacktest {
				return runBacktest(ctx, a, cmd.OutOrStdout())
			}
			return runTrading(ctx, a)
		},
	}
}

func runBacktest(ctx context.Context, a *app, out io.Writer) error {
	cfg := a.cfg
	window, err := cfg.Backtest.Window()
	if err != nil {
		return err
	}
	feed, err := backtest.NewJSONLFeed(cfg.Backtest.DataPath, window)
	if err != nil {
		return err
	}
	venue, err := newPaperVenue(cfg)
	if err != nil {
		return err
	}
	var journal engine.Journal
	if cfg.JournalEnabled() {
		j, err := store.OpenJournal(cfg.Journal.Path)
		if err != nil {
			return err
		}
		defer j.Close()
		journal = j
	}

	opts := engineOptions(a, nil, journal)
	// a replay has no venue outage to ride out
	opts.PollBreaker = nil
	opts.Alerter = nil
	runner := engine.NewBacktestRunner(venue, feed, cfg.GridParams(), opts)
	defer runner.Close()

	drained := make(chan struct{})
	defer close(drained)
	go discardEvents(runner.Events(), drained)

	result, err := runner.Run(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Fprintln(out, "backtest canceled")
			return nil
		}
		return err
	}
	if skipped := feed.Skipped(); skipped > 0 {
		a.logger.Warn("backtest_lines_skipped", zap.Int("skipped", skipped))
	}
	printBacktestSummary(out, cfg.InstanceID, result)
	return nil
}

func discardEvents(events <-chan engine.Event, done <-chan struct{}) {
	for {
		select {
		case <-events:
		case <-done:
			return
		}
	}
}

func printBacktestSummary(out io.Writer, instanceID string, r engine.BacktestResult) {
	fmt.Fprintf(out,
		"summary instance=%s state=%s ticks=%d fills=%d trades=%d realized_pnl=%s start_price=%s end_price=%s total_return_pct=%s max_drawdown_pct=%s max_drawdown_quote=%s start_equity_quote=%s end_equity_quote=%s fees_paid_quote=%s final_base=%s final_quote=%s\n",
		instanceID,
		r.State,
		r.Ticks,
		r.Fills,
		len(r.Trades),
		r.RealizedPnL.String(),
		r.StartPrice.String(),
		r.EndPrice.String(),
		r.TotalReturnPct.StringFixed(4),
		r.MaxDrawdownPct.StringFixed(4),
		r.MaxDrawdownQuote.String(),
		r.StartEquityQuote.String(),
		r.EndEquityQuote.String(),
		r.FeesPaidQuote.String(),
		r.FinalBalances.FreeBase.Add(r.FinalBalances.LockedBase).String(),
		r.FinalBalances.FreeQuote.Add(r.FinalBalances.LockedQuote).String(),
	)
	for _, day := range r.DailyPnLQuoteSeries {
		fmt.Fprintf(out, "day date=%s pnl_quote=%s\n", day.Date, day.PnLQuote.String())
	}
}

// runTrading drives paper, testnet and live runs: one locked instance, one
// engine run, and the side goroutines it needs until ctx ends.
func runTrading(ctx context.Context, a *app) error {
	cfg := a.cfg
	key := store.LockKey{Mode: string(cfg.Mode), Pair: cfg.Symbol, InstanceID: cfg.InstanceID}
	lock, err := store.AcquireInstanceLock(cfg.State.Dir, key, store.LockOptions{
		TakeoverEnabled: cfg.LockTakeover(),
		StaleAfter:      time.Duration(cfg.State.LockStaleSec) * time.Second,
	})
	if err != nil {
		return err
	}
	defer func() {
		if relErr := lock.Release(); relErr != nil {
			a.logger.Warn("instance_lock_release_failed", zap.Error(relErr))
		}
	}()
	statusFile, err := store.NewStatusFile(cfg.State.Dir, key, a.logger)
	if err != nil {
		return err
	}

	var journal engine.Journal
	if cfg.JournalEnabled() {
		j, err := store.OpenJournal(cfg.Journal.Path)
		if err != nil {
			return err
		}
		defer j.Close()
		journal = j
	}

	m := metrics.New(cfg.Symbol)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	abort := func(err error) error {
		cancel()
		_ = g.Wait()
		return err
	}
	if cfg.Metrics.Listen != "" {
		g.Go(func() error {
			return m.Serve(gctx, cfg.Metrics.Listen, a.logger)
		})
	}

	opts := engineOptions(a, m, journal)
	gw, err := startVenue(gctx, g, a, &opts)
	if err != nil {
		return abort(err)
	}

	eng := engine.New(gw, opts)
	defer eng.Close()
	rec := newStatusRecorder(statusFile, eng, store.RuntimeStatus{
		Mode:       string(cfg.Mode),
		Pair:       cfg.Symbol,
		InstanceID: cfg.InstanceID,
		PID:        os.Getpid(),
		StartedAt:  time.Now().UTC(),
	}, a.logger)
	quit := make(chan struct{})
	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		rec.forward(eng.Events(), quit, statusDrainIdle)
	}()
	finish := func() {
		close(quit)
		<-forwarded
		rec.flush()
	}

	if err := eng.Start(gctx, cfg.GridParams()); err != nil {
		finish()
		return abort(err)
	}
	a.logger.Info("grid_started", zap.String("status_file", statusFile.Path()))

	<-gctx.Done()
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		eng.Stop()
	}()
	grace := time.Duration(cfg.Engine.ShutdownGraceSec) * time.Second
	select {
	case <-stopped:
	case <-time.After(grace):
		a.logger.Error("shutdown_grace_exceeded", zap.Duration("grace", grace))
	}
	finish()
	a.logger.Info("grid_finished",
		zap.String("state", string(eng.State())),
		zap.String("realized_pnl", eng.PnL().String()),
		zap.Int("trades", len(eng.Trades())),
	)
	cancel()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// startVenue builds the gateway for the mode and launches what feeds it:
// the price follower for paper, the push hint stream for an account venue.
func startVenue(ctx context.Context, g *errgroup.Group, a *app, opts *engine.Options) (exchange.Gateway, error) {
	cfg := a.cfg
	if cfg.Mode == config.ModePaper {
		venue, err := newPaperVenue(cfg)
		if err != nil {
			return nil, err
		}
		quotes := quoteClient(cfg, a.logger)
		price, err := quotes.GetPrice(ctx, cfg.Symbol)
		if err != nil {
			return nil, fmt.Errorf("seed paper price: %w", err)
		}
		venue.SetPrice(price)
		interval := time.Duration(cfg.Paper.PricePollSec) * time.Second
		g.Go(func() error {
			return venue.RunPriceFeed(ctx, quotes, interval, a.logger, nil)
		})
		return venue, nil
	}

	client, err := binance.NewClient(exchangeOptions(cfg, a.logger))
	if err != nil {
		return nil, err
	}
	if err := client.SyncTime(ctx); err != nil {
		// signed calls resync on their own after a timestamp rejection
		a.logger.Warn("server_time_sync_failed", zap.Error(err))
	}
	if cfg.Exchange.PushHints {
		stream := client.NewHintStream(cfg.Symbol, binance.HintOptions{
			Keepalive: time.Duration(cfg.Exchange.HintKeepaliveSec) * time.Second,
			Breaker:   newReconnectBreaker(cfg, a.logger, a.alerter()),
		})
		opts.Hints = stream.Hints()
		g.Go(func() error {
			if err := stream.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	return client, nil
}
