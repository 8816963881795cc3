package main

import (
	"context"
	"time"

	"go.uber.org/zap"

	"spot-grid/internal/alert"
	"spot-grid/internal/config"
	"spot-grid/internal/engine"
	"spot-grid/internal/exchange/binance"
	"spot-grid/internal/exchange/paper"
	"spot-grid/internal/logging"
	"spot-grid/internal/metrics"
	"spot-grid/internal/safety"
)

// app is what every config-driven command starts from.
type app struct {
	cfg    config.Config
	logger *zap.Logger
	alerts *alert.Manager
}

func loadApp(path string) (*app, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	logger = logger.With(
		zap.String("mode", string(cfg.Mode)),
		zap.String("pair", cfg.Symbol),
		zap.String("instance_id", cfg.InstanceID),
	)
	alerts, err := buildAlertManager(cfg, logger)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, logger: logger, alerts: alerts}, nil
}

func (a *app) close() {
	if a.alerts != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.alerts.Close(closeCtx); err != nil {
			a.logger.Warn("alert_manager_close_failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}

// alerter keeps a disabled manager out of the interface so nil checks hold.
func (a *app) alerter() alert.Alerter {
	if a.alerts == nil {
		return nil
	}
	return a.alerts
}

func buildAlertManager(cfg config.Config, logger *zap.Logger) (*alert.Manager, error) {
	tg := cfg.Observability.Telegram
	if !tg.Enabled {
		return nil, nil
	}
	notifier, err := alert.NewTelegramNotifier(alert.TelegramOptions{
		BotToken: tg.BotToken,
		ChatID:   tg.ChatID,
		BaseURL:  tg.APIBaseURL,
		Timeout:  time.Duration(tg.TimeoutSec) * time.Second,
	})
	if err != nil {
		return nil, err
	}
	return alert.NewManagerWithOptions(string(cfg.Mode), cfg.Symbol, notifier, alert.ManagerOptions{
		DropReportInterval: time.Duration(cfg.Observability.Runtime.AlertDropReportSec) * time.Second,
		Throttle:           time.Duration(cfg.Observability.Runtime.AlertThrottleSec) * time.Second,
		Logger:             logger,
	}), nil
}

func exchangeOptions(cfg config.Config, logger *zap.Logger) binance.Options {
	ex := cfg.Exchange
	return binance.Options{
		APIKey:            ex.APIKey,
		APISecret:         ex.APISecret,
		RestBaseURL:       ex.RestBaseURL,
		WSBaseURL:         ex.WSBaseURL,
		ClientOrderPrefix: ex.ClientOrderPrefix,
		RecvWindow:        time.Duration(ex.RecvWindowMs) * time.Millisecond,
		HTTPTimeout:       time.Duration(ex.HTTPTimeoutSec) * time.Second,
		RequestsPerSecond: ex.RequestsPerSecond,
		Burst:             ex.Burst,
		Logger:            logger,
	}
}

// quoteClient serves unsigned prices and rules for every mode that has a
// venue to ask: the account venue for testnet/live, the public one for paper.
func quoteClient(cfg config.Config, logger *zap.Logger) *binance.Client {
	opts := exchangeOptions(cfg, logger)
	if cfg.Mode == config.ModePaper {
		opts.RestBaseURL = cfg.Paper.PriceBaseURL
	}
	return binance.NewPublicClient(opts)
}

func newPaperVenue(cfg config.Config) (*paper.Venue, error) {
	switch cfg.Mode {
	case config.ModeBacktest:
		bt := cfg.Backtest
		return paper.NewVenue(cfg.Symbol, paper.Config{
			Rules:    bt.Rules.Core(),
			Base:     bt.InitialBase.Decimal,
			Quote:    bt.InitialQuote.Decimal,
			MakerFee: bt.MakerFee.Decimal,
		})
	default:
		pp := cfg.Paper
		return paper.NewVenue(cfg.Symbol, paper.Config{
			Rules:    pp.Rules.Core(),
			Base:     pp.InitialBase.Decimal,
			Quote:    pp.InitialQuote.Decimal,
			MakerFee: pp.MakerFee.Decimal,
		})
	}
}

func newPollBreaker(cfg config.Config, logger *zap.Logger, alerter alert.Alerter) *safety.Breaker {
	cb := cfg.CircuitBreaker
	if !cb.Enabled {
		return nil
	}
	return safety.NewBreaker("poll", safety.Options{
		MaxFailures:       cb.MaxPollFailures,
		Cooldown:          time.Duration(cb.PollCooldownSec) * time.Second,
		HalfOpenSuccesses: cb.ProbePasses,
		Logger:            logger,
		Alerter:           alerter,
	})
}

func newReconnectBreaker(cfg config.Config, logger *zap.Logger, alerter alert.Alerter) *safety.Breaker {
	cb := cfg.CircuitBreaker
	if !cb.Enabled {
		return nil
	}
	return safety.NewBreaker("hint_reconnect", safety.Options{
		MaxFailures:       cb.MaxReconnectFailures,
		Cooldown:          time.Duration(cb.ReconnectCooldownSec) * time.Second,
		HalfOpenSuccesses: cb.ProbePasses,
		Logger:            logger,
		Alerter:           alerter,
	})
}

func engineOptions(a *app, m *metrics.Metrics, journal engine.Journal) engine.Options {
	return engine.Options{
		PollInterval: a.cfg.PollInterval(),
		HistoryLimit: a.cfg.HistoryLimit(),
		CallTimeout:  time.Duration(a.cfg.Engine.CallTimeoutSec) * time.Second,
		Logger:       a.logger,
		Metrics:      m,
		Journal:      journal,
		Alerter:      a.alerter(),
		PollBreaker:  newPollBreaker(a.cfg, a.logger, a.alerter()),
	}
}
