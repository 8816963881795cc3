package config

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"spot-grid/internal/backtest"
	"spot-grid/internal/core"
	"spot-grid/internal/grid"
)

type Mode string

const (
	ModeBacktest Mode = "backtest"
	ModePaper    Mode = "paper"
	ModeTestnet  Mode = "testnet"
	ModeLive     Mode = "live"
)

// UsesExchange reports whether the mode trades against a real Binance
// account.
func (m Mode) UsesExchange() bool {
	return m == ModeTestnet || m == ModeLive
}

type Config struct {
	Mode           Mode                 `yaml:"mode"`
	Symbol         string               `yaml:"symbol"`
	InstanceID     string               `yaml:"instance_id"`
	Grid           GridConfig           `yaml:"grid"`
	Engine         EngineConfig         `yaml:"engine"`
	Exchange       ExchangeConfig       `yaml:"exchange"`
	Paper          PaperConfig          `yaml:"paper"`
	Backtest       BacktestConfig       `yaml:"backtest"`
	State          StateConfig          `yaml:"state"`
	Journal        JournalConfig        `yaml:"journal"`
	Metrics        MetricsConfig        `yaml:"metrics"`
	Log            LogConfig            `yaml:"log"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Observability  ObservabilityConfig  `yaml:"observability"`
}

type GridConfig struct {
	Lower      Decimal `yaml:"lower"`
	Upper      Decimal `yaml:"upper"`
	Count      int     `yaml:"count"`
	Investment Decimal `yaml:"investment"`
}

type EngineConfig struct {
	PollIntervalMs int64 `yaml:"poll_interval_ms"`
	// HistoryLimit of 0 means max(50, 2*grid.count).
	HistoryLimit     int   `yaml:"history_limit"`
	CallTimeoutSec   int64 `yaml:"call_timeout_sec"`
	ShutdownGraceSec int64 `yaml:"shutdown_grace_sec"`
}

type ExchangeConfig struct {
	APIKey            string  `yaml:"api_key"`
	APISecret         string  `yaml:"api_secret"`
	RestBaseURL       string  `yaml:"rest_base_url"`
	WSBaseURL         string  `yaml:"ws_base_url"`
	ClientOrderPrefix string  `yaml:"client_order_prefix"`
	RecvWindowMs      int64   `yaml:"recv_window_ms"`
	HTTPTimeoutSec    int64   `yaml:"http_timeout_sec"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
	PushHints         bool    `yaml:"push_hints"`
	HintKeepaliveSec  int64   `yaml:"hint_keepalive_sec"`
}

type RulesConfig struct {
	MinQty      Decimal `yaml:"min_qty"`
	MinNotional Decimal `yaml:"min_notional"`
	PriceTick   Decimal `yaml:"price_tick"`
	QtyStep     Decimal `yaml:"qty_step"`
}

func (r RulesConfig) Core() core.Rules {
	return core.Rules{
		MinQty:      r.MinQty.Decimal,
		MinNotional: r.MinNotional.Decimal,
		PriceTick:   r.PriceTick.Decimal,
		QtyStep:     r.QtyStep.Decimal,
	}
}

func (r RulesConfig) validate(prefix string) error {
	if r.MinQty.Cmp(decimal.Zero) < 0 {
		return fmt.Errorf("%s.rules.min_qty must be >= 0", prefix)
	}
	if r.MinNotional.Cmp(decimal.Zero) < 0 {
		return fmt.Errorf("%s.rules.min_notional must be >= 0", prefix)
	}
	if r.PriceTick.Cmp(decimal.Zero) < 0 {
		return fmt.Errorf("%s.rules.price_tick must be >= 0", prefix)
	}
	if r.QtyStep.Cmp(decimal.Zero) < 0 {
		return fmt.Errorf("%s.rules.qty_step must be >= 0", prefix)
	}
	return nil
}

// PaperConfig drives the in-memory venue with public Binance prices.
type PaperConfig struct {
	InitialBase  Decimal     `yaml:"initial_base"`
	InitialQuote Decimal     `yaml:"initial_quote"`
	MakerFee     Decimal     `yaml:"maker_fee"`
	Rules        RulesConfig `yaml:"rules"`
	PricePollSec int64       `yaml:"price_poll_sec"`
	PriceBaseURL string      `yaml:"price_base_url"`
}

type BacktestConfig struct {
	DataPath     string      `yaml:"data_path"`
	From         string      `yaml:"from"`
	To           string      `yaml:"to"`
	InitialBase  Decimal     `yaml:"initial_base"`
	InitialQuote Decimal     `yaml:"initial_quote"`
	MakerFee     Decimal     `yaml:"maker_fee"`
	Rules        RulesConfig `yaml:"rules"`
}

type StateConfig struct {
	Dir          string `yaml:"dir"`
	LockTakeover *bool  `yaml:"lock_takeover"`
	LockStaleSec int64  `yaml:"lock_stale_sec"`
}

type JournalConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type CircuitBreakerConfig struct {
	Enabled              bool  `yaml:"enabled"`
	MaxPollFailures      int   `yaml:"max_poll_failures"`
	PollCooldownSec      int64 `yaml:"poll_cooldown_sec"`
	MaxReconnectFailures int   `yaml:"max_reconnect_failures"`
	ReconnectCooldownSec int64 `yaml:"reconnect_cooldown_sec"`
	ProbePasses          int   `yaml:"probe_passes"`
}

type ObservabilityConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Runtime  RuntimeConfig  `yaml:"runtime"`
}

type TelegramConfig struct {
	Enabled    bool   `yaml:"enabled"`
	BotToken   string `yaml:"bot_token"`
	ChatID     string `yaml:"chat_id"`
	APIBaseURL string `yaml:"api_base_url"`
	TimeoutSec int64  `yaml:"timeout_sec"`
}

type RuntimeConfig struct {
	AlertDropReportSec int64 `yaml:"alert_drop_report_sec"`
	AlertThrottleSec   int64 `yaml:"alert_throttle_sec"`
}

func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return Config{}, fmt.Errorf("config must contain a single YAML document")
		}
		return Config{}, err
	}
	cfg.normalize()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Mode = Mode(strings.ToLower(strings.TrimSpace(string(c.Mode))))
	c.Symbol = strings.ToUpper(strings.TrimSpace(c.Symbol))
	c.InstanceID = strings.ToLower(strings.TrimSpace(c.InstanceID))
	c.Exchange.APIKey = strings.TrimSpace(c.Exchange.APIKey)
	c.Exchange.APISecret = strings.TrimSpace(c.Exchange.APISecret)
	c.Exchange.RestBaseURL = strings.TrimSpace(c.Exchange.RestBaseURL)
	c.Exchange.WSBaseURL = strings.TrimSpace(c.Exchange.WSBaseURL)
	c.Exchange.ClientOrderPrefix = strings.TrimSpace(c.Exchange.ClientOrderPrefix)
	c.Paper.PriceBaseURL = strings.TrimSpace(c.Paper.PriceBaseURL)
	c.Backtest.DataPath = strings.TrimSpace(c.Backtest.DataPath)
	c.Backtest.From = strings.TrimSpace(c.Backtest.From)
	c.Backtest.To = strings.TrimSpace(c.Backtest.To)
	c.State.Dir = strings.TrimSpace(c.State.Dir)
	c.Journal.Path = strings.TrimSpace(c.Journal.Path)
	c.Metrics.Listen = strings.TrimSpace(c.Metrics.Listen)
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	c.Observability.Telegram.BotToken = strings.TrimSpace(c.Observability.Telegram.BotToken)
	c.Observability.Telegram.ChatID = strings.TrimSpace(c.Observability.Telegram.ChatID)
	c.Observability.Telegram.APIBaseURL = strings.TrimSpace(c.Observability.Telegram.APIBaseURL)
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModePaper
	}
	if c.InstanceID == "" {
		c.InstanceID = "default"
	}
	if c.Engine.PollIntervalMs == 0 {
		c.Engine.PollIntervalMs = 10000
	}
	if c.Engine.CallTimeoutSec == 0 {
		c.Engine.CallTimeoutSec = 10
	}
	if c.Engine.ShutdownGraceSec == 0 {
		c.Engine.ShutdownGraceSec = 30
	}
	if c.Exchange.RecvWindowMs == 0 {
		c.Exchange.RecvWindowMs = 5000
	}
	if c.Exchange.HTTPTimeoutSec == 0 {
		c.Exchange.HTTPTimeoutSec = 15
	}
	if c.Exchange.RequestsPerSecond == 0 {
		c.Exchange.RequestsPerSecond = 5
	}
	if c.Exchange.Burst == 0 {
		c.Exchange.Burst = 1
	}
	if c.Exchange.HintKeepaliveSec == 0 {
		c.Exchange.HintKeepaliveSec = 20
	}
	if c.Exchange.ClientOrderPrefix == "" {
		c.Exchange.ClientOrderPrefix = "sg" + strings.ReplaceAll(c.InstanceID, "-", "_")
	}
	if c.Paper.PricePollSec == 0 {
		c.Paper.PricePollSec = 2
	}
	if c.Paper.PriceBaseURL == "" {
		c.Paper.PriceBaseURL = "https://api.binance.com"
	}
	if c.State.Dir == "" {
		c.State.Dir = "state"
	}
	if c.State.LockTakeover == nil {
		enabled := true
		c.State.LockTakeover = &enabled
	}
	if c.State.LockStaleSec == 0 {
		c.State.LockStaleSec = 600
	}
	if c.Journal.Enabled == nil {
		enabled := true
		c.Journal.Enabled = &enabled
	}
	if c.Journal.Path == "" {
		c.Journal.Path = filepath.Join(c.State.Dir, "journal.sqlite")
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if c.CircuitBreaker.MaxPollFailures == 0 {
		c.CircuitBreaker.MaxPollFailures = 5
	}
	if c.CircuitBreaker.PollCooldownSec == 0 {
		c.CircuitBreaker.PollCooldownSec = 30
	}
	if c.CircuitBreaker.MaxReconnectFailures == 0 {
		c.CircuitBreaker.MaxReconnectFailures = 10
	}
	if c.CircuitBreaker.ReconnectCooldownSec == 0 {
		c.CircuitBreaker.ReconnectCooldownSec = 30
	}
	if c.CircuitBreaker.ProbePasses == 0 {
		c.CircuitBreaker.ProbePasses = 1
	}
	if c.Observability.Telegram.APIBaseURL == "" {
		c.Observability.Telegram.APIBaseURL = "https://api.telegram.org"
	}
	if c.Observability.Telegram.TimeoutSec == 0 {
		c.Observability.Telegram.TimeoutSec = 10
	}
	if c.Observability.Runtime.AlertDropReportSec == 0 {
		c.Observability.Runtime.AlertDropReportSec = 60
	}
	if c.Observability.Runtime.AlertThrottleSec == 0 {
		c.Observability.Runtime.AlertThrottleSec = 60
	}
	if c.Exchange.RestBaseURL == "" {
		switch c.Mode {
		case ModeTestnet:
			c.Exchange.RestBaseURL = "https://testnet.binance.vision"
		case ModeLive:
			c.Exchange.RestBaseURL = "https://api.binance.com"
		}
	}
	if c.Exchange.WSBaseURL == "" {
		switch c.Mode {
		case ModeTestnet:
			c.Exchange.WSBaseURL = "wss://ws-api.testnet.binance.vision/ws-api/v3"
		case ModeLive:
			c.Exchange.WSBaseURL = "wss://ws-api.binance.com/ws-api/v3"
		}
	}
}

func (c Config) Validate() error {
	switch c.Mode {
	case ModeBacktest, ModePaper, ModeTestnet, ModeLive:
	default:
		return fmt.Errorf("mode must be backtest, paper, testnet, or live")
	}
	if c.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if !isValidSymbol(c.Symbol) {
		return fmt.Errorf("symbol must match [A-Z0-9], length 6..20")
	}
	if !isValidInstanceID(c.InstanceID) {
		return fmt.Errorf("instance_id must match [a-z0-9_-], length 1..24")
	}
	if c.Grid.Lower.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("grid.lower must be > 0")
	}
	if c.Grid.Upper.Cmp(c.Grid.Lower.Decimal) <= 0 {
		return fmt.Errorf("grid.upper must be > grid.lower")
	}
	if c.Grid.Count < 2 {
		return fmt.Errorf("grid.count must be >= 2")
	}
	if c.Grid.Investment.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("grid.investment must be > 0")
	}
	if c.Engine.PollIntervalMs < 10 || c.Engine.PollIntervalMs > 3600000 {
		return fmt.Errorf("engine.poll_interval_ms must be between 10 and 3600000")
	}
	if c.Engine.HistoryLimit < 0 || c.Engine.HistoryLimit > 1000 {
		return fmt.Errorf("engine.history_limit must be between 0 and 1000")
	}
	if c.Engine.CallTimeoutSec < 1 || c.Engine.CallTimeoutSec > 120 {
		return fmt.Errorf("engine.call_timeout_sec must be between 1 and 120")
	}
	if c.Engine.ShutdownGraceSec < 1 || c.Engine.ShutdownGraceSec > 600 {
		return fmt.Errorf("engine.shutdown_grace_sec must be between 1 and 600")
	}
	if c.CircuitBreaker.Enabled {
		if c.CircuitBreaker.MaxPollFailures < 1 {
			return fmt.Errorf("circuit_breaker.max_poll_failures must be >= 1")
		}
		if c.CircuitBreaker.PollCooldownSec < 1 || c.CircuitBreaker.PollCooldownSec > 3600 {
			return fmt.Errorf("circuit_breaker.poll_cooldown_sec must be between 1 and 3600")
		}
		if c.CircuitBreaker.MaxReconnectFailures < 1 {
			return fmt.Errorf("circuit_breaker.max_reconnect_failures must be >= 1")
		}
		if c.CircuitBreaker.ReconnectCooldownSec < 1 || c.CircuitBreaker.ReconnectCooldownSec > 3600 {
			return fmt.Errorf("circuit_breaker.reconnect_cooldown_sec must be between 1 and 3600")
		}
		if c.CircuitBreaker.ProbePasses < 1 || c.CircuitBreaker.ProbePasses > 20 {
			return fmt.Errorf("circuit_breaker.probe_passes must be between 1 and 20")
		}
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn, or error")
	}
	if c.Log.Format != "console" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be console or json")
	}
	if c.Observability.Runtime.AlertDropReportSec < 0 || c.Observability.Runtime.AlertDropReportSec > 3600 {
		return fmt.Errorf("observability.runtime.alert_drop_report_sec must be between 0 and 3600")
	}
	if c.Observability.Runtime.AlertThrottleSec < 0 || c.Observability.Runtime.AlertThrottleSec > 3600 {
		return fmt.Errorf("observability.runtime.alert_throttle_sec must be between 0 and 3600")
	}
	if c.Observability.Telegram.Enabled {
		if c.Observability.Telegram.BotToken == "" {
			return fmt.Errorf("observability.telegram.bot_token is required when telegram enabled")
		}
		if c.Observability.Telegram.ChatID == "" {
			return fmt.Errorf("observability.telegram.chat_id is required when telegram enabled")
		}
		if c.Observability.Telegram.TimeoutSec < 1 || c.Observability.Telegram.TimeoutSec > 120 {
			return fmt.Errorf("observability.telegram.timeout_sec must be between 1 and 120")
		}
		if err := validateURL(c.Observability.Telegram.APIBaseURL, "http", "https"); err != nil {
			return fmt.Errorf("observability.telegram.api_base_url %v", err)
		}
	}
	if c.State.LockStaleSec < 0 || c.State.LockStaleSec > 86400 {
		return fmt.Errorf("state.lock_stale_sec must be between 0 and 86400")
	}
	if c.JournalEnabled() && c.Journal.Path == "" {
		return fmt.Errorf("journal.path is required when journal enabled")
	}

	switch c.Mode {
	case ModeBacktest:
		if c.Backtest.DataPath == "" {
			return fmt.Errorf("backtest.data_path is required")
		}
		if _, err := c.Backtest.Window(); err != nil {
			return err
		}
		if err := validateBalances("backtest", c.Backtest.InitialBase, c.Backtest.InitialQuote, c.Backtest.MakerFee); err != nil {
			return err
		}
		if err := c.Backtest.Rules.validate("backtest"); err != nil {
			return err
		}
	case ModePaper:
		if err := validateBalances("paper", c.Paper.InitialBase, c.Paper.InitialQuote, c.Paper.MakerFee); err != nil {
			return err
		}
		if err := c.Paper.Rules.validate("paper"); err != nil {
			return err
		}
		if c.Paper.PricePollSec < 1 || c.Paper.PricePollSec > 3600 {
			return fmt.Errorf("paper.price_poll_sec must be between 1 and 3600")
		}
		if err := validateURL(c.Paper.PriceBaseURL, "http", "https"); err != nil {
			return fmt.Errorf("paper.price_base_url %v", err)
		}
	default:
		if c.Exchange.APIKey == "" || c.Exchange.APISecret == "" {
			return fmt.Errorf("exchange api_key/api_secret are required for %s mode", c.Mode)
		}
		if c.Exchange.RestBaseURL == "" {
			return fmt.Errorf("exchange rest_base_url is required for %s mode", c.Mode)
		}
		if err := validateURL(c.Exchange.RestBaseURL, "http", "https"); err != nil {
			return fmt.Errorf("exchange rest_base_url %v", err)
		}
		if c.Exchange.PushHints {
			if err := validateURL(c.Exchange.WSBaseURL, "ws", "wss"); err != nil {
				return fmt.Errorf("exchange ws_base_url %v", err)
			}
			if c.Exchange.HintKeepaliveSec < 1 || c.Exchange.HintKeepaliveSec > 300 {
				return fmt.Errorf("exchange hint_keepalive_sec must be between 1 and 300")
			}
		}
		if c.Exchange.RecvWindowMs < 1 || c.Exchange.RecvWindowMs > 60000 {
			return fmt.Errorf("exchange recv_window_ms must be between 1 and 60000")
		}
		if c.Exchange.HTTPTimeoutSec < 1 || c.Exchange.HTTPTimeoutSec > 120 {
			return fmt.Errorf("exchange http_timeout_sec must be between 1 and 120")
		}
		if c.Exchange.RequestsPerSecond <= 0 || c.Exchange.RequestsPerSecond > 50 {
			return fmt.Errorf("exchange requests_per_second must be > 0 and <= 50")
		}
		if c.Exchange.Burst < 1 || c.Exchange.Burst > 50 {
			return fmt.Errorf("exchange burst must be between 1 and 50")
		}
	}
	return nil
}

func validateBalances(prefix string, base, quote, fee Decimal) error {
	if base.Cmp(decimal.Zero) < 0 {
		return fmt.Errorf("%s.initial_base must be >= 0", prefix)
	}
	if quote.Cmp(decimal.Zero) < 0 {
		return fmt.Errorf("%s.initial_quote must be >= 0", prefix)
	}
	if fee.Cmp(decimal.Zero) < 0 || fee.Cmp(decimal.NewFromInt(1)) >= 0 {
		return fmt.Errorf("%s.maker_fee must be in [0, 1)", prefix)
	}
	return nil
}

// GridParams is the grid the engine runs for this config.
func (c Config) GridParams() grid.Params {
	return grid.Params{
		Pair:       c.Symbol,
		Lower:      c.Grid.Lower.Decimal,
		Upper:      c.Grid.Upper.Decimal,
		Count:      c.Grid.Count,
		Investment: c.Grid.Investment.Decimal,
	}
}

// HistoryLimit resolves engine.history_limit. Binance windows allOrders by
// order id, so the window has to cover every resting grid order.
func (c Config) HistoryLimit() int {
	if c.Engine.HistoryLimit > 0 {
		return c.Engine.HistoryLimit
	}
	limit := 2 * c.Grid.Count
	if limit < 50 {
		limit = 50
	}
	return limit
}

func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Engine.PollIntervalMs) * time.Millisecond
}

func (c Config) JournalEnabled() bool {
	return c.Journal.Enabled != nil && *c.Journal.Enabled
}

func (c Config) LockTakeover() bool {
	return c.State.LockTakeover != nil && *c.State.LockTakeover
}

// Window parses from/to as RFC3339 timestamps or YYYY-MM-DD dates (UTC).
// A date in "to" is inclusive of that whole day.
func (b BacktestConfig) Window() (backtest.Window, error) {
	var w backtest.Window
	if b.From != "" {
		from, _, err := parseBound(b.From)
		if err != nil {
			return backtest.Window{}, fmt.Errorf("backtest.from %v", err)
		}
		w.From = from
	}
	if b.To != "" {
		to, dateOnly, err := parseBound(b.To)
		if err != nil {
			return backtest.Window{}, fmt.Errorf("backtest.to %v", err)
		}
		if dateOnly {
			to = to.AddDate(0, 0, 1)
		}
		w.To = to
	}
	if !w.From.IsZero() && !w.To.IsZero() && !w.From.Before(w.To) {
		return backtest.Window{}, fmt.Errorf("backtest.from must be before backtest.to")
	}
	return w, nil
}

func parseBound(v string) (time.Time, bool, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), false, nil
	}
	t, err := time.ParseInLocation("2006-01-02", v, time.UTC)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("must be RFC3339 or YYYY-MM-DD")
	}
	return t, true, nil
}

func isValidInstanceID(v string) bool {
	if len(v) < 1 || len(v) > 24 {
		return false
	}
	for _, r := range v {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

func isValidSymbol(v string) bool {
	if len(v) < 6 || len(v) > 20 {
		return false
	}
	for _, r := range v {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			continue
		}
		return false
	}
	return true
}

func validateURL(raw string, schemes ...string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("must be a valid URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("must include scheme and host")
	}
	for _, s := range schemes {
		if parsed.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("scheme must be %s", strings.Join(schemes, " or "))
}
