package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"spot-grid/internal/config"
	"spot-grid/internal/core"
	"spot-grid/internal/exchange/binance"
	"spot-grid/internal/grid"
)

type checkStatus string

const (
	statusPass checkStatus = "PASS"
	statusFail checkStatus = "FAIL"
)

type checkResult struct {
	Name       string      `json:"name"`
	Status     checkStatus `json:"status"`
	DurationMs int64       `json:"duration_ms"`
	Detail     string      `json:"detail,omitempty"`
	Error      string      `json:"error,omitempty"`
}

type report struct {
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Mode       config.Mode   `json:"mode"`
	Symbol     string        `json:"symbol"`
	Checks     []checkResult `json:"checks"`
}

func (r report) failed() int {
	n := 0
	for _, c := range r.Checks {
		if c.Status != statusPass {
			n++
		}
	}
	return n
}

// checker runs named checks in order and prints each verdict as it lands.
type checker struct {
	out    io.Writer
	report report
}

func (c *checker) run(name string, fn func() (string, error)) {
	start := time.Now()
	detail, err := fn()
	cr := checkResult{
		Name:       name,
		DurationMs: time.Since(start).Milliseconds(),
		Detail:     detail,
		Status:     statusPass,
	}
	if err != nil {
		cr.Status = statusFail
		cr.Error = err.Error()
	}
	c.report.Checks = append(c.report.Checks, cr)
	if cr.Status == statusPass {
		fmt.Fprintf(c.out, "[PASS] %s (%dms)", name, cr.DurationMs)
		if cr.Detail != "" {
			fmt.Fprintf(c.out, " - %s", cr.Detail)
		}
		fmt.Fprintln(c.out)
		return
	}
	fmt.Fprintf(c.out, "[FAIL] %s (%dms) - %s\n", name, cr.DurationMs, cr.Error)
}

func (c *checker) summary() {
	r := c.report
	fmt.Fprintf(c.out, "\nsummary mode=%s symbol=%s pass=%d fail=%d duration=%s\n",
		r.Mode,
		r.Symbol,
		len(r.Checks)-r.failed(),
		r.failed(),
		r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String(),
	)
}

func newCheckCmd(root *rootOptions) *cobra.Command {
	var (
		timeout time.Duration
		outJSON string
	)
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run read-only connectivity checks against the configured venue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(root.configPath)
			if err != nil {
				return err
			}
			defer a.close()
			if a.cfg.Mode == config.ModeBacktest {
				return errors.New("check has nothing to reach in backtest mode")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			c := &checker{
				out:    cmd.OutOrStdout(),
				report: report{StartedAt: time.Now().UTC(), Mode: a.cfg.Mode, Symbol: a.cfg.Symbol},
			}
			if err := runChecks(ctx, c, a); err != nil {
				return err
			}
			c.report.FinishedAt = time.Now().UTC()
			c.summary()

			if outJSON != "" {
				if err := writeReport(outJSON, c.report); err != nil {
					return err
				}
			}
			if n := c.report.failed(); n > 0 {
				return fmt.Errorf("%d check(s) failed", n)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "total timeout")
	cmd.Flags().StringVar(&outJSON, "out-json", "", "optional output report path")
	return cmd
}

func runChecks(ctx context.Context, c *checker, a *app) error {
	cfg := a.cfg
	quotes := quoteClient(cfg, a.logger)

	var (
		price decimal.Decimal
		rules core.Rules
	)
	c.run("ticker_price", func() (string, error) {
		var err error
		price, err = quotes.GetPrice(ctx, cfg.Symbol)
		if err != nil {
			return "", err
		}
		return "price=" + price.String(), nil
	})
	c.run("symbol_rules", func() (string, error) {
		if cfg.Mode == config.ModePaper {
			rules = cfg.Paper.Rules.Core()
			return "source=config " + formatRules(rules), nil
		}
		var err error
		rules, err = quotes.GetQuantization(ctx, cfg.Symbol)
		if err != nil {
			return "", err
		}
		return formatRules(rules), nil
	})
	c.run("grid_plan", func() (string, error) {
		plan, err := grid.BuildLevels(cfg.GridParams(), rules)
		if err != nil {
			return "", err
		}
		if len(plan.Levels) == 0 {
			return "", fmt.Errorf("every level of %d is below the venue minimums", cfg.Grid.Count)
		}
		inside := !price.IsZero() && price.Cmp(cfg.Grid.Lower.Decimal) >= 0 && price.Cmp(cfg.Grid.Upper.Decimal) <= 0
		return fmt.Sprintf("levels=%d omitted=%d step=%s price_inside=%t", len(plan.Levels), len(plan.Omitted), plan.Step, inside), nil
	})
	if !cfg.Mode.UsesExchange() {
		return nil
	}

	client, err := binance.NewClient(exchangeOptions(cfg, a.logger))
	if err != nil {
		return err
	}
	c.run("server_time", func() (string, error) {
		return "", client.SyncTime(ctx)
	})
	c.run("open_orders", func() (string, error) {
		open, err := client.ListOpenOrders(ctx, cfg.Symbol)
		if err != nil {
			return "", err
		}
		owned := 0
		for _, o := range open {
			if client.OwnsClientID(o.ClientID) {
				owned++
			}
		}
		return fmt.Sprintf("open=%d owned=%d", len(open), owned), nil
	})
	c.run("order_history", func() (string, error) {
		history, err := client.ListOrderHistory(ctx, cfg.Symbol, cfg.HistoryLimit())
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("orders=%d limit=%d", len(history), cfg.HistoryLimit()), nil
	})
	return nil
}

func formatRules(r core.Rules) string {
	return fmt.Sprintf("min_qty=%s min_notional=%s price_tick=%s qty_step=%s", r.MinQty, r.MinNotional, r.PriceTick, r.QtyStep)
}

func writeReport(path string, r report) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
