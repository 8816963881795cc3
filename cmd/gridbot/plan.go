package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"spot-grid/internal/config"
	"spot-grid/internal/core"
	"spot-grid/internal/grid"
)

func newPlanCmd(root *rootOptions) *cobra.Command {
	var priceRaw string
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the grid levels the configured bounds would place",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(root.configPath)
			if err != nil {
				return err
			}
			defer a.close()
			cfg := a.cfg
			ctx := cmd.Context()

			price := decimal.Zero
			if priceRaw != "" {
				price, err = decimal.NewFromString(priceRaw)
				if err != nil || price.Cmp(decimal.Zero) <= 0 {
					return fmt.Errorf("invalid --price %q", priceRaw)
				}
			}

			var rules core.Rules
			switch cfg.Mode {
			case config.ModeBacktest:
				rules = cfg.Backtest.Rules.Core()
			case config.ModePaper:
				rules = cfg.Paper.Rules.Core()
			default:
				rules, err = quoteClient(cfg, a.logger).GetQuantization(ctx, cfg.Symbol)
				if err != nil {
					return err
				}
			}
			if price.IsZero() && cfg.Mode != config.ModeBacktest {
				price, err = quoteClient(cfg, a.logger).GetPrice(ctx, cfg.Symbol)
				if err != nil {
					return err
				}
			}

			plan, err := grid.BuildLevels(cfg.GridParams(), rules)
			if err != nil {
				return err
			}
			return writePlan(cmd.OutOrStdout(), plan, rules, price)
		},
	}
	cmd.Flags().StringVar(&priceRaw, "price", "", "reference price; defaults to the venue ticker")
	return cmd
}

// writePlan prints the ladder; with a reference price each level also shows
// the side it would open on.
func writePlan(out io.Writer, plan grid.Plan, rules core.Rules, price decimal.Decimal) error {
	p := plan.Params
	fmt.Fprintf(out, "pair=%s lower=%s upper=%s count=%d step=%s investment=%s\n",
		p.Pair, p.Lower, p.Upper, p.Count, plan.Step, p.Investment)
	fmt.Fprintf(out, "rules min_qty=%s min_notional=%s price_tick=%s qty_step=%s\n",
		rules.MinQty, rules.MinNotional, rules.PriceTick, rules.QtyStep)
	if !price.IsZero() {
		fmt.Fprintf(out, "price=%s\n", price)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "LEVEL\tPRICE\tORDER_PRICE\tQTY\tNOTIONAL\tSIDE")
	for _, lvl := range plan.Levels {
		side := "-"
		if !price.IsZero() {
			side = string(core.Sell)
			if lvl.Price.Cmp(price) < 0 {
				side = string(core.Buy)
			}
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
			lvl.Index, lvl.Price, lvl.OrderPrice, lvl.Qty, lvl.OrderPrice.Mul(lvl.Qty), side)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	for _, om := range plan.Omitted {
		fmt.Fprintf(out, "omitted level=%d price=%s reason=%v\n", om.Index, om.Price, om.Err)
	}
	return nil
}
