package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"spot-grid/internal/core"
	"spot-grid/internal/store"
)

func newRunsCmd(root *rootOptions) *cobra.Command {
	var (
		limit  int
		trades string
	)
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded runs from the journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(root.configPath)
			if err != nil {
				return err
			}
			defer a.close()
			if !a.cfg.JournalEnabled() {
				return fmt.Errorf("journal is disabled in %s", root.configPath)
			}
			j, err := store.OpenJournal(a.cfg.Journal.Path)
			if err != nil {
				return err
			}
			defer j.Close()

			if trades != "" {
				recs, err := j.Trades(cmd.Context(), trades)
				if err != nil {
					return err
				}
				return writeTrades(cmd.OutOrStdout(), recs)
			}
			runs, err := j.RecentRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return writeRuns(cmd.OutOrStdout(), runs)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "how many runs to list, newest first")
	cmd.Flags().StringVar(&trades, "trades", "", "list the realized trades of this run id instead")
	return cmd
}

func writeRuns(out io.Writer, runs []store.RunSummary) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN_ID\tVENUE\tPAIR\tRANGE\tCOUNT\tSTARTED\tSTATE\tORDERS\tFILLS\tTRADES\tPNL")
	for _, r := range runs {
		state := r.FinalState
		if state == "" {
			state = "open"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s-%s\t%d\t%s\t%s\t%d\t%d\t%d\t%s\n",
			r.RunID, r.Venue, r.Pair, r.Lower, r.Upper, r.Count,
			r.StartedAt.Format(time.RFC3339), state, r.Orders, r.Fills, r.Trades, r.RealizedPnL)
	}
	return tw.Flush()
}

func writeTrades(out io.Writer, recs []core.TradeRecord) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tORDER_ID\tSIDE\tPRICE\tQTY\tPROFIT")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Time.Format(time.RFC3339), r.OrderID, r.Side, r.Price, r.Qty, r.Profit)
	}
	return tw.Flush()
}
