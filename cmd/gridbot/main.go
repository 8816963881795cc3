package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

const defaultConfigPath = "config/config.yaml"

type rootOptions struct {
	configPath string
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, strings.TrimSpace(err.Error()))
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "gridbot",
		Short:         "Spot grid trading bot for Binance",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", defaultConfigPath, "config yaml path")

	root.AddCommand(
		newRunCmd(opts),
		newPlanCmd(opts),
		newCheckCmd(opts),
		newRunsCmd(opts),
		newFetchCmd(),
		newVersionCmd(),
	)
	return root
}
