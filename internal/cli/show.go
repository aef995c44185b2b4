package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"funding-fade/internal/app"
)

var (
	showLimit  int
	showSymbol string
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent funding samples and trades",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit:  showLimit,
			Symbol: showSymbol,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of samples and trades to display")
	showCmd.Flags().StringVar(&showSymbol, "symbol", "", "Symbol to display (defaults to strategy.symbol)")
}
