package cli

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var (
	simulateRate  string
	simulatePrice string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "用给定的资金费率与价格模拟一次决策 (不下单)",
	RunE: func(cmd *cobra.Command, args []string) error {
		rate, err := decimal.NewFromString(simulateRate)
		if err != nil {
			return fmt.Errorf("invalid --rate value: %w", err)
		}
		price, err := decimal.NewFromString(simulatePrice)
		if err != nil {
			return fmt.Errorf("invalid --price value: %w", err)
		}

		_, err = getApp().Simulate(cmd.Context(), rate, price)
		return err
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateRate, "rate", "0", "每期资金费率, 例如 0.0005")
	simulateCmd.Flags().StringVar(&simulatePrice, "price", "", "中间价 (USD)")
	_ = simulateCmd.MarkFlagRequired("price")
}
