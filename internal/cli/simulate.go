package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"treasury-metrics/internal/app"
)

var (
	simulateAsset       string
	simulatePrice       string
	simulateTotalSupply string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Aggregate current holders at a fixed price without persisting",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulatePrice == "" {
			return errors.New("--price is required")
		}
		price, err := parsePositiveDecimal("--price", simulatePrice)
		if err != nil {
			return err
		}
		supply, err := parseSupply(simulateTotalSupply)
		if err != nil {
			return err
		}
		return getApp().Simulate(cmd.Context(), app.SimulateOptions{
			Asset:       simulateAsset,
			Price:       price,
			TotalSupply: supply,
		})
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateAsset, "asset", "", "Asset id (defaults to every configured asset)")
	simulateCmd.Flags().StringVar(&simulatePrice, "price", "", "Reference price to aggregate with")
	simulateCmd.Flags().StringVar(&simulateTotalSupply, "total-supply", "", "Total supply used for supply percent")
}
