package cli

import (
	"time"

	"github.com/spf13/cobra"

	"treasury-metrics/internal/app"
)

var (
	refreshAsset       string
	refreshTotalSupply string
	refreshTimeout     time.Duration
)

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Run one aggregation cycle and persist the snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		supply, err := parseSupply(refreshTotalSupply)
		if err != nil {
			return err
		}
		return getApp().Refresh(cmd.Context(), app.RefreshOptions{
			Asset:       refreshAsset,
			TotalSupply: supply,
			Timeout:     refreshTimeout,
		})
	},
}

func init() {
	refreshCmd.Flags().StringVar(&refreshAsset, "asset", "", "Asset id (defaults to every configured asset)")
	refreshCmd.Flags().StringVar(&refreshTotalSupply, "total-supply", "", "Override the asset total supply used for supply percent")
	refreshCmd.Flags().DurationVar(&refreshTimeout, "timeout", 2*time.Minute, "Upper bound for the whole refresh")
}
