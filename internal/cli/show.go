package cli

import (
	"github.com/spf13/cobra"

	"treasury-metrics/internal/app"
)

var (
	showAsset  string
	showMaxAge string
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display current snapshots and their staleness",
	RunE: func(cmd *cobra.Command, args []string) error {
		maxAge, err := parseMaxAge(showMaxAge)
		if err != nil {
			return err
		}
		return getApp().Show(cmd.Context(), app.ShowOptions{Asset: showAsset, MaxAge: maxAge})
	},
}

func init() {
	showCmd.Flags().StringVar(&showAsset, "asset", "", "Asset id (defaults to every configured asset)")
	showCmd.Flags().StringVar(&showMaxAge, "max-age", "", "Staleness threshold, e.g. 30m (defaults to config)")
}
