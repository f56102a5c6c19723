package cli

import (
	"github.com/spf13/cobra"

	"treasury-metrics/internal/app"
)

var (
	exportAsset      string
	exportPNGPath    string
	exportCSVPath    string
	exportMaxHolders int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export current holders valued at the snapshot price as CSV and/or PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Export(cmd.Context(), app.ExportOptions{
			Asset:      exportAsset,
			PNGPath:    exportPNGPath,
			CSVPath:    exportCSVPath,
			MaxHolders: exportMaxHolders,
		})
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportAsset, "asset", "", "Asset id (defaults to the first configured asset)")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().IntVar(&exportMaxHolders, "max-holders", 0, "Maximum holders to chart (defaults to config)")
}
