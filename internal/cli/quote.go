package cli

import (
	"github.com/spf13/cobra"
)

var quoteAsset string

var quoteCmd = &cobra.Command{
	Use:   "quote",
	Short: "Query the live price feed without persisting anything",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Quote(cmd.Context(), quoteAsset)
	},
}

func init() {
	quoteCmd.Flags().StringVar(&quoteAsset, "asset", "", "Asset id (defaults to every configured asset)")
}
