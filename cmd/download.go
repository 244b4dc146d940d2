package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Download pending public attachments",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		dl, err := newDownloader(st)
		if err != nil {
			return err
		}

		counts, err := dl.Run(ctx)
		if err != nil {
			return eris.Wrap(err, "download attachments")
		}

		return printJSON(counts)
	},
}

func init() {
	rootCmd.AddCommand(downloadCmd)
}
