package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Extract text from downloaded attachments",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		counts, err := newExtractRunner(st).Run(ctx)
		if err != nil {
			return eris.Wrap(err, "extract text")
		}

		return printJSON(counts)
	},
}

func init() {
	rootCmd.AddCommand(extractCmd)
}
