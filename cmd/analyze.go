package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Analyze ready opportunities via Claude",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		an, err := newAnalyzer(st)
		if err != nil {
			return err
		}

		counts, err := an.Run(ctx)
		if err != nil {
			return eris.Wrap(err, "analyze opportunities")
		}

		return printJSON(counts)
	},
}

func init() {
	rootCmd.AddCommand(analyzeCmd)
}
