package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push updated opportunities to the remote API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		sy, err := newSyncer(st)
		if err != nil {
			return err
		}

		counts, err := sy.Run(ctx)
		if err != nil {
			return eris.Wrap(err, "sync opportunities")
		}

		return printJSON(counts)
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
