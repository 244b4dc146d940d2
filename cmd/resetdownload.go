package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var resetDownloadCmd = &cobra.Command{
	Use:   "reset-download <notice-id>...",
	Short: "Reset failed downloads so they are retried",
	Long:  "Clears terminal download failures for the given opportunities back to pending. Successful downloads and restricted attachments are untouched.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		for _, noticeID := range args {
			n, err := st.ResetDownloads(ctx, noticeID)
			if err != nil {
				return eris.Wrapf(err, "reset downloads for %s", noticeID)
			}
			zap.L().Info("downloads reset",
				zap.String("notice_id", noticeID),
				zap.Int64("reset", n),
			)
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(resetDownloadCmd)
}
