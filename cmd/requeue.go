package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/oppsync/internal/model"
	"github.com/sells-group/oppsync/internal/queue"
)

var requeueCmd = &cobra.Command{
	Use:   "requeue <stage> <notice-id>...",
	Short: "Re-open a completed queue stage for specific opportunities",
	Long:  "Flips the given stage flag back to pending so the next run picks the opportunities up again. Valid stages: attachments, analysis.",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		stage, err := model.ParseStage(args[0])
		if err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		qm := queue.NewManager(st)
		for _, noticeID := range args[1:] {
			if err := qm.Requeue(ctx, stage, noticeID); err != nil {
				return eris.Wrapf(err, "requeue %s", noticeID)
			}
			zap.L().Info("requeued",
				zap.String("stage", string(stage)),
				zap.String("notice_id", noticeID),
			)
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(requeueCmd)
}
