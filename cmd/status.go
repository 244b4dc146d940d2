package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/oppsync/internal/model"
	"github.com/sells-group/oppsync/internal/queue"
)

var statusRuns int

// statusReport is the JSON document the status command emits.
type statusReport struct {
	Queue      *model.QueueStats `json:"queue"`
	RecentRuns []model.StageRun  `json:"recent_runs"`
}

// opportunityStatus is the per-opportunity detail emitted for `status <id>`.
type opportunityStatus struct {
	NoticeID            string             `json:"notice_id"`
	Entry               *model.QueueEntry  `json:"queue_entry"`
	Attachments         []model.Attachment `json:"attachments"`
	TerminalAttachments int                `json:"terminal_attachments"`
	PendingAttachments  int                `json:"pending_attachments"`
}

func newOpportunityStatus(noticeID string, entry *model.QueueEntry, atts []model.Attachment) opportunityStatus {
	detail := opportunityStatus{
		NoticeID:    noticeID,
		Entry:       entry,
		Attachments: atts,
	}
	for _, a := range atts {
		if a.Terminal() {
			detail.TerminalAttachments++
		} else {
			detail.PendingAttachments++
		}
	}
	return detail
}

var statusCmd = &cobra.Command{
	Use:   "status [notice-id]",
	Short: "Show queue depth and recent stage runs, or one opportunity's progress",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if len(args) == 1 {
			noticeID := args[0]

			entry, err := st.GetQueueEntry(ctx, noticeID)
			if err != nil {
				return eris.Wrap(err, "get queue entry")
			}
			atts, err := st.ListAttachments(ctx, noticeID)
			if err != nil {
				return eris.Wrap(err, "list attachments")
			}

			return printJSON(newOpportunityStatus(noticeID, entry, atts))
		}

		stats, err := queue.NewManager(st).Stats(ctx)
		if err != nil {
			return eris.Wrap(err, "queue stats")
		}

		runs, err := st.ListStageRuns(ctx, statusRuns)
		if err != nil {
			return eris.Wrap(err, "list stage runs")
		}

		return printJSON(statusReport{Queue: stats, RecentRuns: runs})
	},
}

func init() {
	statusCmd.Flags().IntVar(&statusRuns, "runs", 20, "number of recent stage runs to show")
	rootCmd.AddCommand(statusCmd)
}
