package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/oppsync/internal/pipeline"
	"github.com/sells-group/oppsync/internal/store"
)

var (
	runFeedSource string
	runReconcile  bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full pipeline end to end",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		stages, err := buildPipelineStages(st)
		if err != nil {
			return err
		}

		summary, err := pipeline.NewDriver(st, stages).Run(ctx)
		if err != nil {
			return eris.Wrap(err, "pipeline run")
		}

		if err := printJSON(summary); err != nil {
			return err
		}

		// Partial success is preserved; the exit status still reports it.
		if !summary.OK() {
			zap.L().Warn("pipeline finished with failed stages",
				zap.String("run_id", summary.RunID),
				zap.Int("failed", summary.Failed),
			)
			return eris.Errorf("%d of %d stages failed", summary.Failed, len(summary.Outcomes))
		}

		return nil
	},
}

// buildPipelineStages wires all six stages in dependency order. Timeouts
// come from config; a zero timeout means unbounded.
func buildPipelineStages(st store.Store) ([]pipeline.Stage, error) {
	dl, err := newDownloader(st)
	if err != nil {
		return nil, err
	}
	an, err := newAnalyzer(st)
	if err != nil {
		return nil, err
	}
	sy, err := newSyncer(st)
	if err != nil {
		return nil, err
	}

	fetcher := newAttachmentsFetcher(st)
	ex := newExtractRunner(st)

	return []pipeline.Stage{
		{
			Name:    "import",
			Timeout: stageTimeout("import"),
			Run: func(ctx context.Context) (int, any, error) {
				counts, err := importFeedData(ctx, st, runFeedSource, false, runReconcile)
				if err != nil {
					return 0, nil, err
				}
				if counts == nil {
					return 0, map[string]any{"skipped": "feed unchanged"}, nil
				}
				return counts.Seen, counts, nil
			},
		},
		{
			Name:    "attachments",
			Timeout: stageTimeout("attachments"),
			Run: func(ctx context.Context) (int, any, error) {
				counts, err := fetcher.Run(ctx)
				if err != nil {
					return 0, nil, err
				}
				return counts.Claimed, counts, nil
			},
		},
		{
			Name:    "download",
			Timeout: stageTimeout("download"),
			Run: func(ctx context.Context) (int, any, error) {
				counts, err := dl.Run(ctx)
				if err != nil {
					return 0, nil, err
				}
				return counts.Claimed, counts, nil
			},
		},
		{
			Name:    "extract",
			Timeout: stageTimeout("extract"),
			Run: func(ctx context.Context) (int, any, error) {
				counts, err := ex.Run(ctx)
				if err != nil {
					return 0, nil, err
				}
				return counts.Claimed, counts, nil
			},
		},
		{
			Name:    "analyze",
			Timeout: stageTimeout("analyze"),
			Run: func(ctx context.Context) (int, any, error) {
				counts, err := an.Run(ctx)
				if err != nil {
					return 0, nil, err
				}
				return counts.Eligible, counts, nil
			},
		},
		{
			Name:    "sync",
			Timeout: stageTimeout("sync"),
			Run: func(ctx context.Context) (int, any, error) {
				counts, err := sy.Run(ctx)
				if err != nil {
					return 0, nil, err
				}
				return counts.Pushed, counts, nil
			},
		},
	}, nil
}

func stageTimeout(name string) time.Duration {
	return time.Duration(cfg.Pipeline.StageTimeout(name)) * time.Second
}

func init() {
	runCmd.Flags().StringVar(&runFeedSource, "feed", "", "feed URL or local CSV path (default from config)")
	runCmd.Flags().BoolVar(&runReconcile, "reconcile", false, "reconcile active set after import")
	rootCmd.AddCommand(runCmd)
}
