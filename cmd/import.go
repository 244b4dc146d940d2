package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/oppsync/internal/feed"
	"github.com/sells-group/oppsync/internal/fetcher"
	"github.com/sells-group/oppsync/internal/importer"
	"github.com/sells-group/oppsync/internal/store"
)

var (
	importFeedSource string
	importDryRun     bool
	importReconcile  bool
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import the bulk opportunity feed",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		counts, err := importFeedData(ctx, st, importFeedSource, importDryRun, importReconcile)
		if err != nil {
			return err
		}
		if counts == nil {
			// Feed unchanged since the last pull.
			return nil
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(counts)
	},
}

// importFeedData pulls the feed from a URL or local path, parses it, and
// runs the importer. Returns nil counts when an unchanged ETag let us skip
// the pull entirely.
func importFeedData(ctx context.Context, st store.Store, source string, dryRun, reconcile bool) (*importer.Counts, error) {
	if source == "" {
		source = cfg.Import.FeedURL
	}
	if source == "" {
		return nil, eris.New("feed source is required (--feed or OPPSYNC_IMPORT_FEED_URL)")
	}

	body, skipped, err := openFeed(ctx, source)
	if err != nil {
		return nil, err
	}
	if skipped {
		zap.L().Info("feed unchanged, skipping import", zap.String("source", source))
		return nil, nil
	}
	defer body.Close() //nolint:errcheck

	records, stats, err := feed.Parse(ctx, body)
	if err != nil {
		return nil, eris.Wrap(err, "parse feed")
	}
	zap.L().Info("feed parsed",
		zap.Int("rows", stats.Rows),
		zap.Int("malformed", stats.Malformed),
	)

	im := importer.New(st)
	counts, err := im.Run(ctx, records, importer.Options{DryRun: dryRun})
	if err != nil {
		return nil, eris.Wrap(err, "import")
	}

	if reconcile && !dryRun {
		var activeIDs []string
		for _, rec := range records {
			if rec.Active {
				activeIDs = append(activeIDs, rec.NoticeID)
			}
		}
		flagged, err := im.Reconcile(ctx, activeIDs)
		if err != nil {
			return nil, eris.Wrap(err, "reconcile")
		}
		zap.L().Info("reconcile complete", zap.Int64("flagged_inactive", flagged))
	}

	return counts, nil
}

// openFeed returns a reader over the feed body. Local paths open directly;
// URLs go through the fetcher, with an ETag sidecar so an unchanged daily
// export is not re-downloaded.
func openFeed(ctx context.Context, source string) (io.ReadCloser, bool, error) {
	if !strings.Contains(source, "://") {
		f, err := os.Open(source)
		if err != nil {
			return nil, false, eris.Wrap(err, "open feed file")
		}
		return f, false, nil
	}

	httpF := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		Timeout:      10 * time.Minute,
		RateLimiters: fetcher.DefaultRateLimiters(),
	})

	if strings.HasPrefix(source, "ftp://") {
		body, err := fetcher.NewFTPFetcher(0).Download(ctx, source)
		return body, false, err
	}

	sidecar := etagSidecarPath()
	prev, _ := os.ReadFile(sidecar)

	body, etag, changed, err := httpF.DownloadIfChanged(ctx, source, strings.TrimSpace(string(prev)))
	if err != nil {
		return nil, false, eris.Wrap(err, "download feed")
	}
	if !changed {
		return nil, true, nil
	}

	if etag != "" {
		if err := os.MkdirAll(filepath.Dir(sidecar), 0o755); err == nil {
			if werr := os.WriteFile(sidecar, []byte(etag), 0o644); werr != nil {
				zap.L().Warn("could not persist feed etag", zap.Error(werr))
			}
		}
	}

	return body, false, nil
}

func etagSidecarPath() string {
	dir := cfg.Download.Dir
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, "feed.etag")
}

func init() {
	importCmd.Flags().StringVar(&importFeedSource, "feed", "", "feed URL or local CSV path (default from config)")
	importCmd.Flags().BoolVar(&importDryRun, "dry-run", false, "report counts without writing")
	importCmd.Flags().BoolVar(&importReconcile, "reconcile", false, "flag local records absent from the feed as inactive")
	rootCmd.AddCommand(importCmd)
}
