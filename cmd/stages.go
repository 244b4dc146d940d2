package main

import (
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/oppsync/internal/analyze"
	"github.com/sells-group/oppsync/internal/attachments"
	"github.com/sells-group/oppsync/internal/download"
	"github.com/sells-group/oppsync/internal/extract"
	"github.com/sells-group/oppsync/internal/queue"
	"github.com/sells-group/oppsync/internal/remote"
	"github.com/sells-group/oppsync/internal/store"
	anthropicpkg "github.com/sells-group/oppsync/pkg/anthropic"
)

// Stage constructors shared by the per-stage commands, the full pipeline
// run, and the serve triggers. Each translates config into the stage's own
// Config struct; defaults beyond what config carries live in the stages.

func newAttachmentsFetcher(st store.Store) *attachments.Fetcher {
	return attachments.New(st, queue.NewManager(st), attachments.Config{
		BaseURL:    cfg.SAM.BaseURL,
		BatchSize:  cfg.Attachments.BatchSize,
		CallDelay:  time.Duration(cfg.Attachments.CallDelayMS) * time.Millisecond,
		BatchDelay: time.Duration(cfg.Attachments.BatchDelaySecs) * time.Second,
	})
}

func newDownloader(st store.Store) (*download.Downloader, error) {
	pool, err := download.NewRoundRobin(cfg.Download.Proxies)
	if err != nil {
		return nil, eris.Wrap(err, "build proxy pool")
	}
	return download.New(st, pool, download.Config{
		Dir:       cfg.Download.Dir,
		MaxPerRun: cfg.Download.MaxPerRun,
		Delay:     time.Duration(cfg.Download.DelayMS) * time.Millisecond,
		Timeout:   time.Duration(cfg.Download.TimeoutSecs) * time.Second,
	}), nil
}

func newExtractRunner(st store.Store) *extract.Runner {
	return extract.NewRunner(st, extract.Config{
		Workers:       cfg.Extract.Workers,
		PdfToTextPath: cfg.Extract.PdfToTextPath,
	})
}

func newAnalyzer(st store.Store) (*analyze.Analyzer, error) {
	if cfg.Anthropic.Key == "" {
		return nil, eris.New("anthropic API key is required (OPPSYNC_ANTHROPIC_KEY)")
	}
	client := anthropicpkg.NewClient(cfg.Anthropic.Key)
	return analyze.New(st, queue.NewManager(st), client, analyze.Config{
		Model:     cfg.Anthropic.Model,
		MaxTokens: cfg.Anthropic.MaxTokens,
	}), nil
}

func newSyncer(st store.Store) (*remote.Syncer, error) {
	if cfg.Remote.BaseURL == "" {
		return nil, eris.New("remote base URL is required (OPPSYNC_REMOTE_BASE_URL)")
	}
	client := remote.NewClient(cfg.Remote.BaseURL, cfg.Remote.APIKey, 0)
	return remote.NewSyncer(st, client, remote.SyncConfig{
		BatchSize: cfg.Remote.BatchSize,
	}), nil
}
