// Package download fetches public attachment binaries through a rotating
// proxy pool and stores them under a per-opportunity directory. Outcomes are
// terminal: a failed download stays failed until an operator reset.
package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/oppsync/internal/model"
	"github.com/sells-group/oppsync/internal/store"
)

// Config holds downloader settings.
type Config struct {
	// Dir is the local storage root; files land in Dir/<notice_id>/.
	Dir string
	// MaxPerRun caps attempts (successes plus failures) in one run.
	MaxPerRun int
	// Delay is the fixed pause between requests.
	Delay time.Duration
	// Timeout applies per request. Attachment hosts are slow; be generous.
	Timeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxPerRun <= 0 {
		c.MaxPerRun = 500
	}
	if c.Delay <= 0 {
		c.Delay = time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Minute
	}
}

// Counts is the aggregate outcome of one download run.
type Counts struct {
	Claimed   int `json:"claimed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Downloader runs the attachment download stage.
type Downloader struct {
	store store.Store
	pool  Rotator
	cfg   Config
	log   *zap.Logger
	sleep func(ctx context.Context, d time.Duration)
}

// New creates a Downloader. A nil pool means all requests go direct.
func New(st store.Store, pool Rotator, cfg Config) *Downloader {
	cfg.applyDefaults()
	if pool == nil {
		pool = &RoundRobin{}
	}
	return &Downloader{
		store: st,
		pool:  pool,
		cfg:   cfg,
		log:   zap.L().With(zap.String("component", "download")),
		sleep: sleepCtx,
	}
}

// Run claims pending public attachments and attempts each one exactly once.
// Any non-200 outcome is recorded as permanently failed; retry policy is an
// operator decision, not an automatic one.
func (d *Downloader) Run(ctx context.Context) (*Counts, error) {
	counts := &Counts{}
	atts, err := d.store.ClaimDownloads(ctx, d.cfg.MaxPerRun)
	if err != nil {
		return counts, err
	}
	counts.Claimed = len(atts)

	for i, att := range atts {
		if err := ctx.Err(); err != nil {
			return counts, err
		}
		path, err := d.fetchOne(ctx, att)
		switch {
		case err != nil:
			counts.Failed++
			msg := err.Error()
			d.log.Warn("download failed",
				zap.String("notice_id", att.NoticeID),
				zap.String("resource_id", att.ResourceID),
				zap.Error(err),
			)
			if markErr := d.store.MarkDownloadFailed(ctx, att.ID, msg); markErr != nil {
				d.log.Error("failed to record download failure", zap.Int64("attachment_id", att.ID), zap.Error(markErr))
			}
		default:
			if markErr := d.store.MarkDownloadSuccess(ctx, att.ID, path); markErr != nil {
				// The bytes are on disk; leave the row pending so the next
				// run re-fetches and retries the bookkeeping.
				counts.Failed++
				d.log.Warn("downloaded but could not record success, leaving pending",
					zap.Int64("attachment_id", att.ID),
					zap.String("path", path),
					zap.Error(markErr),
				)
			} else {
				counts.Succeeded++
			}
		}
		if i < len(atts)-1 {
			d.sleep(ctx, d.cfg.Delay)
		}
	}

	d.log.Info("download stage complete",
		zap.Int("claimed", counts.Claimed),
		zap.Int("succeeded", counts.Succeeded),
		zap.Int("failed", counts.Failed),
	)
	return counts, nil
}

// fetchOne downloads one attachment to disk and returns the written path.
// Persisting the outcome is the caller's job.
func (d *Downloader) fetchOne(ctx context.Context, att model.Attachment) (string, error) {
	proxy := d.pool.Next()
	client := clientFor(proxy, d.cfg.Timeout)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, att.URL, nil)
	if err != nil {
		return "", eris.Wrap(err, "build request")
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", eris.Wrapf(err, "GET %s", att.URL)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return "", eris.Errorf("status %d from %s", resp.StatusCode, att.URL)
	}

	dir := filepath.Join(d.cfg.Dir, att.NoticeID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", eris.Wrapf(err, "mkdir %s", dir)
	}
	path := filepath.Join(dir, SanitizeFilename(att.Filename, att.ResourceID))

	file, err := os.Create(path)
	if err != nil {
		return "", eris.Wrapf(err, "create %s", path)
	}
	n, err := io.Copy(file, resp.Body)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(path)
		return "", eris.Wrapf(err, "write %s", path)
	}

	d.log.Debug("downloaded attachment",
		zap.String("notice_id", att.NoticeID),
		zap.String("path", path),
		zap.Int64("bytes", n),
	)
	return path, nil
}

// SanitizeFilename strips path components and characters unsafe on common
// filesystems. An empty result falls back to the resource id.
func SanitizeFilename(name, fallback string) string {
	name = strings.ReplaceAll(strings.TrimSpace(name), "\\", "/")
	name = filepath.Base(name)
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '-' || r == '_' || r == ' ' || r == '(' || r == ')':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), ". ")
	if out == "" || out == "_" {
		out = fmt.Sprintf("attachment-%s", fallback)
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
