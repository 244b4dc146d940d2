// Package attachments implements the attachment-metadata stage: for each
// queued opportunity it lists the remote resources and records one attachment
// row per descriptor, insert-if-absent.
package attachments

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/oppsync/internal/model"
	"github.com/sells-group/oppsync/internal/queue"
	"github.com/sells-group/oppsync/internal/store"
)

// Config holds the metadata fetch settings.
type Config struct {
	// BaseURL is the opportunities API root, e.g. https://sam.gov/api/prod/opps/v3.
	BaseURL string
	// BatchSize bounds the number of queue entries claimed per batch.
	BatchSize int
	// CallDelay is the pause between individual listing calls.
	CallDelay time.Duration
	// BatchDelay is the longer pause between batches.
	BatchDelay time.Duration
	// Timeout applies per listing call.
	Timeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if c.CallDelay <= 0 {
		c.CallDelay = 500 * time.Millisecond
	}
	if c.BatchDelay <= 0 {
		c.BatchDelay = 5 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
}

// Counts is the aggregate outcome of one metadata run.
type Counts struct {
	Claimed    int   `json:"claimed"`
	Completed  int   `json:"completed"`
	Failed     int   `json:"failed"`
	Inserted   int64 `json:"inserted"`
	Discarded  int   `json:"discarded"`
	ZeroResult int   `json:"zero_result"`
}

// Fetcher runs the attachment-metadata stage.
type Fetcher struct {
	store  store.Store
	queue  *queue.Manager
	client *http.Client
	cfg    Config
	log    *zap.Logger
	sleep  func(ctx context.Context, d time.Duration)
}

// New creates a metadata Fetcher.
func New(st store.Store, qm *queue.Manager, cfg Config) *Fetcher {
	cfg.applyDefaults()
	return &Fetcher{
		store:  st,
		queue:  qm,
		client: &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
		log:    zap.L().With(zap.String("component", "attachments")),
		sleep:  sleepCtx,
	}
}

// listing mirrors the nested resource payload returned by the opportunities
// API. Descriptors live two levels down.
type listing struct {
	Embedded struct {
		OpportunityAttachmentList []struct {
			Attachments []descriptor `json:"attachments"`
		} `json:"opportunityAttachmentList"`
	} `json:"_embedded"`
}

type descriptor struct {
	ResourceID  string `json:"resourceId"`
	Name        string `json:"name"`
	MimeType    string `json:"mimeType"`
	Size        int64  `json:"size"`
	AccessLevel string `json:"accessLevel"`
	DeletedFlag string `json:"deletedFlag"`
	URI         string `json:"uri"`
}

func (d descriptor) deleted() bool {
	switch strings.ToLower(d.DeletedFlag) {
	case "1", "true", "y", "yes":
		return true
	}
	return false
}

// Run claims pending queue entries in batches and fetches resource listings
// until the queue drains or the context ends. Per-id failures leave the
// queue flag pending; the id is claimable again next run.
func (f *Fetcher) Run(ctx context.Context) (*Counts, error) {
	counts := &Counts{}
	attempted := make(map[string]bool)
	for {
		// Widen the claim window by the failed ids still sitting at the
		// front of the queue so they cannot mask fresh work.
		claimed, err := f.queue.ClaimPending(ctx, model.StageAttachments, f.cfg.BatchSize+len(attempted))
		if err != nil {
			return counts, err
		}
		// Failed ids stay pending and would be claimed again; attempt each
		// id at most once per run.
		ids := claimed[:0:0]
		for _, id := range claimed {
			if !attempted[id] {
				ids = append(ids, id)
			}
		}
		if len(ids) > f.cfg.BatchSize {
			ids = ids[:f.cfg.BatchSize]
		}
		if len(ids) == 0 {
			break
		}

		for i, id := range ids {
			if err := ctx.Err(); err != nil {
				return counts, err
			}
			attempted[id] = true
			counts.Claimed++
			if err := f.fetchOne(ctx, id, counts); err != nil {
				counts.Failed++
				f.log.Warn("listing fetch failed", zap.String("notice_id", id), zap.Error(err))
			} else {
				counts.Completed++
			}
			if i < len(ids)-1 {
				f.sleep(ctx, f.cfg.CallDelay)
			}
		}

		if len(ids) < f.cfg.BatchSize {
			break
		}
		f.sleep(ctx, f.cfg.BatchDelay)
	}

	f.log.Info("metadata stage complete",
		zap.Int("claimed", counts.Claimed),
		zap.Int("completed", counts.Completed),
		zap.Int("failed", counts.Failed),
		zap.Int64("inserted", counts.Inserted),
	)
	return counts, nil
}

func (f *Fetcher) fetchOne(ctx context.Context, noticeID string, counts *Counts) error {
	url := fmt.Sprintf("%s/opportunities/%s/resources", strings.TrimRight(f.cfg.BaseURL, "/"), noticeID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return eris.Wrap(err, "attachments: build request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return eris.Wrapf(err, "attachments: GET %s", url)
	}
	defer resp.Body.Close() //nolint:errcheck

	// 404 is a confirmed empty listing, not an error.
	if resp.StatusCode == http.StatusNotFound {
		counts.ZeroResult++
		return f.queue.Complete(ctx, model.StageAttachments, noticeID)
	}
	if resp.StatusCode != http.StatusOK {
		return eris.Errorf("attachments: status %d from %s", resp.StatusCode, url)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return eris.Wrap(err, "attachments: read body")
	}
	var lst listing
	if err := json.Unmarshal(body, &lst); err != nil {
		return eris.Wrap(err, "attachments: decode listing")
	}

	var atts []model.Attachment
	for _, group := range lst.Embedded.OpportunityAttachmentList {
		for _, d := range group.Attachments {
			if d.deleted() || d.ResourceID == "" {
				counts.Discarded++
				continue
			}
			atts = append(atts, model.Attachment{
				NoticeID:   noticeID,
				ResourceID: d.ResourceID,
				Filename:   d.Name,
				MimeType:   d.MimeType,
				SizeBytes:  d.Size,
				Access:     accessLevel(d.AccessLevel),
				URL:        f.downloadURL(d),
			})
		}
	}

	if len(atts) == 0 {
		counts.ZeroResult++
	} else {
		n, err := f.store.InsertAttachmentsIfAbsent(ctx, atts)
		if err != nil {
			return eris.Wrapf(err, "attachments: upsert %d rows", len(atts))
		}
		counts.Inserted += n
	}
	return f.queue.Complete(ctx, model.StageAttachments, noticeID)
}

// downloadURL prefers the descriptor's own uri; file resources without one
// get the canonical download path.
func (f *Fetcher) downloadURL(d descriptor) string {
	if d.URI != "" {
		return d.URI
	}
	return fmt.Sprintf("%s/opportunities/resources/files/%s/download",
		strings.TrimRight(f.cfg.BaseURL, "/"), d.ResourceID)
}

func accessLevel(s string) model.AccessLevel {
	if strings.EqualFold(s, "public") {
		return model.AccessPublic
	}
	return model.AccessRestricted
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
