// Package importer implements the import/dedup stage: it filters bulk feed
// candidates for validity, decides insert vs. update vs. skip against the
// record store, and enqueues brand-new records for enrichment.
package importer

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/oppsync/internal/feed"
	"github.com/sells-group/oppsync/internal/model"
	"github.com/sells-group/oppsync/internal/store"
)

// Counts is the aggregate outcome of one import run. It is the stage's
// primary observable contract: every row lands in exactly one bucket.
type Counts struct {
	Seen             int `json:"seen"`
	SkippedInactive  int `json:"skipped_inactive"`
	SkippedExpired   int `json:"skipped_expired"`
	SkippedDuplicate int `json:"skipped_duplicate"`
	Inserted         int `json:"inserted"`
	Updated          int `json:"updated"`
	Enqueued         int `json:"enqueued"`
	Errors           int `json:"errors"`
}

// Options configures an import run.
type Options struct {
	// DryRun computes and reports counts with zero persisted writes.
	DryRun bool
}

// Importer runs the import/dedup stage against a store.
type Importer struct {
	store store.Store
	now   func() time.Time
}

// New creates an Importer.
func New(st store.Store) *Importer {
	return &Importer{store: st, now: func() time.Time { return time.Now().UTC() }}
}

// Run processes a batch of feed records. Per-record failures are counted,
// never raised: one bad record must not abort the rest of the batch.
func (im *Importer) Run(ctx context.Context, records []feed.Record, opts Options) (*Counts, error) {
	log := zap.L().With(zap.String("component", "importer"), zap.Bool("dry_run", opts.DryRun))
	counts := &Counts{}
	now := im.now()

	for _, rec := range records {
		select {
		case <-ctx.Done():
			return counts, ctx.Err()
		default:
		}
		counts.Seen++

		if !rec.Active {
			counts.SkippedInactive++
			continue
		}
		// A record with no deadline stays valid; one whose deadline has
		// passed (or is passing right now) is expired.
		if rec.ResponseDeadline != nil && !rec.ResponseDeadline.After(now) {
			counts.SkippedExpired++
			continue
		}

		stored, err := im.store.GetPostedAt(ctx, rec.NoticeID)
		if err != nil {
			log.Warn("importer: lookup failed", zap.String("notice_id", rec.NoticeID), zap.Error(err))
			counts.Errors++
			continue
		}

		switch {
		case stored == nil:
			counts.Inserted++
			counts.Enqueued++
			if opts.DryRun {
				continue
			}
			if err := im.store.CreateOpportunity(ctx, toOpportunity(rec)); err != nil {
				log.Warn("importer: insert failed", zap.String("notice_id", rec.NoticeID), zap.Error(err))
				counts.Inserted--
				counts.Enqueued--
				counts.Errors++
			}

		case !rec.PostedAt.After(*stored):
			counts.SkippedDuplicate++

		default:
			// Strictly newer posted timestamp: refresh content in place.
			// Updates are not re-enqueued; only brand-new records trigger
			// attachment and analysis work.
			counts.Updated++
			if opts.DryRun {
				continue
			}
			err := im.store.UpdateOpportunity(ctx, toOpportunity(rec))
			if eris.Is(err, store.ErrStalePosted) {
				counts.Updated--
				counts.SkippedDuplicate++
			} else if err != nil {
				log.Warn("importer: update failed", zap.String("notice_id", rec.NoticeID), zap.Error(err))
				counts.Updated--
				counts.Errors++
			}
		}
	}

	log.Info("import complete",
		zap.Int("seen", counts.Seen),
		zap.Int("inserted", counts.Inserted),
		zap.Int("updated", counts.Updated),
		zap.Int("skipped_duplicate", counts.SkippedDuplicate),
		zap.Int("skipped_inactive", counts.SkippedInactive),
		zap.Int("skipped_expired", counts.SkippedExpired),
		zap.Int("errors", counts.Errors),
	)
	return counts, nil
}

// Reconcile flags locally-active records absent from the externally-active
// id set as inactive. It never deletes rows.
func (im *Importer) Reconcile(ctx context.Context, activeIDs []string) (int64, error) {
	if len(activeIDs) == 0 {
		// An empty active set would flag the whole dataset inactive; that
		// is a broken feed, not a mass expiry.
		return 0, eris.New("importer: refusing to reconcile against an empty active set")
	}
	n, err := im.store.MarkInactiveExcept(ctx, activeIDs)
	if err != nil {
		return 0, eris.Wrap(err, "importer: reconcile")
	}
	zap.L().Info("reconcile complete", zap.Int64("flagged_inactive", n))
	return n, nil
}

func toOpportunity(rec feed.Record) model.Opportunity {
	return model.Opportunity{
		NoticeID:           rec.NoticeID,
		Title:              rec.Title,
		Agency:             rec.Agency,
		SubAgency:          rec.SubAgency,
		Office:             rec.Office,
		NAICSCode:          rec.NAICSCode,
		ClassificationCode: rec.ClassificationCode,
		PostedAt:           rec.PostedAt,
		ResponseDeadline:   rec.ResponseDeadline,
		Active:             rec.Active,
		Raw:                rec.Raw,
	}
}
