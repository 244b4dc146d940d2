package remote

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/oppsync/internal/store"
)

// SyncConfig holds sync stage settings.
type SyncConfig struct {
	// BatchSize bounds records per upsert request.
	BatchSize int
	// Limit caps records pushed per run.
	Limit int
}

func (c *SyncConfig) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 200
	}
	if c.Limit <= 0 {
		c.Limit = 5000
	}
}

// SyncCounts is the aggregate outcome of one sync run.
type SyncCounts struct {
	Pushed  int `json:"pushed"`
	Created int `json:"created"`
	Updated int `json:"updated"`
	Errors  int `json:"errors"`
}

// Syncer drives the remote sync stage: rows changed since their last sync
// (or never synced) are pushed in batches and stamped on success.
type Syncer struct {
	store  store.Store
	client *Client
	cfg    SyncConfig
	log    *zap.Logger
	now    func() time.Time
}

// NewSyncer creates a Syncer.
func NewSyncer(st store.Store, client *Client, cfg SyncConfig) *Syncer {
	cfg.applyDefaults()
	return &Syncer{
		store:  st,
		client: client,
		cfg:    cfg,
		log:    zap.L().With(zap.String("component", "sync")),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Run pushes unsynced rows batch by batch. A failed batch is counted and
// left unstamped; its rows are retried on the next run.
func (s *Syncer) Run(ctx context.Context) (*SyncCounts, error) {
	counts := &SyncCounts{}
	opps, err := s.store.ListUnsynced(ctx, s.cfg.Limit)
	if err != nil {
		return counts, err
	}

	for start := 0; start < len(opps); start += s.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return counts, err
		}
		end := min(start+s.cfg.BatchSize, len(opps))
		batch := opps[start:end]

		records := make([]Record, 0, len(batch))
		ids := make([]string, 0, len(batch))
		for _, opp := range batch {
			analysis, err := s.store.GetAnalysis(ctx, opp.NoticeID)
			if err != nil {
				s.log.Warn("analysis lookup failed", zap.String("notice_id", opp.NoticeID), zap.Error(err))
			}
			records = append(records, FromOpportunity(opp, analysis))
			ids = append(ids, opp.NoticeID)
		}

		result, err := s.client.Upsert(ctx, records)
		if err != nil {
			counts.Errors += len(records)
			s.log.Warn("batch upsert failed", zap.Int("batch_size", len(records)), zap.Error(err))
			continue
		}

		// Stamp only after the remote confirmed the batch landed.
		if err := s.store.MarkSynced(ctx, ids, s.now()); err != nil {
			counts.Errors += len(ids)
			s.log.Error("failed to stamp synced rows", zap.Error(err))
			continue
		}
		counts.Pushed += len(records)
		counts.Created += result.Created
		counts.Updated += result.Updated
	}

	s.log.Info("sync stage complete",
		zap.Int("pushed", counts.Pushed),
		zap.Int("created", counts.Created),
		zap.Int("updated", counts.Updated),
		zap.Int("errors", counts.Errors),
	)
	return counts, nil
}
