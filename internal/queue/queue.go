// Package queue exposes the work queue that decouples import from the
// enrichment stages. Entries are keyed by notice id; each carries one
// pending/done flag per stage.
package queue

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/oppsync/internal/model"
	"github.com/sells-group/oppsync/internal/store"
)

// Manager coordinates queue entries for the pipeline stages.
type Manager struct {
	store store.Store
	log   *zap.Logger
}

// NewManager creates a queue Manager.
func NewManager(st store.Store) *Manager {
	return &Manager{store: st, log: zap.L().With(zap.String("component", "queue"))}
}

// Enqueue adds a queue entry for a notice id. Re-enqueueing an existing id
// is a no-op: completed flags are never reset by this path.
func (m *Manager) Enqueue(ctx context.Context, noticeID string) error {
	if noticeID == "" {
		return eris.New("queue: empty notice id")
	}
	return m.store.Enqueue(ctx, noticeID)
}

// ClaimPending returns up to limit notice ids whose flag for the given stage
// is still pending, oldest enqueue first. Claiming does not mark anything;
// only Complete flips the flag, so a crashed run leaves items claimable.
func (m *Manager) ClaimPending(ctx context.Context, stage model.Stage, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, eris.Errorf("queue: non-positive claim limit %d", limit)
	}
	ids, err := m.store.ClaimPending(ctx, stage, limit)
	if err != nil {
		return nil, err
	}
	m.log.Debug("claimed pending entries",
		zap.String("stage", string(stage)), zap.Int("count", len(ids)))
	return ids, nil
}

// Complete marks a stage done for a notice id. Unknown ids are a silent
// no-op so stages can complete work found through other paths.
func (m *Manager) Complete(ctx context.Context, stage model.Stage, noticeID string) error {
	return m.store.CompleteStage(ctx, stage, noticeID)
}

// Requeue resets a stage flag back to pending. Operator override only.
func (m *Manager) Requeue(ctx context.Context, stage model.Stage, noticeID string) error {
	m.log.Info("requeueing entry",
		zap.String("stage", string(stage)), zap.String("notice_id", noticeID))
	return m.store.RequeueStage(ctx, stage, noticeID)
}

// Stats reports pending counts per stage.
func (m *Manager) Stats(ctx context.Context) (*model.QueueStats, error) {
	return m.store.QueueStats(ctx)
}
