// Package store persists opportunities, queue entries, attachments, and
// analysis results. Two backends implement Store: SQLite for local runs and
// Postgres for the production dataset.
package store

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/rotisserie/eris"

	"github.com/sells-group/oppsync/internal/model"
)

// ErrStalePosted is returned by UpdateOpportunity when the incoming posted
// timestamp is not strictly newer than the stored one. The stored posted
// timestamp is monotonically non-decreasing.
var ErrStalePosted = eris.New("store: stale posted timestamp")

// maxErrorLen bounds error messages persisted on attachment rows.
const maxErrorLen = 500

// Store is the persistence interface shared by every pipeline stage.
type Store interface {
	// Opportunities
	GetPostedAt(ctx context.Context, noticeID string) (*time.Time, error)
	GetOpportunity(ctx context.Context, noticeID string) (*model.Opportunity, error)
	// CreateOpportunity inserts a new record and its queue entry in a single
	// transaction: both land or neither does.
	CreateOpportunity(ctx context.Context, opp model.Opportunity) error
	UpdateOpportunity(ctx context.Context, opp model.Opportunity) error
	// MarkInactiveExcept flags locally-active records absent from activeIDs
	// as inactive. It never deletes rows. Returns the number flagged.
	MarkInactiveExcept(ctx context.Context, activeIDs []string) (int64, error)

	// Queue
	// GetQueueEntry returns (nil, nil) when the id was never enqueued.
	GetQueueEntry(ctx context.Context, noticeID string) (*model.QueueEntry, error)
	Enqueue(ctx context.Context, noticeID string) error
	ClaimPending(ctx context.Context, stage model.Stage, limit int) ([]string, error)
	CompleteStage(ctx context.Context, stage model.Stage, noticeID string) error
	RequeueStage(ctx context.Context, stage model.Stage, noticeID string) error
	QueueStats(ctx context.Context) (*model.QueueStats, error)

	// Attachments
	InsertAttachmentsIfAbsent(ctx context.Context, atts []model.Attachment) (int64, error)
	ClaimDownloads(ctx context.Context, limit int) ([]model.Attachment, error)
	MarkDownloadSuccess(ctx context.Context, attID int64, localPath string) error
	MarkDownloadFailed(ctx context.Context, attID int64, errMsg string) error
	ResetDownloads(ctx context.Context, noticeID string) (int64, error)
	ListPendingExtractions(ctx context.Context, limit int) ([]model.Attachment, error)
	SetExtractResult(ctx context.Context, attID int64, status model.ExtractStatus, text, errMsg string) error
	ListAttachments(ctx context.Context, noticeID string) ([]model.Attachment, error)

	// Analysis
	ListAnalysisReady(ctx context.Context, limit int) ([]string, error)
	ExtractedTexts(ctx context.Context, noticeID string) ([]model.Attachment, error)
	SaveAnalysis(ctx context.Context, a model.Analysis) error
	GetAnalysis(ctx context.Context, noticeID string) (*model.Analysis, error)

	// Remote sync bookkeeping
	ListUnsynced(ctx context.Context, limit int) ([]model.Opportunity, error)
	MarkSynced(ctx context.Context, noticeIDs []string, at time.Time) error

	// Stage run ledger
	StartStageRun(ctx context.Context, runID, stage string) (int64, error)
	CompleteStageRun(ctx context.Context, id int64, items int, detail map[string]any) error
	FailStageRun(ctx context.Context, id int64, errMsg string) error
	ListStageRuns(ctx context.Context, limit int) ([]model.StageRun, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// truncateError bounds an error message before persisting it. The cut backs
// up to a rune boundary so the stored text stays valid UTF-8.
func truncateError(msg string) string {
	if len(msg) <= maxErrorLen {
		return msg
	}
	cut := maxErrorLen
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}
