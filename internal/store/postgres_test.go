package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/oppsync/internal/model"
)

// anyArgs returns n pgxmock.AnyArg matchers, for expectations that only care
// about the statement and its result, not the bound values.
func anyArgs(n int) []interface{} {
	args := make([]interface{}, n)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock, closeFn: func() {}}
	return s, mock
}

func TestPostgresStore_GetPostedAt_Absent(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT posted_at FROM opportunities WHERE notice_id = \$1`).
		WithArgs("unknown").
		WillReturnError(pgx.ErrNoRows)

	posted, err := s.GetPostedAt(context.Background(), "unknown")
	require.NoError(t, err)
	assert.Nil(t, posted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateOpportunity_Stale(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE opportunities SET`).
		WithArgs(anyArgs(11)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.UpdateOpportunity(context.Background(), model.Opportunity{
		NoticeID: "X1",
		PostedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	assert.ErrorIs(t, err, ErrStalePosted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateOpportunity_Transactional(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO opportunities`).
		WithArgs(anyArgs(13)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO queue`).
		WithArgs(anyArgs(2)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := s.CreateOpportunity(context.Background(), model.Opportunity{
		NoticeID: "X1",
		Title:    "Grounds Maintenance",
		Agency:   "DEPT OF DEFENSE",
		PostedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Active:   true,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateOpportunity_RollsBackOnEnqueueFailure(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO opportunities`).
		WithArgs(anyArgs(13)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO queue`).
		WithArgs(anyArgs(2)...).
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err := s.CreateOpportunity(context.Background(), model.Opportunity{
		NoticeID: "X1",
		PostedAt: time.Now().UTC(),
	})
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetQueueEntry(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	enqueued := time.Date(2025, 2, 1, 8, 0, 0, 0, time.UTC)
	attDone := time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`SELECT notice_id, needs_attachments, needs_analysis`).
		WithArgs("Q1").
		WillReturnRows(pgxmock.NewRows([]string{
			"notice_id", "needs_attachments", "needs_analysis",
			"enqueued_at", "attachments_completed_at", "analysis_completed_at",
		}).AddRow("Q1", false, true, enqueued, &attDone, (*time.Time)(nil)))

	entry, err := s.GetQueueEntry(context.Background(), "Q1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.False(t, entry.NeedsAttachments)
	assert.True(t, entry.NeedsAnalysis)
	require.NotNil(t, entry.AttachmentsCompletedAt)
	assert.Equal(t, attDone, *entry.AttachmentsCompletedAt)
	assert.Nil(t, entry.AnalysisCompletedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetQueueEntry_Absent(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT notice_id, needs_attachments, needs_analysis`).
		WithArgs("unknown").
		WillReturnError(pgx.ErrNoRows)

	entry, err := s.GetQueueEntry(context.Background(), "unknown")
	require.NoError(t, err)
	assert.Nil(t, entry)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompleteStage_NoOpForUnknownID(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE queue SET needs_analysis = FALSE`).
		WithArgs("never-enqueued").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	assert.NoError(t, s.CompleteStage(context.Background(), model.StageAnalysis, "never-enqueued"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MarkDownloadFailed_TerminalGuard(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	// Zero rows affected means the row was already terminal.
	mock.ExpectExec(`UPDATE attachments SET download_status = -1`).
		WithArgs(anyArgs(2)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.MarkDownloadFailed(context.Background(), 7, "http 403")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pending attachment not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetAnalysis_Absent(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT notice_id, status, result, model, error`).
		WithArgs("X1").
		WillReturnError(pgx.ErrNoRows)

	a, err := s.GetAnalysis(context.Background(), "X1")
	require.NoError(t, err)
	assert.Nil(t, a)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_QueueStats(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\)`).
		WillReturnRows(pgxmock.NewRows([]string{"total", "att", "ana"}).AddRow(5, 2, 4))

	stats, err := s.QueueStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, stats.Total)
	assert.Equal(t, 2, stats.PendingAttachments)
	assert.Equal(t, 4, stats.PendingAnalysis)
	assert.NoError(t, mock.ExpectationsWereMet())
}
