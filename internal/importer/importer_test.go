package importer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/oppsync/internal/feed"
	"github.com/sells-group/oppsync/internal/model"
	"github.com/sells-group/oppsync/internal/store"
)

func newTestImporter(t *testing.T) (*Importer, store.Store) {
	t.Helper()
	st, err := store.NewSQLite(t.TempDir() + "/oppsync.db")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	im := New(st)
	im.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return im, st
}

func testRecord(id string, posted time.Time) feed.Record {
	deadline := time.Date(2026, 6, 1, 17, 0, 0, 0, time.UTC)
	return feed.Record{
		NoticeID:         id,
		Title:            "Janitorial Services " + id,
		Agency:           "GSA",
		PostedAt:         posted,
		ResponseDeadline: &deadline,
		Active:           true,
		Raw:              map[string]string{"NoticeId": id},
	}
}

func TestRunInsertsAndEnqueuesNewRecords(t *testing.T) {
	im, st := newTestImporter(t)
	ctx := context.Background()

	posted := time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC)
	counts, err := im.Run(ctx, []feed.Record{testRecord("n-1", posted), testRecord("n-2", posted)}, Options{})
	require.NoError(t, err)

	assert.Equal(t, 2, counts.Seen)
	assert.Equal(t, 2, counts.Inserted)
	assert.Equal(t, 2, counts.Enqueued)
	assert.Zero(t, counts.Errors)

	stats, err := st.QueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.PendingAttachments)
	assert.Equal(t, 2, stats.PendingAnalysis)
}

func TestRunSkipsDuplicateOnIdenticalRefeed(t *testing.T) {
	im, _ := newTestImporter(t)
	ctx := context.Background()

	posted := time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC)
	batch := []feed.Record{testRecord("n-1", posted)}

	_, err := im.Run(ctx, batch, Options{})
	require.NoError(t, err)

	counts, err := im.Run(ctx, batch, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, counts.SkippedDuplicate)
	assert.Zero(t, counts.Inserted)
	assert.Zero(t, counts.Updated)
	assert.Zero(t, counts.Enqueued)
}

func TestRunOlderPostedIsDuplicate(t *testing.T) {
	im, _ := newTestImporter(t)
	ctx := context.Background()

	_, err := im.Run(ctx, []feed.Record{testRecord("n-1", time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC))}, Options{})
	require.NoError(t, err)

	counts, err := im.Run(ctx, []feed.Record{testRecord("n-1", time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC))}, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, counts.SkippedDuplicate)
	assert.Zero(t, counts.Updated)
}

func TestRunNewerPostedUpdatesWithoutReenqueue(t *testing.T) {
	im, st := newTestImporter(t)
	ctx := context.Background()

	_, err := im.Run(ctx, []feed.Record{testRecord("n-1", time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC))}, Options{})
	require.NoError(t, err)

	// Complete the queue flags so a re-enqueue would be visible.
	require.NoError(t, st.CompleteStage(ctx, model.StageAttachments, "n-1"))
	require.NoError(t, st.CompleteStage(ctx, model.StageAnalysis, "n-1"))

	newer := testRecord("n-1", time.Date(2026, 2, 20, 0, 0, 0, 0, time.UTC))
	newer.Title = "Janitorial Services n-1 (amended)"
	counts, err := im.Run(ctx, []feed.Record{newer}, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Updated)
	assert.Zero(t, counts.Enqueued)

	opp, err := st.GetOpportunity(ctx, "n-1")
	require.NoError(t, err)
	assert.Equal(t, "Janitorial Services n-1 (amended)", opp.Title)

	stats, err := st.QueueStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.PendingAttachments)
	assert.Zero(t, stats.PendingAnalysis)
}

func TestRunValidityFilter(t *testing.T) {
	im, _ := newTestImporter(t)
	ctx := context.Background()

	posted := time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC)

	inactive := testRecord("n-inactive", posted)
	inactive.Active = false

	past := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	expired := testRecord("n-expired", posted)
	expired.ResponseDeadline = &past

	// Deadline exactly at the clock reading counts as expired.
	boundary := testRecord("n-boundary", posted)
	atNow := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	boundary.ResponseDeadline = &atNow

	noDeadline := testRecord("n-open", posted)
	noDeadline.ResponseDeadline = nil

	counts, err := im.Run(ctx, []feed.Record{inactive, expired, boundary, noDeadline}, Options{})
	require.NoError(t, err)
	assert.Equal(t, 4, counts.Seen)
	assert.Equal(t, 1, counts.SkippedInactive)
	assert.Equal(t, 2, counts.SkippedExpired)
	assert.Equal(t, 1, counts.Inserted)
}

func TestRunDryRunPersistsNothing(t *testing.T) {
	im, st := newTestImporter(t)
	ctx := context.Background()

	posted := time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC)
	counts, err := im.Run(ctx, []feed.Record{testRecord("n-1", posted)}, Options{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Inserted)
	assert.Equal(t, 1, counts.Enqueued)

	opp, err := st.GetOpportunity(ctx, "n-1")
	require.NoError(t, err)
	assert.Nil(t, opp)

	stats, err := st.QueueStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.PendingAttachments)
}

func TestReconcileFlagsAbsentRecords(t *testing.T) {
	im, st := newTestImporter(t)
	ctx := context.Background()

	posted := time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC)
	_, err := im.Run(ctx, []feed.Record{testRecord("n-1", posted), testRecord("n-2", posted)}, Options{})
	require.NoError(t, err)

	n, err := im.Reconcile(ctx, []string{"n-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	opp, err := st.GetOpportunity(ctx, "n-2")
	require.NoError(t, err)
	assert.False(t, opp.Active)
}

func TestReconcileRejectsEmptyActiveSet(t *testing.T) {
	im, _ := newTestImporter(t)
	_, err := im.Reconcile(context.Background(), nil)
	assert.Error(t, err)
}
