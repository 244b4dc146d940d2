package analyze

import (
	"context"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/oppsync/internal/model"
	"github.com/sells-group/oppsync/internal/queue"
	"github.com/sells-group/oppsync/internal/store"
	"github.com/sells-group/oppsync/pkg/anthropic"
)

// fakeClient records requests and replays a scripted response.
type fakeClient struct {
	requests []anthropic.MessageRequest
	resp     *anthropic.MessageResponse
	err      error
}

func (f *fakeClient) CreateMessage(_ context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLite(t.TempDir() + "/oppsync.db")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func seedOpportunity(t *testing.T, st store.Store, id string) {
	t.Helper()
	require.NoError(t, st.CreateOpportunity(context.Background(), model.Opportunity{
		NoticeID: id,
		Title:    "HVAC Maintenance",
		Agency:   "GSA",
		PostedAt: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		Active:   true,
	}))
	require.NoError(t, st.CompleteStage(context.Background(), model.StageAttachments, id))
}

func seedExtracted(t *testing.T, st store.Store, noticeID, resourceID, filename, text string) {
	t.Helper()
	ctx := context.Background()
	_, err := st.InsertAttachmentsIfAbsent(ctx, []model.Attachment{{
		NoticeID:   noticeID,
		ResourceID: resourceID,
		Filename:   filename,
		Access:     model.AccessPublic,
		URL:        "https://example.test/" + resourceID,
	}})
	require.NoError(t, err)
	atts, err := st.ListAttachments(ctx, noticeID)
	require.NoError(t, err)
	for _, a := range atts {
		if a.ResourceID == resourceID {
			require.NoError(t, st.MarkDownloadSuccess(ctx, a.ID, "/tmp/"+filename))
			require.NoError(t, st.SetExtractResult(ctx, a.ID, model.ExtractExtracted, text, ""))
			return
		}
	}
	t.Fatalf("attachment %s not seeded", resourceID)
}

func textResponse(text string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{
		ID:      "msg_1",
		Model:   "claude-sonnet-4-5-20250929",
		Content: []anthropic.ContentBlock{{Type: "text", Text: text}},
	}
}

func TestRunAnalyzesOncePerOpportunity(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedOpportunity(t, st, "n-1")
	seedExtracted(t, st, "n-1", "r-1", "sow.pdf", "scope of work text")
	seedExtracted(t, st, "n-1", "r-2", "pricing.xlsx", "pricing text")

	fc := &fakeClient{resp: textResponse("solid fit")}
	a := New(st, queue.NewManager(st), fc, Config{})

	counts, err := a.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Eligible)
	assert.Equal(t, 1, counts.Analyzed)
	require.Len(t, fc.requests, 1)

	// Texts concatenated attachment-id ascending under one prompt.
	prompt := fc.requests[0].Messages[0].Content
	assert.Contains(t, prompt, "HVAC Maintenance")
	assert.Less(t, strings.Index(prompt, "scope of work text"), strings.Index(prompt, "pricing text"))

	saved, err := st.GetAnalysis(ctx, "n-1")
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, model.ResultComplete, saved.Status)
	assert.Equal(t, "solid fit", saved.Result)
	assert.Equal(t, 2, saved.InputAttachments)

	// Flag completed: a second run makes no further calls.
	counts, err = a.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts.Eligible)
	assert.Len(t, fc.requests, 1)
}

func TestRunWaitsForTerminalSiblings(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedOpportunity(t, st, "n-1")

	// One extracted, one still pending download.
	seedExtracted(t, st, "n-1", "r-1", "sow.pdf", "text")
	_, err := st.InsertAttachmentsIfAbsent(ctx, []model.Attachment{{
		NoticeID:   "n-1",
		ResourceID: "r-2",
		Filename:   "late.pdf",
		Access:     model.AccessPublic,
		URL:        "https://example.test/r-2",
	}})
	require.NoError(t, err)

	fc := &fakeClient{resp: textResponse("x")}
	counts, err := New(st, queue.NewManager(st), fc, Config{}).Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts.Eligible)
	assert.Empty(t, fc.requests)
}

func TestRunNothingToAnalyzeCompletesFlag(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedOpportunity(t, st, "n-1")
	// No attachments at all.

	fc := &fakeClient{resp: textResponse("x")}
	a := New(st, queue.NewManager(st), fc, Config{})
	counts, err := a.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Skipped)
	assert.Empty(t, fc.requests)

	saved, err := st.GetAnalysis(ctx, "n-1")
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, model.ResultComplete, saved.Status)
	assert.Empty(t, saved.Result)

	stats, err := st.QueueStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.PendingAnalysis)
}

func TestRunFailureLeavesFlagPending(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedOpportunity(t, st, "n-1")
	seedExtracted(t, st, "n-1", "r-1", "sow.pdf", "text")

	fc := &fakeClient{err: eris.New("api unavailable")}
	counts, err := New(st, queue.NewManager(st), fc, Config{}).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Failed)

	saved, err := st.GetAnalysis(ctx, "n-1")
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, model.ResultFailed, saved.Status)
	assert.Contains(t, saved.Error, "api unavailable")

	stats, err := st.QueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.PendingAnalysis)

	// Next run retries and can succeed.
	fc.err = nil
	fc.resp = textResponse("recovered")
	counts, err = New(st, queue.NewManager(st), fc, Config{}).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Analyzed)

	saved, err = st.GetAnalysis(ctx, "n-1")
	require.NoError(t, err)
	assert.Equal(t, model.ResultComplete, saved.Status)
	assert.Equal(t, "recovered", saved.Result)
}

func TestBuildPromptTruncates(t *testing.T) {
	long := make([]byte, 1000)
	for i := range long {
		long[i] = 'a'
	}
	opp := model.Opportunity{NoticeID: "n-1", Title: "t", Agency: "a"}
	atts := []model.Attachment{{
		Filename:      "big.txt",
		Extract:       model.ExtractExtracted,
		ExtractedText: string(long),
	}}
	out := buildPrompt(opp, atts, 200)
	assert.Len(t, out, 200)
}

func TestBuildPromptTruncatesOnRuneBoundary(t *testing.T) {
	opp := model.Opportunity{NoticeID: "n-1", Title: "t", Agency: "a"}
	atts := []model.Attachment{{
		Filename:      "wide.txt",
		Extract:       model.ExtractExtracted,
		ExtractedText: strings.Repeat("é", 500),
	}}

	out := buildPrompt(opp, atts, 200)
	assert.True(t, utf8.ValidString(out))
	assert.LessOrEqual(t, len(out), 200)
}
