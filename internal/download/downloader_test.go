package download

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/oppsync/internal/model"
	"github.com/sells-group/oppsync/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLite(t.TempDir() + "/oppsync.db")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func seedAttachment(t *testing.T, st store.Store, noticeID, resourceID, name, rawURL string) model.Attachment {
	t.Helper()
	ctx := context.Background()
	if opp, err := st.GetOpportunity(ctx, noticeID); err == nil && opp == nil {
		require.NoError(t, st.CreateOpportunity(ctx, model.Opportunity{
			NoticeID: noticeID,
			Title:    "t",
			PostedAt: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
			Active:   true,
		}))
	}
	_, err := st.InsertAttachmentsIfAbsent(ctx, []model.Attachment{{
		NoticeID:   noticeID,
		ResourceID: resourceID,
		Filename:   name,
		Access:     model.AccessPublic,
		URL:        rawURL,
	}})
	require.NoError(t, err)
	atts, err := st.ListAttachments(ctx, noticeID)
	require.NoError(t, err)
	for _, a := range atts {
		if a.ResourceID == resourceID {
			return a
		}
	}
	t.Fatalf("attachment %s not found after insert", resourceID)
	return model.Attachment{}
}

func newTestDownloader(t *testing.T, st store.Store, pool Rotator) *Downloader {
	t.Helper()
	d := New(st, pool, Config{Dir: t.TempDir()})
	d.sleep = func(context.Context, time.Duration) {}
	return d
}

func TestRunDownloadsToPerOpportunityDir(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "%PDF-1.7 content")
	}))
	defer srv.Close()

	seedAttachment(t, st, "n-1", "r-1", "Statement of Work.pdf", srv.URL+"/r-1")

	d := newTestDownloader(t, st, nil)
	counts, err := d.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Claimed)
	assert.Equal(t, 1, counts.Succeeded)

	atts, err := st.ListAttachments(ctx, "n-1")
	require.NoError(t, err)
	require.Len(t, atts, 1)
	assert.Equal(t, model.DownloadSuccess, atts[0].Download)
	assert.Equal(t, filepath.Join(d.cfg.Dir, "n-1", "Statement of Work.pdf"), atts[0].LocalPath)

	data, err := os.ReadFile(atts[0].LocalPath)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.7 content", string(data))
}

func TestRunNon200IsTerminalFailure(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	seedAttachment(t, st, "n-1", "r-1", "sow.pdf", srv.URL+"/r-1")

	d := newTestDownloader(t, st, nil)
	counts, err := d.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Failed)

	atts, err := st.ListAttachments(ctx, "n-1")
	require.NoError(t, err)
	assert.Equal(t, model.DownloadFailed, atts[0].Download)
	assert.Contains(t, atts[0].DownloadError, "403")

	// Failed attachments are not claimable again.
	counts, err = d.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts.Claimed)
}

func TestRunFollowsRedirects(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/start" {
			http.Redirect(w, r, srv.URL+"/final", http.StatusFound)
			return
		}
		fmt.Fprint(w, "payload")
	}))
	defer srv.Close()

	seedAttachment(t, st, "n-1", "r-1", "doc.bin", srv.URL+"/start")

	counts, err := newTestDownloader(t, st, nil).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Succeeded)
}

func TestRunRespectsRunCap(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "x")
	}))
	defer srv.Close()

	for i := range 5 {
		seedAttachment(t, st, "n-1", fmt.Sprintf("r-%d", i), fmt.Sprintf("f%d.txt", i), srv.URL)
	}

	d := New(st, nil, Config{Dir: t.TempDir(), MaxPerRun: 3})
	d.sleep = func(context.Context, time.Duration) {}

	counts, err := d.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, counts.Claimed)

	counts, err = d.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts.Claimed)
}

type failMarkSuccessStore struct {
	store.Store
	calls int
}

func (f *failMarkSuccessStore) MarkDownloadSuccess(context.Context, int64, string) error {
	f.calls++
	return fmt.Errorf("connection reset")
}

func TestRunBookkeepingErrorLeavesPending(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "payload")
	}))
	defer srv.Close()

	seedAttachment(t, st, "n-1", "r-1", "sow.pdf", srv.URL+"/r-1")

	flaky := &failMarkSuccessStore{Store: st}
	d := newTestDownloader(t, flaky, nil)
	counts, err := d.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Failed)
	assert.Equal(t, 1, flaky.calls)

	// The file landed but the row must stay pending, not flip to failed.
	atts, err := st.ListAttachments(ctx, "n-1")
	require.NoError(t, err)
	assert.Equal(t, model.DownloadPending, atts[0].Download)
	_, err = os.Stat(filepath.Join(d.cfg.Dir, "n-1", "sow.pdf"))
	assert.NoError(t, err)

	// The next run over the real store retries and completes.
	counts, err = newTestDownloader(t, st, nil).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Succeeded)
	atts, err = st.ListAttachments(ctx, "n-1")
	require.NoError(t, err)
	assert.Equal(t, model.DownloadSuccess, atts[0].Download)
}

type countingRotator struct{ calls int }

func (c *countingRotator) Next() *url.URL {
	c.calls++
	return nil
}

func TestRunRotatesPerRequest(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "x")
	}))
	defer srv.Close()

	seedAttachment(t, st, "n-1", "r-1", "a.txt", srv.URL)
	seedAttachment(t, st, "n-1", "r-2", "b.txt", srv.URL)

	pool := &countingRotator{}
	_, err := newTestDownloader(t, st, pool).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, pool.calls)
}

func TestRoundRobinRotation(t *testing.T) {
	rr, err := NewRoundRobin([]string{"http://p1:8080", "http://p2:8080"})
	require.NoError(t, err)

	assert.Equal(t, "p1:8080", rr.Next().Host)
	assert.Equal(t, "p2:8080", rr.Next().Host)
	assert.Equal(t, "p1:8080", rr.Next().Host)
}

func TestRoundRobinEmptyMeansDirect(t *testing.T) {
	rr, err := NewRoundRobin(nil)
	require.NoError(t, err)
	assert.Nil(t, rr.Next())
}

func TestNewRoundRobinRejectsBareHost(t *testing.T) {
	_, err := NewRoundRobin([]string{"p1:8080"})
	assert.Error(t, err)
}

func TestClientForSetsProxy(t *testing.T) {
	u, _ := url.Parse("http://p1:8080")
	c := clientFor(u, time.Minute)
	tr := c.Transport.(*http.Transport)
	got, err := tr.Proxy(&http.Request{URL: &url.URL{Scheme: "http", Host: "example.com"}})
	require.NoError(t, err)
	assert.Equal(t, "p1:8080", got.Host)
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in       string
		fallback string
		want     string
	}{
		{"Statement of Work.pdf", "r-1", "Statement of Work.pdf"},
		{"../../etc/passwd", "r-1", "passwd"},
		{"a/b\\c.pdf", "r-1", "c.pdf"},
		{"weird:*?name.docx", "r-1", "weird___name.docx"},
		{"", "r-9", "attachment-r-9"},
		{"...", "r-9", "attachment-r-9"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeFilename(tt.in, tt.fallback), "input %q", tt.in)
	}
}
