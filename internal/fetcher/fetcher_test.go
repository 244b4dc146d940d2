package fetcher

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func newTestFetcher() *HTTPFetcher {
	return NewHTTPFetcher(HTTPOptions{
		RateLimiters: map[string]*rate.Limiter{},
	})
}

func TestHTTPDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "oppsync/1.0", r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte("hello feed"))
	}))
	defer srv.Close()

	f := newTestFetcher()
	body, err := f.Download(context.Background(), srv.URL)
	require.NoError(t, err)
	defer body.Close() //nolint:errcheck

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "hello feed", string(data))
}

func TestHTTPDownloadNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := newTestFetcher()
	_, err := f.Download(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestHTTPDownloadRetriesServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("recovered"))
	}))
	defer srv.Close()

	f := newTestFetcher()
	body, err := f.Download(context.Background(), srv.URL)
	require.NoError(t, err)
	defer body.Close() //nolint:errcheck

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "recovered", string(data))
	assert.Equal(t, int32(2), calls.Load())
}

func TestHTTPDownloadToFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("file contents"))
	}))
	defer srv.Close()

	f := newTestFetcher()
	path := filepath.Join(t.TempDir(), "feed.csv")
	n, err := f.DownloadToFile(context.Background(), srv.URL, path)
	require.NoError(t, err)
	assert.Equal(t, int64(13), n)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "file contents", string(data))
}

func TestHeadETag(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.Header().Set("ETag", `"abc123"`)
	}))
	defer srv.Close()

	f := newTestFetcher()
	etag, err := f.HeadETag(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, `"abc123"`, etag)
}

func TestDownloadIfChanged(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v2"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v2"`)
		_, _ = w.Write([]byte("new data"))
	}))
	defer srv.Close()

	f := newTestFetcher()

	body, etag, changed, err := f.DownloadIfChanged(context.Background(), srv.URL, `"v1"`)
	require.NoError(t, err)
	require.True(t, changed)
	assert.Equal(t, `"v2"`, etag)
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	require.NoError(t, body.Close())
	assert.Equal(t, "new data", string(data))

	body, etag, changed, err = f.DownloadIfChanged(context.Background(), srv.URL, `"v2"`)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Nil(t, body)
	assert.Equal(t, `"v2"`, etag)
}

func TestParseFTPURL(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		wantAddr string
		wantPath string
		wantErr  bool
	}{
		{
			name:     "default port",
			url:      "ftp://ftp.example.gov/pub/data.zip",
			wantAddr: "ftp.example.gov:21",
			wantPath: "/pub/data.zip",
		},
		{
			name:     "explicit port",
			url:      "ftp://ftp.example.gov:2121/data.csv",
			wantAddr: "ftp.example.gov:2121",
			wantPath: "/data.csv",
		},
		{
			name:    "not ftp",
			url:     "https://example.gov/data.csv",
			wantErr: true,
		},
		{
			name:    "no path",
			url:     "ftp://ftp.example.gov",
			wantErr: true,
		},
		{
			name:    "no host",
			url:     "ftp:///data.csv",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, path, err := parseFTPURL(tt.url)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantAddr, addr)
			assert.Equal(t, tt.wantPath, path)
		})
	}
}

func TestForURL(t *testing.T) {
	httpF := newTestFetcher()
	ftpF := NewFTPFetcher(0)

	assert.Same(t, Fetcher(ftpF), ForURL("ftp://host/file", httpF, ftpF))
	assert.Same(t, Fetcher(httpF), ForURL("https://host/file", httpF, ftpF))
	assert.Same(t, Fetcher(httpF), ForURL("http://host/file", httpF, ftpF))
}

func TestAdaptiveLimiter(t *testing.T) {
	a := NewAdaptiveLimiter(10, 10)
	assert.Equal(t, rate.Limit(10), a.Limit())

	a.OnRateLimit()
	assert.Equal(t, rate.Limit(5), a.Limit())

	// Floor at initial/4.
	for range 10 {
		a.OnRateLimit()
	}
	assert.Equal(t, rate.Limit(2.5), a.Limit())

	// Ceiling at 2x initial.
	for range 20 {
		a.OnSuccess()
	}
	assert.Equal(t, rate.Limit(20), a.Limit())
}
