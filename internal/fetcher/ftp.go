package fetcher

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// FTPFetcher implements Fetcher for ftp:// URLs. Some agency archives still
// publish attachments over anonymous FTP.
type FTPFetcher struct {
	timeout time.Duration
}

// NewFTPFetcher creates a new FTPFetcher.
func NewFTPFetcher(timeout time.Duration) *FTPFetcher {
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &FTPFetcher{timeout: timeout}
}

// parseFTPURL splits an ftp:// URL into host:port and remote path.
func parseFTPURL(rawURL string) (addr string, path string, err error) {
	trimmed := strings.TrimPrefix(rawURL, "ftp://")
	if trimmed == rawURL {
		return "", "", eris.Errorf("not an ftp url: %s", rawURL)
	}

	slash := strings.Index(trimmed, "/")
	if slash < 0 {
		return "", "", eris.Errorf("ftp url has no path: %s", rawURL)
	}

	host := trimmed[:slash]
	path = trimmed[slash:]
	if host == "" {
		return "", "", eris.Errorf("ftp url has no host: %s", rawURL)
	}
	if !strings.Contains(host, ":") {
		host += ":21"
	}
	return host, path, nil
}

// ftpConnReader wraps an FTP response so closing the reader also quits the
// control connection.
type ftpConnReader struct {
	resp *ftp.Response
	conn *ftp.ServerConn
}

func (r *ftpConnReader) Read(p []byte) (int, error) {
	return r.resp.Read(p)
}

func (r *ftpConnReader) Close() error {
	respErr := r.resp.Close()
	quitErr := r.conn.Quit()
	if respErr != nil {
		return respErr
	}
	return quitErr
}

// Download fetches the remote file over anonymous FTP.
func (f *FTPFetcher) Download(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	addr, path, err := parseFTPURL(rawURL)
	if err != nil {
		return nil, err
	}

	conn, err := ftp.Dial(addr, ftp.DialWithContext(ctx), ftp.DialWithTimeout(f.timeout))
	if err != nil {
		return nil, eris.Wrapf(err, "ftp dial %s", addr)
	}

	if err := conn.Login("anonymous", "anonymous"); err != nil {
		_ = conn.Quit()
		return nil, eris.Wrapf(err, "ftp login %s", addr)
	}

	resp, err := conn.Retr(path)
	if err != nil {
		_ = conn.Quit()
		return nil, eris.Wrapf(err, "ftp retr %s", path)
	}

	zap.L().Debug("ftp download started",
		zap.String("addr", addr),
		zap.String("path", path),
	)

	return &ftpConnReader{resp: resp, conn: conn}, nil
}

// DownloadToFile fetches the remote file and writes it to the given path.
func (f *FTPFetcher) DownloadToFile(ctx context.Context, rawURL string, path string) (int64, error) {
	body, err := f.Download(ctx, rawURL)
	if err != nil {
		return 0, err
	}
	defer body.Close() //nolint:errcheck

	file, err := os.Create(path)
	if err != nil {
		return 0, eris.Wrap(err, "create file")
	}
	defer file.Close() //nolint:errcheck

	n, err := io.Copy(file, body)
	if err != nil {
		return n, eris.Wrap(err, "write file")
	}

	return n, nil
}
