// Package fetch downloads platform-tools archives with bounded retry and
// verifies them before anything reaches the cache.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/Norgate-AV/sbfbuild/internal/codes"
	"github.com/Norgate-AV/sbfbuild/internal/toolchain"
	"github.com/Norgate-AV/sbfbuild/internal/utils"
	"github.com/Norgate-AV/sbfbuild/internal/version"
)

// DefaultAttemptTimeout bounds a single download attempt, body included
const DefaultAttemptTimeout = 15 * time.Minute

// Fetcher retrieves toolchain archives over HTTP(S)
type Fetcher struct {
	Client *http.Client
	// Clock is an abstraction of the time package. By default it will use
	// a real-time clock but a mock clock can be used for testing.
	Clock  clock.Clock
	Policy Policy
	// AttemptTimeout bounds each attempt; zero disables it
	AttemptTimeout time.Duration
	// DownloadDir holds in-flight and verified downloads
	DownloadDir string
	// Progress, if set, receives a progress bar
	Progress io.Writer
	Log      *zap.Logger
}

// New returns a Fetcher staging downloads in dir
func New(dir string, log *zap.Logger) *Fetcher {
	if log == nil {
		log = zap.NewNop()
	}

	return &Fetcher{
		Client:         newHTTPClient(),
		Clock:          clock.New(),
		Policy:         DefaultPolicy(),
		AttemptTimeout: DefaultAttemptTimeout,
		DownloadDir:    dir,
		Log:            log,
	}
}

func newHTTPClient() *http.Client {
	// Cloning the default transport keeps HTTP(S)_PROXY support
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSHandshakeTimeout = 30 * time.Second
	transport.ResponseHeaderTimeout = time.Minute

	return &http.Client{Transport: transport}
}

// Archive is a downloaded and verified archive. Closing it deletes the file.
type Archive struct {
	*os.File
}

func (a *Archive) Close() error {
	err := a.File.Close()
	if rmErr := os.Remove(a.Name()); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
		err = rmErr
	}

	return err
}

// Fetch downloads the archive spec points at. The returned reader yields
// only bytes that passed the size and checksum checks.
func (f *Fetcher) Fetch(ctx context.Context, spec toolchain.Spec) (io.ReadCloser, error) {
	url := spec.URL()
	log := f.logger().With(zap.String("url", url))

	if err := os.MkdirAll(f.DownloadDir, 0o755); err != nil {
		return nil, codes.Errorf(codes.KindIO, "fetch", "failed to create download directory: %w", err)
	}

	dest := filepath.Join(f.DownloadDir, spec.Version+"-"+spec.ArchiveName())

	for attempt := 1; ; attempt++ {
		err := f.attempt(ctx, spec, url, dest)
		if err == nil {
			break
		}

		if ctx.Err() != nil {
			return nil, codes.New(codes.KindInterrupted, "fetch", fmt.Errorf("download cancelled: %w", ctx.Err()))
		}

		retry, delay := f.Policy.Next(attempt, err)
		if !retry {
			return nil, classify(err, url, attempt)
		}

		log.Warn("download failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err))

		if err := f.sleep(ctx, delay); err != nil {
			return nil, codes.New(codes.KindInterrupted, "fetch", fmt.Errorf("download cancelled: %w", err))
		}
	}

	file, err := os.Open(dest)
	if err != nil {
		return nil, codes.Errorf(codes.KindIO, "fetch", "failed to open downloaded archive: %w", err)
	}

	return &Archive{File: file}, nil
}

func (f *Fetcher) attempt(ctx context.Context, spec toolchain.Spec, url, dest string) error {
	if f.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.AttemptTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return codes.Errorf(codes.KindConfig, "fetch", "invalid toolchain URL %q: %w", url, err)
	}
	req.Header.Set("User-Agent", "sbfbuild/"+version.Version)

	resp, err := f.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return codes.New(codes.KindNotFound, "fetch", fmt.Errorf("toolchain %s is not available for %s: %w",
			spec.Version, spec.Platform, &StatusError{URL: url, Code: resp.StatusCode, Status: resp.Status}))
	}
	if resp.StatusCode != http.StatusOK {
		return &StatusError{URL: url, Code: resp.StatusCode, Status: resp.Status}
	}

	if spec.Size > 0 && resp.ContentLength >= 0 && resp.ContentLength != spec.Size {
		return codes.Errorf(codes.KindIntegrity, "fetch", "size mismatch: expected %d bytes, server reports %d", spec.Size, resp.ContentLength)
	}

	out, err := utils.NewPendingFile(f.DownloadDir, dest)
	if err != nil {
		return codes.Errorf(codes.KindIO, "fetch", "failed to create download file: %w", err)
	}
	defer out.Cleanup()

	h := spec.Checksum.NewHash()
	writers := []io.Writer{out, h}

	if f.Progress != nil {
		bar := newBar(f.Progress, resp.ContentLength, "downloading "+spec.Version)
		defer bar.Finish()
		writers = append(writers, bar)
	}

	n, err := io.Copy(io.MultiWriter(writers...), resp.Body)
	if err != nil {
		var pathErr *os.PathError
		if errors.As(err, &pathErr) {
			return codes.Errorf(codes.KindIO, "fetch", "failed to write download: %w", err)
		}

		return err
	}

	if resp.ContentLength >= 0 && n != resp.ContentLength {
		return fmt.Errorf("short body, got %d of %d bytes: %w", n, resp.ContentLength, io.ErrUnexpectedEOF)
	}

	if spec.Size > 0 && n != spec.Size {
		return codes.Errorf(codes.KindIntegrity, "fetch", "size mismatch: expected %d bytes, got %d", spec.Size, n)
	}

	if err := spec.Checksum.Verify(h.Sum(nil)); err != nil {
		return err
	}

	if err := out.CloseAtomicallyReplace(); err != nil {
		return codes.Errorf(codes.KindIO, "fetch", "failed to save download: %w", err)
	}

	f.logger().Info("downloaded toolchain",
		zap.String("version", spec.Version),
		zap.String("size", humanize.Bytes(uint64(n))))

	return nil
}

// classify turns the last attempt's error into the one reported to the user
func classify(err error, url string, attempts int) error {
	var classified *codes.Error
	if errors.As(err, &classified) {
		return err
	}

	return codes.Errorf(codes.KindNetwork, "fetch", "failed to download %s after %d attempt(s): %w", url, attempts, err)
}

func (f *Fetcher) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := f.clock().Timer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (f *Fetcher) client() *http.Client {
	if f.Client == nil {
		f.Client = newHTTPClient()
	}

	return f.Client
}

func (f *Fetcher) clock() clock.Clock {
	if f.Clock == nil {
		f.Clock = clock.New()
	}

	return f.Clock
}

func (f *Fetcher) logger() *zap.Logger {
	if f.Log == nil {
		return zap.NewNop()
	}

	return f.Log
}
