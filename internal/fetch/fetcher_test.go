package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"lukechampine.com/blake3"

	"github.com/Norgate-AV/sbfbuild/internal/codes"
	"github.com/Norgate-AV/sbfbuild/internal/toolchain"
)

const payload = "platform-tools archive bytes"

// flakyServer fails the first n requests with status, then serves payload
func flakyServer(t *testing.T, failures int32, status int) (*httptest.Server, *atomic.Int32) {
	t.Helper()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= failures {
			w.WriteHeader(status)
			return
		}

		_, _ = io.WriteString(w, payload)
	}))
	t.Cleanup(srv.Close)

	return srv, &calls
}

func newTestFetcher(t *testing.T) *Fetcher {
	t.Helper()

	f := New(t.TempDir(), nil)
	f.Policy = Policy{MaxAttempts: 3}
	return f
}

func specFor(srv *httptest.Server) toolchain.Spec {
	return toolchain.Spec{
		Version:     "v1.43",
		Platform:    "linux-x86_64",
		URLTemplate: srv.URL + "/{version}/platform-tools-{platform}.tar.bz2",
	}
}

func sha256Checksum(t *testing.T, body string) toolchain.Checksum {
	t.Helper()

	sum := sha256.Sum256([]byte(body))
	c, err := toolchain.ParseChecksum("sha256:" + hex.EncodeToString(sum[:]))
	require.NoError(t, err)

	return c
}

func downloads(t *testing.T, dir string) []string {
	t.Helper()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)

	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}

	return names
}

func readAll(t *testing.T, rc io.ReadCloser) string {
	t.Helper()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())

	return string(data)
}

func TestFetch_Success(t *testing.T) {
	srv, calls := flakyServer(t, 0, 0)
	f := newTestFetcher(t)

	spec := specFor(srv)
	spec.Checksum = sha256Checksum(t, payload)
	spec.Size = int64(len(payload))

	rc, err := f.Fetch(context.Background(), spec)
	require.NoError(t, err)

	assert.Equal(t, payload, readAll(t, rc))
	assert.Equal(t, int32(1), calls.Load())
	assert.Empty(t, downloads(t, f.DownloadDir), "closing the archive removes it")
}

func TestFetch_Blake3(t *testing.T) {
	srv, _ := flakyServer(t, 0, 0)
	f := newTestFetcher(t)

	sum := blake3.Sum256([]byte(payload))
	c, err := toolchain.ParseChecksum("blake3:" + hex.EncodeToString(sum[:]))
	require.NoError(t, err)

	spec := specFor(srv)
	spec.Checksum = c

	rc, err := f.Fetch(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, payload, readAll(t, rc))
}

func TestFetch_RetriesServerErrors(t *testing.T) {
	srv, calls := flakyServer(t, 2, http.StatusServiceUnavailable)
	f := newTestFetcher(t)

	rc, err := f.Fetch(context.Background(), specFor(srv))
	require.NoError(t, err)

	assert.Equal(t, payload, readAll(t, rc))
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetch_GivesUpAfterMaxAttempts(t *testing.T) {
	srv, calls := flakyServer(t, 100, http.StatusBadGateway)
	f := newTestFetcher(t)

	_, err := f.Fetch(context.Background(), specFor(srv))
	require.Error(t, err)

	assert.Equal(t, codes.KindNetwork, codes.KindOf(err))
	assert.Equal(t, int32(3), calls.Load())
	assert.Empty(t, downloads(t, f.DownloadDir))
}

func TestFetch_ClientErrorIsNotFound(t *testing.T) {
	for _, status := range []int{http.StatusNotFound, http.StatusForbidden, http.StatusTooManyRequests} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			srv, calls := flakyServer(t, 100, status)
			f := newTestFetcher(t)

			_, err := f.Fetch(context.Background(), specFor(srv))
			require.Error(t, err)

			assert.Equal(t, codes.KindNotFound, codes.KindOf(err))
			assert.Equal(t, int32(1), calls.Load(), "4xx must not be retried")

			var statusErr *StatusError
			assert.ErrorAs(t, err, &statusErr)
		})
	}
}

func TestFetch_ChecksumMismatch(t *testing.T) {
	srv, calls := flakyServer(t, 0, 0)
	f := newTestFetcher(t)

	spec := specFor(srv)
	spec.Checksum = sha256Checksum(t, "something else")

	rc, err := f.Fetch(context.Background(), spec)
	require.Error(t, err)
	assert.Nil(t, rc)

	assert.Equal(t, codes.KindIntegrity, codes.KindOf(err))
	assert.Equal(t, int32(1), calls.Load(), "integrity failures are not retried")
	assert.Empty(t, downloads(t, f.DownloadDir), "a rejected download must be discarded")
}

func TestFetch_SizeMismatch(t *testing.T) {
	srv, _ := flakyServer(t, 0, 0)
	f := newTestFetcher(t)

	spec := specFor(srv)
	spec.Size = int64(len(payload)) + 1

	_, err := f.Fetch(context.Background(), spec)
	require.Error(t, err)
	assert.Equal(t, codes.KindIntegrity, codes.KindOf(err))
	assert.Empty(t, downloads(t, f.DownloadDir))
}

func TestFetch_Cancelled(t *testing.T) {
	srv, _ := flakyServer(t, 0, 0)
	f := newTestFetcher(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.Fetch(ctx, specFor(srv))
	require.Error(t, err)
	assert.Equal(t, codes.KindInterrupted, codes.KindOf(err))
}

func TestFetch_BackoffUsesClock(t *testing.T) {
	srv, calls := flakyServer(t, 1, http.StatusInternalServerError)

	mock := clock.NewMock()
	f := newTestFetcher(t)
	f.Clock = mock
	f.Policy = Policy{MaxAttempts: 3, BaseDelay: time.Hour}

	type result struct {
		rc  io.ReadCloser
		err error
	}
	done := make(chan result, 1)
	go func() {
		rc, err := f.Fetch(context.Background(), specFor(srv))
		done <- result{rc, err}
	}()

	deadline := time.After(10 * time.Second)
	for {
		select {
		case res := <-done:
			require.NoError(t, res.err)
			assert.Equal(t, payload, readAll(t, res.rc))
			assert.Equal(t, int32(2), calls.Load())
			return
		case <-deadline:
			t.Fatal("fetch did not finish after advancing the clock")
		default:
			mock.Add(time.Hour)
			time.Sleep(5 * time.Millisecond)
		}
	}
}
