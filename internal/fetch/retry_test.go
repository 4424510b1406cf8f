package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Norgate-AV/sbfbuild/internal/codes"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"timeout", timeoutErr{}, true},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"connection reset", &net.OpError{Op: "read", Err: syscall.ECONNRESET}, true},
		{"connection refused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), true},
		{"unexpected eof", fmt.Errorf("short body: %w", io.ErrUnexpectedEOF), true},
		{"500", &StatusError{Code: http.StatusInternalServerError}, true},
		{"503", &StatusError{Code: http.StatusServiceUnavailable}, true},
		{"404", &StatusError{Code: http.StatusNotFound}, false},
		{"not found", codes.Errorf(codes.KindNotFound, "fetch", "gone"), false},
		{"integrity", codes.Errorf(codes.KindIntegrity, "fetch", "sha256 mismatch"), false},
		{"io", codes.Errorf(codes.KindIO, "fetch", "disk full"), false},
		{"plain error", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Retryable(tt.err))
		})
	}
}

func TestPolicy_Next(t *testing.T) {
	p := Policy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 5 * time.Second}
	transient := &StatusError{Code: http.StatusBadGateway}

	tests := []struct {
		name      string
		attempt   int
		err       error
		wantRetry bool
		wantDelay time.Duration
	}{
		{"first failure", 1, transient, true, time.Second},
		{"second failure", 2, transient, true, 2 * time.Second},
		{"third failure", 3, transient, true, 4 * time.Second},
		{"capped", 4, transient, true, 5 * time.Second},
		{"attempts exhausted", 5, transient, false, 0},
		{"not retryable", 1, codes.Errorf(codes.KindNotFound, "fetch", "404"), false, 0},
		{"success", 1, nil, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			retry, delay := p.Next(tt.attempt, tt.err)
			assert.Equal(t, tt.wantRetry, retry)
			assert.Equal(t, tt.wantDelay, delay)
		})
	}
}

func TestPolicy_Jitter(t *testing.T) {
	p := DefaultPolicy()
	err := &StatusError{Code: http.StatusBadGateway}

	for attempt := 1; attempt < p.MaxAttempts; attempt++ {
		retry, delay := p.Next(attempt, err)
		assert.True(t, retry)

		ceiling := p.BaseDelay << (attempt - 1)
		if ceiling > p.MaxDelay {
			ceiling = p.MaxDelay
		}
		assert.GreaterOrEqual(t, delay, ceiling/2)
		assert.LessOrEqual(t, delay, ceiling)
	}
}

func TestHalfJitter(t *testing.T) {
	assert.Equal(t, time.Duration(0), HalfJitter(0))

	for i := 0; i < 100; i++ {
		d := HalfJitter(time.Second)
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.LessOrEqual(t, d, time.Second)
	}
}
