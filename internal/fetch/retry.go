package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"syscall"
	"time"

	"github.com/Norgate-AV/sbfbuild/internal/codes"
)

// Policy decides whether a failed attempt is retried and how long to wait first
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first
	MaxAttempts int
	// BaseDelay is the wait after the first failure; it doubles on every retry
	BaseDelay time.Duration
	// MaxDelay caps the backoff
	MaxDelay time.Duration
	// Jitter, if set, perturbs each delay
	Jitter func(time.Duration) time.Duration
}

// DefaultPolicy retries transient failures four times, starting at one second
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Jitter:      HalfJitter,
	}
}

// HalfJitter returns a delay uniformly distributed in [d/2, d]
func HalfJitter(d time.Duration) time.Duration {
	if d <= 1 {
		return d
	}

	half := d / 2
	return half + time.Duration(rand.Int63n(int64(d-half+1)))
}

// Next reports whether attempt (1-based) should be followed by another one
// after err, and how long to wait before it
func (p Policy) Next(attempt int, err error) (bool, time.Duration) {
	if err == nil || attempt >= p.MaxAttempts || !Retryable(err) {
		return false, 0
	}

	delay := p.BaseDelay
	for i := 1; i < attempt && delay < p.MaxDelay; i++ {
		delay *= 2
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}

	if p.Jitter != nil {
		delay = p.Jitter(delay)
	}

	return true, delay
}

// StatusError is a non-2xx HTTP response
type StatusError struct {
	URL    string
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: %s", e.URL, e.Status)
}

// Retryable reports whether err is a transient network failure: a timeout,
// a reset or refused connection, a truncated body or a 5xx response.
// Classified errors (not found, integrity) and cancellation are final.
func Retryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) {
		return false
	}

	var classified *codes.Error
	if errors.As(err, &classified) && classified.Kind != codes.KindNetwork {
		return false
	}

	var status *StatusError
	if errors.As(err, &status) {
		return status.Code >= 500
	}

	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var opErr *net.OpError
	return errors.As(err, &opErr)
}
