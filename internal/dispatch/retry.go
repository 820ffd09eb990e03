package dispatch

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/rendis/flowmaster/pkg/schema"
)

// Delay growth between dispatch attempts.
const (
	GrowthConstant    = "constant"
	GrowthLinear      = "linear"
	GrowthExponential = "exponential"
)

// RetryPolicy bounds the dispatch attempts of one task instance. Each
// attempt goes to a freshly selected worker.
type RetryPolicy struct {
	MaxAttempts int // including the first
	BaseDelay   time.Duration
	Growth      string        // GrowthConstant when empty
	MaxDelay    time.Duration // 0 means uncapped
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, Growth: GrowthExponential, MaxDelay: 2 * time.Second}
}

// Delay returns the pause before retry n, counting from 1.
func (p RetryPolicy) Delay(n int) time.Duration {
	if p.BaseDelay <= 0 || n < 1 {
		return 0
	}
	d := p.BaseDelay
	switch p.Growth {
	case GrowthLinear:
		d *= time.Duration(n)
	case GrowthExponential:
		for i := 1; i < n && (p.MaxDelay <= 0 || d < p.MaxDelay); i++ {
			d *= 2
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Wait sleeps before retry n and returns early with ctx's error.
func (p RetryPolicy) Wait(ctx context.Context, n int) error {
	d := p.Delay(n)
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// transientMarkers are substrings of transport errors that reach us as text
// from the rpc layer.
var transientMarkers = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"eof",
	"i/o timeout",
	"service unavailable",
	"too many requests",
}

// IsRetryableError reports whether another worker may accept the task.
// Structured errors decide by code; cancellation is final.
func IsRetryableError(err error) bool {
	var (
		fe     *schema.FlowError
		netErr net.Error
	)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, context.DeadlineExceeded):
		return true
	case errors.As(err, &fe):
		return fe.IsRetryable()
	case errors.As(err, &netErr):
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
