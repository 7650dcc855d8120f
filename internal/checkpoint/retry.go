package checkpoint

import (
	"strings"
	"time"

	"github.com/banshee-data/rvcomb/internal/timeutil"
)

const (
	maxBusyAttempts = 5
	busyBaseDelay   = 10 * time.Millisecond
)

// isSQLiteBusy reports whether err is a lock-contention error worth retrying.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// retryOnBusy runs fn up to maxBusyAttempts times, doubling the delay after
// each busy error. Other errors are returned immediately.
func retryOnBusy(clock timeutil.Clock, fn func() error) error {
	delay := busyBaseDelay
	var err error
	for attempt := 1; attempt <= maxBusyAttempts; attempt++ {
		if err = fn(); !isSQLiteBusy(err) {
			return err
		}
		if attempt < maxBusyAttempts {
			clock.Sleep(delay)
			delay *= 2
		}
	}
	return err
}

// Option configures a Store.
type Option func(*options)

type options struct {
	clock timeutil.Clock
}

// WithClock sets the clock used for record timestamps and busy backoff.
func WithClock(c timeutil.Clock) Option {
	return func(o *options) { o.clock = c }
}

func newOptions(opts []Option) options {
	o := options{clock: timeutil.RealClock{}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = timeutil.RealClock{}
	}
	return o
}
