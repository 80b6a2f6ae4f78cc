package prudp

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// logLimiter allows one log line per drop reason per interval.
type logLimiter struct {
	every rate.Limit
	mu    sync.Mutex
	keys  map[DropReason]*rate.Limiter
}

func newLogLimiter(interval time.Duration) *logLimiter {
	if interval <= 0 {
		interval = defaultLogInterval
	}
	return &logLimiter{
		every: rate.Every(interval),
		keys:  make(map[DropReason]*rate.Limiter),
	}
}

func (l *logLimiter) allow(reason DropReason, now time.Time) bool {
	l.mu.Lock()
	lim := l.keys[reason]
	if lim == nil {
		lim = rate.NewLimiter(l.every, 1)
		l.keys[reason] = lim
	}
	l.mu.Unlock()
	return lim.AllowN(now, 1)
}

func resolveLogger(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}

// dropLogger counts a drop and logs it at most once per interval per reason.
type dropLogger struct {
	logger  *slog.Logger
	limiter *logLimiter
	metrics *Metrics
	now     func() time.Time
}

func (d dropLogger) drop(reason DropReason, msg string, args ...any) {
	d.metrics.drop(reason)
	if !d.limiter.allow(reason, d.now()) {
		return
	}
	d.logger.Warn("prudp drop", append([]any{"reason", reason, "msg", msg}, args...)...)
}
