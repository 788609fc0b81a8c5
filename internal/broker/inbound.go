package broker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nugget/beacon/internal/connection"
)

// message is one inbound publish waiting for delivery.
type message struct {
	topic   string
	payload []byte
}

// LogHandler returns an inbound handler that logs received messages at
// debug level. JSON object payloads also report their key count; other
// payloads are logged with topic and size only.
func LogHandler(logger *slog.Logger) connection.InboundHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(topic string, payload []byte) {
		if !logger.Enabled(context.Background(), slog.LevelDebug) {
			return
		}

		fields := []any{
			"topic", topic,
			"payload_size", len(payload),
		}

		var obj map[string]any
		if err := json.Unmarshal(payload, &obj); err == nil {
			fields = append(fields, "keys", len(obj))
		}

		logger.Debug("mqtt message received", fields...)
	}
}

// rateLimiter caps inbound messages per window. allow runs on the paho
// reader goroutine and roll on the control goroutine, so the counters
// are atomic.
type rateLimiter struct {
	count   atomic.Int64
	dropped atomic.Int64
	limit   int64
	window  time.Duration
	start   time.Time
	logger  *slog.Logger
}

// newRateLimiter allows limit messages per window. A limit of zero or
// less disables limiting.
func newRateLimiter(limit int64, window time.Duration, logger *slog.Logger) *rateLimiter {
	return &rateLimiter{
		limit:  limit,
		window: window,
		logger: logger,
	}
}

// allow counts one message and reports whether it is within the limit.
func (r *rateLimiter) allow() bool {
	if r.limit <= 0 {
		return true
	}
	n := r.count.Add(1)
	if n > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}

// roll resets the counters once the window has elapsed and logs how many
// messages the previous window dropped.
func (r *rateLimiter) roll(now time.Time) {
	if r.start.IsZero() {
		r.start = now
		return
	}
	if now.Sub(r.start) < r.window {
		return
	}
	r.start = now
	count := r.count.Swap(0)
	dropped := r.dropped.Swap(0)
	if dropped > 0 {
		r.logger.Warn("mqtt messages dropped due to rate limit",
			"received", count,
			"dropped", dropped,
			"interval", r.window.String(),
			"limit", r.limit,
		)
	}
}
