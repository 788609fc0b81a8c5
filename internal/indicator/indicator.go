// Package indicator provides the visual status signal: short flash
// patterns on a debug LED that let a person standing next to the device
// tell a healthy connection from a failing one. Signals are purely
// observational; every implementation may be replaced by [Nop].
package indicator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"
)

// Pattern is a number of on/off flashes with a fixed half-period.
type Pattern struct {
	Count    int
	Interval time.Duration
}

// Patterns used by the agent. A single publish pulse is configured
// separately because its length is user-tunable.
var (
	ConnectOK   = Pattern{Count: 8, Interval: 50 * time.Millisecond}
	ConnectFail = Pattern{Count: 8, Interval: 500 * time.Millisecond}
	Reconnect   = Pattern{Count: 4, Interval: 250 * time.Millisecond}
	NameRequest = Pattern{Count: 3, Interval: 33 * time.Millisecond}
	ErrorReport = Pattern{Count: 2, Interval: 150 * time.Millisecond}
)

// Flasher emits a flash pattern. Flash blocks for the duration of the
// pattern and returns early if ctx is cancelled.
type Flasher interface {
	Flash(ctx context.Context, p Pattern)
}

// Nop discards every signal.
type Nop struct{}

// Flash does nothing.
func (Nop) Flash(context.Context, Pattern) {}

// LED drives a Linux LED class device by writing its brightness file,
// e.g. /sys/class/leds/led0/brightness.
type LED struct {
	path   string
	logger *slog.Logger
}

// NewLED returns a flasher for the brightness file at path. The file is
// not opened until the first flash.
func NewLED(path string, logger *slog.Logger) *LED {
	if logger == nil {
		logger = slog.Default()
	}
	return &LED{path: path, logger: logger}
}

// Flash toggles the LED p.Count times. Write failures are logged once per
// pattern and abort it.
func (l *LED) Flash(ctx context.Context, p Pattern) {
	for range p.Count {
		if err := l.set(true); err != nil {
			l.logger.Debug("led write failed", "path", l.path, "error", err)
			return
		}
		if !sleepCtx(ctx, p.Interval) {
			_ = l.set(false)
			return
		}
		if err := l.set(false); err != nil {
			l.logger.Debug("led write failed", "path", l.path, "error", err)
			return
		}
		if !sleepCtx(ctx, p.Interval) {
			return
		}
	}
}

func (l *LED) set(on bool) error {
	v := "0"
	if on {
		v = "1"
	}
	if err := os.WriteFile(l.path, []byte(v), 0o644); err != nil {
		return fmt.Errorf("set brightness: %w", err)
	}
	return nil
}

// Logging reports patterns at debug level instead of lighting anything.
// Useful on headless hosts where the pattern timing is still wanted in
// the logs.
type Logging struct {
	Logger *slog.Logger
}

// Flash logs the pattern without blocking.
func (l Logging) Flash(_ context.Context, p Pattern) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("indicator flash", "count", p.Count, "interval", p.Interval)
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
