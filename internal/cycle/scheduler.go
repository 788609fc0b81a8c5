// Package cycle implements the publish-cycle controller. A caller brackets
// each round of value updates with [Scheduler.BeginUpdate] and
// [Scheduler.EndUpdate]. BeginUpdate performs connection and clock
// maintenance; EndUpdate encodes and publishes the store and then waits
// out the rest of the publish interval in short slices, servicing the
// broker transport so keep-alive and inbound delivery keep flowing.
//
// The scheduler is single-threaded. Everything it touches (the store, the
// connection manager, the error state) belongs to the goroutine that
// calls BeginUpdate and EndUpdate.
package cycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/beacon/internal/events"
	"github.com/nugget/beacon/internal/indicator"
	"github.com/nugget/beacon/internal/payload"
	"github.com/nugget/beacon/internal/telemetry"
)

// Connection is the subset of the connection manager the scheduler drives.
type Connection interface {
	IsConnected() bool
	Reconnect(ctx context.Context) bool
	EnsureSubscribed(ctx context.Context, topic string) bool
	Publish(ctx context.Context, topic string, payload []byte) bool
	KeepAlive() int
	SetKeepAlive(ctx context.Context, seconds int)
	Service(ctx context.Context)
}

// Platform provides the read-only device facts added to each payload.
type Platform interface {
	DeviceID() string
	Uptime() time.Duration
	FreeMemory() uint64
	// Battery returns voltage and state of charge (percent). ok is false
	// when the device has no battery gauge.
	Battery() (voltage, charge float64, ok bool)
	// Now returns the synchronized wall clock in the configured zone.
	Now() time.Time
}

// TimeSyncer resynchronizes the platform wall clock to a reference.
type TimeSyncer interface {
	Sync(ctx context.Context) error
}

// Namer retrieves the human-readable device name. RequestName asks for
// the name; Name returns it once known, or "".
type Namer interface {
	RequestName(ctx context.Context)
	Name() string
}

// Config controls cycle pacing and payload construction.
type Config struct {
	// Topic receives every published payload.
	Topic string
	// ReceiveTopic is subscribed once per session. Empty disables it.
	ReceiveTopic string
	// PublishRate is the target seconds between cycle starts.
	PublishRate int
	// AutoPublish makes EndUpdate publish and pace. When false EndUpdate
	// is a no-op and the caller publishes with [Scheduler.Publish].
	AutoPublish bool

	// MaxPacketSize and MaxHeaderSize define the payload budget.
	MaxPacketSize int
	MaxHeaderSize int

	// UpdateTick bounds each wait slice in EndUpdate.
	UpdateTick time.Duration
	// ServicePerSlice is how many transport ticks run in each slice.
	ServicePerSlice int

	// ResyncInterval is the minimum time between clock resyncs.
	ResyncInterval time.Duration

	// UseDeviceName gates publishing on a known device name.
	UseDeviceName bool
	// NameRetryInterval is the wait between name requests.
	NameRetryInterval time.Duration

	// ShowPublish pulses the indicator after each accepted publish.
	ShowPublish  bool
	PublishPulse time.Duration

	Payload payload.Options
}

// Budget returns the byte budget for one payload.
func (c Config) Budget() int { return c.MaxPacketSize - c.MaxHeaderSize }

// Scheduler is the publish-cycle state machine.
type Scheduler struct {
	cfg      Config
	store    *telemetry.Store
	conn     Connection
	platform Platform
	syncer   TimeSyncer
	namer    Namer
	clock    Clock
	flasher  indicator.Flasher
	bus      *events.Bus
	logger   *slog.Logger

	publishRate int
	err         ErrorCode
	cycleStart  time.Time
	lastSync    time.Time
	synced      bool
}

// Option configures optional Scheduler collaborators.
type Option func(*Scheduler)

// WithClock overrides the system clock.
func WithClock(c Clock) Option { return func(s *Scheduler) { s.clock = c } }

// WithTimeSyncer enables periodic clock resync.
func WithTimeSyncer(t TimeSyncer) Option { return func(s *Scheduler) { s.syncer = t } }

// WithNamer sets the device-name collaborator.
func WithNamer(n Namer) Option { return func(s *Scheduler) { s.namer = n } }

// WithFlasher sets the visual signal.
func WithFlasher(f indicator.Flasher) Option { return func(s *Scheduler) { s.flasher = f } }

// WithEvents publishes cycle events on bus.
func WithEvents(bus *events.Bus) Option { return func(s *Scheduler) { s.bus = bus } }

// New creates a scheduler and applies the configured publish rate, which
// raises the connection keep-alive above it if needed.
func New(cfg Config, store *telemetry.Store, conn Connection, platform Platform, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if store == nil {
		store = telemetry.NewStore()
	}
	if cfg.UpdateTick <= 0 {
		cfg.UpdateTick = time.Second
	}
	if cfg.ServicePerSlice <= 0 {
		cfg.ServicePerSlice = 1
	}
	s := &Scheduler{
		cfg:      cfg,
		store:    store,
		conn:     conn,
		platform: platform,
		clock:    SystemClock(),
		flasher:  indicator.Nop{},
		logger:   logger,
	}
	for _, o := range opts {
		o(s)
	}
	s.SetPublishRate(context.Background(), cfg.PublishRate)
	return s
}

// Store returns the telemetry store published each cycle.
func (s *Scheduler) Store() *telemetry.Store { return s.store }

// SetValue records a value for the next publish.
func (s *Scheduler) SetValue(name string, v telemetry.Value) { s.store.Set(name, v) }

// RemoveValue drops a value from subsequent publishes.
func (s *Scheduler) RemoveValue(name string) { s.store.Remove(name) }

// Error returns the current error state.
func (s *Scheduler) Error() ErrorCode { return s.err }

// SetError raises the error state. A lower-severity code never replaces
// a higher one.
func (s *Scheduler) SetError(code ErrorCode) {
	if code.Severity() >= s.err.Severity() {
		s.err = code
	}
}

// PublishRate returns the target seconds between cycles.
func (s *Scheduler) PublishRate() int { return s.publishRate }

// SetPublishRate changes the publish interval. The broker keep-alive
// must exceed it, so a keep-alive at or below the new rate is raised to
// one and a half times the rate.
func (s *Scheduler) SetPublishRate(ctx context.Context, seconds int) {
	if seconds < 1 {
		seconds = 1
	}
	if seconds == s.publishRate {
		return
	}
	s.publishRate = seconds
	if s.conn.KeepAlive() <= seconds {
		s.conn.SetKeepAlive(ctx, seconds+seconds/2)
		s.logger.Info("keep-alive raised above publish rate",
			"publish_rate", seconds, "keep_alive", s.conn.KeepAlive())
	}
}

// BeginUpdate starts a cycle: it clears a non-sticky error, resyncs the
// clock when due, waits for the device name if one is required, and
// reconnects or services the broker session.
//
// With a [TimeSyncer] set, the first cycle always resyncs and later
// cycles resync once ResyncInterval has passed since the last attempt.
// A failed sync still counts as an attempt.
//
// The name wait has no timeout. It returns only when a name is known or
// ctx is cancelled.
func (s *Scheduler) BeginUpdate(ctx context.Context) error {
	if !s.err.Sticky() {
		s.err = ErrNone
	}

	now := s.clock.Now()
	s.cycleStart = now

	if s.syncer != nil && (!s.synced || now.Sub(s.lastSync) >= s.cfg.ResyncInterval) {
		if err := s.syncer.Sync(ctx); err != nil {
			s.logger.Warn("clock resync failed", "error", err)
		}
		s.lastSync = now
		s.synced = true
	}

	if s.cfg.UseDeviceName && s.namer != nil {
		for s.namer.Name() == "" {
			s.flasher.Flash(ctx, indicator.NameRequest)
			s.namer.RequestName(ctx)
			if err := s.clock.Sleep(ctx, s.cfg.NameRetryInterval); err != nil {
				return fmt.Errorf("await device name: %w", err)
			}
		}
	}

	if s.conn.IsConnected() {
		s.conn.Service(ctx)
		s.conn.EnsureSubscribed(ctx, s.cfg.ReceiveTopic)
	} else {
		s.conn.Reconnect(ctx)
	}
	return nil
}

// EndUpdate publishes the current values and then spends what is left of
// the publish interval servicing the transport. It is a no-op unless
// auto-publish is enabled. It returns ctx.Err() if ctx ends mid-wait.
func (s *Scheduler) EndUpdate(ctx context.Context) error {
	if !s.cfg.AutoPublish {
		return nil
	}

	s.Publish(ctx, s.cfg.Topic)
	return s.Idle(ctx)
}

// Idle spends what is left of the publish interval, measured from the
// last BeginUpdate, servicing the transport in slices of at most
// UpdateTick. Callers that publish manually use it to pace their cycles.
// It returns ctx.Err() if ctx ends mid-wait.
func (s *Scheduler) Idle(ctx context.Context) error {
	busy := s.clock.Now().Sub(s.cycleStart)

	slices := 0
	for remaining := s.remaining(); remaining > 0; remaining = s.remaining() {
		slice := min(remaining, s.cfg.UpdateTick)
		step := max(slice/time.Duration(s.cfg.ServicePerSlice), time.Nanosecond)
		for range s.cfg.ServicePerSlice {
			s.conn.Service(ctx)
			if err := s.clock.Sleep(ctx, step); err != nil {
				return fmt.Errorf("cycle wait: %w", err)
			}
		}
		slices++
	}

	idle := s.clock.Now().Sub(s.cycleStart) - busy
	s.logger.Debug("cycle complete",
		"busy_ms", busy.Milliseconds(), "idle_ms", idle.Milliseconds(),
		"slices", slices, "error", s.err.String())
	s.bus.Emit(events.SourceCycle, events.KindCycleComplete, map[string]any{
		"busy_ms": busy.Milliseconds(),
		"idle_ms": idle.Milliseconds(),
		"slices":  slices,
	})
	return nil
}

// remaining returns the unspent part of the publish interval, floored at
// zero.
func (s *Scheduler) remaining() time.Duration {
	budget := time.Duration(s.publishRate)*time.Second - s.clock.Now().Sub(s.cycleStart)
	return max(budget, 0)
}

// Publish encodes the store and platform facts and sends the result on
// topic. An overflow raises [ErrJSONBufferMax]; whenever an error is set
// the fixed error report is sent instead. It returns whether the broker
// accepted the message.
func (s *Scheduler) Publish(ctx context.Context, topic string) bool {
	facts, opts := s.snapshot()

	var body []byte
	if s.err == ErrNone {
		b, res := payload.Encode(s.store, facts, opts, s.cfg.Budget())
		if res == payload.Overflow {
			s.SetError(ErrJSONBufferMax)
			s.logger.Warn("payload exceeds budget, sending error report",
				"budget", s.cfg.Budget(), "values", s.store.Len())
			s.bus.Emit(events.SourceCycle, events.KindOverflow, map[string]any{"budget": s.cfg.Budget()})
		} else {
			body = b
		}
	}

	report := s.err != ErrNone
	if report {
		body = payload.ErrorPayload(opts.IDProperty, facts.DeviceID, s.err.Code())
		if len(body) > s.cfg.Budget() {
			s.logger.Error("error report exceeds payload budget, nothing sent",
				"budget", s.cfg.Budget(), "bytes", len(body), "error", s.err.String())
			s.bus.Emit(events.SourceCycle, events.KindPublishFailed, map[string]any{
				"topic": topic, "bytes": len(body), "reason": "budget",
			})
			return false
		}
	}

	if !s.conn.Publish(ctx, topic, body) {
		s.logger.Debug("publish not accepted", "topic", topic, "bytes", len(body))
		s.bus.Emit(events.SourceCycle, events.KindPublishFailed, map[string]any{
			"topic": topic, "bytes": len(body),
		})
		return false
	}

	s.logger.Log(ctx, levelTrace, "published", "topic", topic, "payload", string(body))
	s.bus.Emit(events.SourceCycle, events.KindPublished, map[string]any{
		"topic": topic, "bytes": len(body), "error_report": report,
	})
	if s.cfg.ShowPublish {
		s.flasher.Flash(ctx, indicator.Pattern{Count: 1, Interval: s.cfg.PublishPulse})
	}
	if report {
		s.flasher.Flash(ctx, indicator.ErrorReport)
	}
	return true
}

// Preview encodes the current payload without publishing it.
func (s *Scheduler) Preview() ([]byte, payload.Result) {
	facts, opts := s.snapshot()
	return payload.Encode(s.store, facts, opts, s.cfg.Budget())
}

// snapshot freezes the platform facts for one encode. Facts that are
// disabled are not read.
func (s *Scheduler) snapshot() (payload.Facts, payload.Options) {
	opts := s.cfg.Payload
	f := payload.Facts{DeviceID: s.platform.DeviceID()}

	if opts.IncludeName && s.namer != nil {
		f.DeviceName = s.namer.Name()
	}
	if opts.IncludeUptime {
		f.UptimeMillis = s.platform.Uptime().Milliseconds()
	}
	if opts.IncludeFreeMemory {
		f.FreeMemory = s.platform.FreeMemory()
	}
	if opts.IncludeBattery {
		v, c, ok := s.platform.Battery()
		if ok {
			f.BatteryVoltage, f.BatteryCharge = v, c
		} else {
			opts.IncludeBattery = false
		}
	}
	if opts.IncludeTimestamp {
		f.Timestamp = s.platform.Now().Format(time.RFC3339)
	}
	return f, opts
}

// levelTrace matches config.LevelTrace without importing config.
const levelTrace = slog.Level(-8)
