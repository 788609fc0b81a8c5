// Package clocksync corrects the device wall clock against an NTP
// server. It never steps the system clock; it measures the offset and
// hands it to the platform, which adds it to every timestamp it reports.
package clocksync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/beevik/ntp"
	"github.com/nugget/beacon/internal/events"
	"github.com/nugget/beacon/internal/opstate"
)

// DefaultTimeout bounds a single NTP query.
const DefaultTimeout = 5 * time.Second

// State keys in [opstate.NamespaceClock].
const (
	keyLastSync = "last_sync"
	keyOffset   = "offset_ns"
	keyServer   = "server"
)

// ErrNoServer is returned by Sync when no server is configured.
var ErrNoServer = errors.New("no ntp server configured")

// OffsetSetter receives the measured clock correction.
type OffsetSetter interface {
	SetClockOffset(time.Duration)
}

// QueryFunc performs one NTP exchange.
type QueryFunc func(address string, opt ntp.QueryOptions) (*ntp.Response, error)

// Config configures a Syncer.
type Config struct {
	Server  string
	Timeout time.Duration
}

// Syncer measures and applies the clock offset.
type Syncer struct {
	cfg    Config
	target OffsetSetter
	state  *opstate.Store
	bus    *events.Bus
	logger *slog.Logger
	query  QueryFunc
	now    func() time.Time

	mu       sync.Mutex
	lastSync time.Time
	offset   time.Duration
}

// New creates a Syncer. state may be nil, in which case nothing is
// persisted.
func New(cfg Config, target OffsetSetter, state *opstate.Store, bus *events.Bus, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Syncer{
		cfg:    cfg,
		target: target,
		state:  state,
		bus:    bus,
		logger: logger,
		query:  ntp.QueryWithOptions,
		now:    time.Now,
	}
}

// Sync queries the server and applies the offset. A failed query leaves
// the previous offset in place.
func (s *Syncer) Sync(ctx context.Context) error {
	if s.cfg.Server == "" {
		return ErrNoServer
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	resp, err := s.query(s.cfg.Server, ntp.QueryOptions{Timeout: s.cfg.Timeout})
	if err == nil {
		err = resp.Validate()
	}
	if err != nil {
		s.bus.Emit(events.SourceClock, events.KindClockSyncFailed, map[string]any{
			"server": s.cfg.Server, "error": err.Error(),
		})
		return fmt.Errorf("ntp query %s: %w", s.cfg.Server, err)
	}

	now := s.now()
	s.mu.Lock()
	s.offset = resp.ClockOffset
	s.lastSync = now
	s.mu.Unlock()
	s.target.SetClockOffset(resp.ClockOffset)

	s.logger.Info("clock synchronized",
		"server", s.cfg.Server,
		"offset", resp.ClockOffset,
		"rtt", resp.RTT,
		"stratum", resp.Stratum,
	)
	s.bus.Emit(events.SourceClock, events.KindClockSynced, map[string]any{
		"server": s.cfg.Server, "offset_ms": resp.ClockOffset.Milliseconds(),
	})

	s.persist(ctx, now, resp.ClockOffset)
	return nil
}

// Restore applies the offset saved by the last successful sync, so
// timestamps are corrected before the first query completes.
func (s *Syncer) Restore(ctx context.Context) error {
	if s.state == nil {
		return nil
	}
	last, ok, err := s.state.GetTime(ctx, opstate.NamespaceClock, keyLastSync)
	if err != nil || !ok {
		return err
	}
	raw, err := s.state.Get(ctx, opstate.NamespaceClock, keyOffset)
	if err != nil {
		return err
	}
	ns, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("parse saved clock offset %q: %w", raw, err)
	}

	offset := time.Duration(ns)
	s.mu.Lock()
	s.offset = offset
	s.lastSync = last
	s.mu.Unlock()
	s.target.SetClockOffset(offset)
	s.logger.Debug("restored clock offset", "offset", offset, "last_sync", last)
	return nil
}

// Last returns when the clock was last synchronized and the offset then
// measured. The time is zero if it never has been.
func (s *Syncer) Last() (time.Time, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSync, s.offset
}

func (s *Syncer) persist(ctx context.Context, at time.Time, offset time.Duration) {
	if s.state == nil {
		return
	}
	err := errors.Join(
		s.state.SetTime(ctx, opstate.NamespaceClock, keyLastSync, at),
		s.state.Set(ctx, opstate.NamespaceClock, keyOffset, strconv.FormatInt(int64(offset), 10)),
		s.state.Set(ctx, opstate.NamespaceClock, keyServer, s.cfg.Server),
	)
	if err != nil {
		s.logger.Warn("failed to persist clock sync", "error", err)
	}
}
