// Package platform reports the device facts attached to every payload:
// a persistent device id, host uptime, available memory, battery state
// and a wall clock corrected by the last time-source resync and shifted
// into the configured timezone offset.
package platform

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/beacon/internal/buildinfo"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
)

// Config configures a Platform.
type Config struct {
	// DataDir holds the persisted device id.
	DataDir string
	// DeviceID overrides the persisted id when set.
	DeviceID string
	// TimezoneOffset is applied to timestamps.
	TimezoneOffset time.Duration
	// PowerSupplyPath defaults to [DefaultPowerSupplyPath].
	PowerSupplyPath string
}

// Platform implements the device-facts provider. Uptime, FreeMemory and
// Battery are read fresh on each call.
type Platform struct {
	id          string
	zone        *time.Location
	powerSupply string
	logger      *slog.Logger

	offset atomic.Int64 // clock correction, nanoseconds

	bootOnce sync.Once
	boot     time.Time

	now             func() time.Time
	bootTime        func(context.Context) (uint64, error)
	availableMemory func(context.Context) (uint64, error)
}

// New resolves the device id and returns a Platform.
func New(cfg Config, logger *slog.Logger) (*Platform, error) {
	if logger == nil {
		logger = slog.Default()
	}

	id := cfg.DeviceID
	if id == "" {
		var err error
		id, err = LoadOrCreateDeviceID(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("device id: %w", err)
		}
	}

	ps := cfg.PowerSupplyPath
	if ps == "" {
		ps = DefaultPowerSupplyPath
	}

	return &Platform{
		id:              id,
		zone:            Zone(cfg.TimezoneOffset),
		powerSupply:     ps,
		logger:          logger,
		now:             time.Now,
		bootTime:        host.BootTimeWithContext,
		availableMemory: availableMemory,
	}, nil
}

// Zone returns a fixed zone for offset, named like "UTC-07:00".
func Zone(offset time.Duration) *time.Location {
	if offset == 0 {
		return time.UTC
	}
	secs := int(offset / time.Second)
	sign := '+'
	abs := secs
	if secs < 0 {
		sign = '-'
		abs = -secs
	}
	name := fmt.Sprintf("UTC%c%02d:%02d", sign, abs/3600, abs%3600/60)
	return time.FixedZone(name, secs)
}

// DeviceID returns the stable device identifier.
func (p *Platform) DeviceID() string { return p.id }

// Uptime returns time since host boot, or process uptime when the boot
// time cannot be read.
func (p *Platform) Uptime() time.Duration {
	p.bootOnce.Do(func() {
		secs, err := p.bootTime(context.Background())
		if err != nil {
			p.logger.Debug("host boot time unavailable, using process uptime", "error", err)
			return
		}
		p.boot = time.Unix(int64(secs), 0)
	})
	if p.boot.IsZero() {
		return buildinfo.Uptime()
	}
	return max(p.now().Sub(p.boot), 0)
}

// FreeMemory returns available memory in bytes, or 0 if unknown.
func (p *Platform) FreeMemory() uint64 {
	n, err := p.availableMemory(context.Background())
	if err != nil {
		p.logger.Debug("available memory unavailable", "error", err)
		return 0
	}
	return n
}

// Battery returns voltage and state of charge from the power supply
// class. ok is false on hosts without a battery.
func (p *Platform) Battery() (voltage, charge float64, ok bool) {
	return readBattery(p.powerSupply)
}

// Now returns the corrected wall clock in the configured zone.
func (p *Platform) Now() time.Time {
	return p.now().Add(p.ClockOffset()).In(p.zone)
}

// SetClockOffset sets the correction added to the system clock.
func (p *Platform) SetClockOffset(d time.Duration) { p.offset.Store(int64(d)) }

// ClockOffset returns the current clock correction.
func (p *Platform) ClockOffset() time.Duration { return time.Duration(p.offset.Load()) }

func availableMemory(ctx context.Context) (uint64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return vm.Available, nil
}
