package platform

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestLoadOrCreateDeviceID(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")

	id, err := LoadOrCreateDeviceID(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateDeviceID: %v", err)
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		t.Fatalf("id %q is not a UUID: %v", id, err)
	}
	if parsed.Version() != 7 {
		t.Errorf("uuid version = %d, want 7", parsed.Version())
	}

	again, err := LoadOrCreateDeviceID(dir)
	if err != nil || again != id {
		t.Errorf("second load = %q, %v; want %q", again, err, id)
	}
}

func TestLoadOrCreateDeviceID_ExistingFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, instanceFile), []byte("  sensor-42\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	id, err := LoadOrCreateDeviceID(dir)
	if err != nil || id != "sensor-42" {
		t.Errorf("id = %q, %v; want sensor-42", id, err)
	}
}

func newTestPlatform(t *testing.T, cfg Config) *Platform {
	t.Helper()
	if cfg.DeviceID == "" && cfg.DataDir == "" {
		cfg.DataDir = t.TempDir()
	}
	p, err := New(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestNow_OffsetAndZone(t *testing.T) {
	p := newTestPlatform(t, Config{DeviceID: "dev", TimezoneOffset: -7 * time.Hour})
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return base }

	if got := p.Now().Format(time.RFC3339); got != "2026-03-01T05:00:00-07:00" {
		t.Errorf("Now() = %s", got)
	}

	p.SetClockOffset(1500 * time.Millisecond)
	if got := p.Now(); !got.Equal(base.Add(1500 * time.Millisecond)) {
		t.Errorf("Now() with offset = %v", got)
	}
	if p.ClockOffset() != 1500*time.Millisecond {
		t.Errorf("ClockOffset() = %v", p.ClockOffset())
	}
}

func TestZone(t *testing.T) {
	tests := []struct {
		offset time.Duration
		name   string
	}{
		{0, "UTC"},
		{-7 * time.Hour, "UTC-07:00"},
		{5*time.Hour + 30*time.Minute, "UTC+05:30"},
	}
	for _, tt := range tests {
		z := Zone(tt.offset)
		if z.String() != tt.name {
			t.Errorf("Zone(%v) = %s, want %s", tt.offset, z, tt.name)
		}
		_, off := time.Date(2026, 1, 1, 0, 0, 0, 0, z).Zone()
		if time.Duration(off)*time.Second != tt.offset {
			t.Errorf("Zone(%v) offset = %ds", tt.offset, off)
		}
	}
}

func TestUptime(t *testing.T) {
	p := newTestPlatform(t, Config{DeviceID: "dev"})
	boot := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	p.bootTime = func(context.Context) (uint64, error) { return uint64(boot.Unix()), nil }
	p.now = func() time.Time { return boot.Add(90 * time.Minute) }

	if got := p.Uptime(); got != 90*time.Minute {
		t.Errorf("Uptime() = %v, want 90m", got)
	}
}

func TestUptime_FallsBackToProcess(t *testing.T) {
	p := newTestPlatform(t, Config{DeviceID: "dev"})
	p.bootTime = func(context.Context) (uint64, error) { return 0, errors.New("no /proc") }

	if got := p.Uptime(); got < 0 || got > time.Hour {
		t.Errorf("Uptime() = %v, want process uptime", got)
	}
}

func TestFreeMemory(t *testing.T) {
	p := newTestPlatform(t, Config{DeviceID: "dev"})
	p.availableMemory = func(context.Context) (uint64, error) { return 20480, nil }
	if got := p.FreeMemory(); got != 20480 {
		t.Errorf("FreeMemory() = %d", got)
	}
	p.availableMemory = func(context.Context) (uint64, error) { return 0, errors.New("unsupported") }
	if got := p.FreeMemory(); got != 0 {
		t.Errorf("FreeMemory() on error = %d, want 0", got)
	}
}

func TestBattery(t *testing.T) {
	dir := t.TempDir()
	write := func(supply, file, content string) {
		t.Helper()
		d := filepath.Join(dir, supply)
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(d, file), []byte(content+"\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	p := newTestPlatform(t, Config{DeviceID: "dev", PowerSupplyPath: dir})
	if _, _, ok := p.Battery(); ok {
		t.Fatal("Battery() ok with no supplies")
	}

	write("AC", "type", "Mains")
	write("AC", "voltage_now", "5000000")
	write("AC", "capacity", "100")
	if _, _, ok := p.Battery(); ok {
		t.Fatal("Battery() ok for mains supply")
	}

	write("BAT0", "type", "Battery")
	write("BAT0", "voltage_now", "3712000")
	write("BAT0", "capacity", "88")
	v, c, ok := p.Battery()
	if !ok || v != 3.712 || c != 88 {
		t.Errorf("Battery() = %v, %v, %v; want 3.712, 88, true", v, c, ok)
	}
}
