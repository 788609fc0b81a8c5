// Package sampler records host readings into the telemetry store each
// publish cycle, so a headless agent has something worth publishing.
package sampler

import (
	"context"
	"log/slog"
	"runtime"

	"github.com/nugget/beacon/internal/telemetry"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/sensors"
)

// Value names written to the store.
const (
	NameLoad       = "load1"
	NameCPUTemp    = "cpu_temp"
	NameGoroutines = "goroutines"
)

// Config selects which readings are taken.
type Config struct {
	Load        bool
	Temperature bool
	Goroutines  bool
}

// Setter receives readings. *cycle.Scheduler satisfies it.
type Setter interface {
	SetValue(name string, v telemetry.Value)
	RemoveValue(name string)
}

// Sampler takes host readings.
type Sampler struct {
	cfg    Config
	logger *slog.Logger

	loadAvg    func(ctx context.Context) (*load.AvgStat, error)
	temps      func(ctx context.Context) ([]sensors.TemperatureStat, error)
	goroutines func() int

	// warned suppresses repeated logs for readings the host cannot supply.
	warned map[string]bool
}

// New creates a sampler.
func New(cfg Config, logger *slog.Logger) *Sampler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sampler{
		cfg:        cfg,
		logger:     logger,
		loadAvg:    load.AvgWithContext,
		temps:      sensors.TemperaturesWithContext,
		goroutines: runtime.NumGoroutine,
		warned:     make(map[string]bool),
	}
}

// Sample records the enabled readings into dst. A reading that cannot be
// taken is removed so a stale value is never published.
func (s *Sampler) Sample(ctx context.Context, dst Setter) {
	if s.cfg.Load {
		if avg, err := s.loadAvg(ctx); err != nil {
			s.unavailable(NameLoad, err)
			dst.RemoveValue(NameLoad)
		} else {
			dst.SetValue(NameLoad, telemetry.Decimal(avg.Load1, 2))
		}
	}

	if s.cfg.Temperature {
		if t, ok := s.hottest(ctx); ok {
			dst.SetValue(NameCPUTemp, telemetry.DecimalUnits(t, "C", 1))
		} else {
			dst.RemoveValue(NameCPUTemp)
		}
	}

	if s.cfg.Goroutines {
		dst.SetValue(NameGoroutines, telemetry.Int(int64(s.goroutines())))
	}
}

// hottest returns the highest sensor reading. Sensor enumeration often
// returns partial results alongside a warning error; any readings are
// used.
func (s *Sampler) hottest(ctx context.Context) (float64, bool) {
	stats, err := s.temps(ctx)
	if len(stats) == 0 {
		s.unavailable(NameCPUTemp, err)
		return 0, false
	}
	best, found := 0.0, false
	for _, st := range stats {
		if st.Temperature <= 0 {
			continue
		}
		if !found || st.Temperature > best {
			best, found = st.Temperature, true
		}
	}
	if !found {
		s.unavailable(NameCPUTemp, err)
	}
	return best, found
}

func (s *Sampler) unavailable(name string, err error) {
	if s.warned[name] {
		return
	}
	s.warned[name] = true
	s.logger.Debug("host reading unavailable", "reading", name, "error", err)
}
