// Beacon is a telemetry agent. It publishes a JSON snapshot of named
// readings to an MQTT broker on a fixed cadence, keeping the session
// alive between publishes and resynchronising its clock over NTP.
//
// Usage:
//
//	beacon run               Start the publish loop
//	beacon init [dir]        Write an example config into dir
//	beacon version           Print version and build information
//	beacon -o json version   Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/beacon/internal/broker"
	"github.com/nugget/beacon/internal/buildinfo"
	"github.com/nugget/beacon/internal/clocksync"
	"github.com/nugget/beacon/internal/config"
	"github.com/nugget/beacon/internal/connection"
	"github.com/nugget/beacon/internal/cycle"
	"github.com/nugget/beacon/internal/events"
	"github.com/nugget/beacon/internal/indicator"
	"github.com/nugget/beacon/internal/metrics"
	"github.com/nugget/beacon/internal/naming"
	"github.com/nugget/beacon/internal/opstate"
	"github.com/nugget/beacon/internal/payload"
	"github.com/nugget/beacon/internal/platform"
	"github.com/nugget/beacon/internal/sampler"
	"github.com/nugget/beacon/internal/statusapi"
	"github.com/nugget/beacon/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// main builds the OS-level environment and hands off to [run], keeping
// os.Exit, os.Stdout and os.Args out of the application logic.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Cancelling ctx stops the publish loop and
// the status server. Logs go to stdout. args is os.Args[1:], parsed by
// hand so tests can call run concurrently.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "run":
		return runAgent(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Current()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, f := range info.Fields() {
		fmt.Fprintf(w, "  %-12s %s\n", f.Name+":", f.Value)
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Beacon - MQTT telemetry agent")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: beacon [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  run          Start the publish loop")
	fmt.Fprintln(w, "  init [dir]   Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/beacon/config.yaml, /etc/beacon/config.yaml")
	return nil
}

// runAgent wires the collaborators and drives publish cycles until ctx
// is cancelled or the process receives SIGINT or SIGTERM.
func runAgent(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	build := buildinfo.Current()
	logger.Info("starting beacon", "version", build.Version, "commit", build.GitCommit, "built", build.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// ParseLogLevel was already checked by Validate.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger = newLogger(stdout, level, cfg.LogFormat)

	endpoint, err := broker.ParseURL(cfg.Broker.URL)
	if err != nil {
		return err
	}
	logger.Info("config loaded", "path", cfgPath, "broker", endpoint.Host, "port", endpoint.Port, "tls", endpoint.TLS)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Persistent state ---
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}
	state, err := opstate.Open(filepath.Join(cfg.DataDir, "state.db"))
	if err != nil {
		return err
	}
	defer state.Close()

	plat, err := platform.New(platform.Config{
		DataDir:        cfg.DataDir,
		DeviceID:       cfg.DeviceID,
		TimezoneOffset: cfg.Payload.TimezoneOffset(),
	}, logger)
	if err != nil {
		return err
	}
	deviceID := plat.DeviceID()
	logger.Info("device identity", "device_id", deviceID)

	bus := events.New()

	var flasher indicator.Flasher = indicator.Logging{Logger: logger}
	if cfg.Indicator.LEDPath != "" {
		flasher = indicator.NewLED(cfg.Indicator.LEDPath, logger)
	}

	// --- Broker session ---
	clientID := cfg.Broker.ClientID
	if clientID == "" {
		clientID = "beacon-" + deviceID
	}
	var transport *broker.Transport
	dial := func(h connection.InboundHandler) connection.Transport {
		transport = broker.New(broker.Options{
			ClientID:          clientID,
			TLS:               endpoint.TLS,
			ConnectTimeout:    cfg.Broker.ConnectTimeout(),
			AvailabilityTopic: config.ExpandTopic(cfg.Broker.AvailabilityTopic, deviceID),
			RateLimit:         cfg.Broker.InboundRateLimit,
		}, h, logger, bus)
		return transport
	}
	conn := connection.NewManager(connection.Config{
		Host:      endpoint.Host,
		Port:      endpoint.Port,
		Username:  cfg.Broker.Username,
		Password:  cfg.Broker.Password,
		KeepAlive: cfg.Broker.KeepAliveSec,
	}, dial, logger,
		connection.WithFlasher(flasher),
		connection.WithEvents(bus),
		connection.WithInbound(broker.LogHandler(logger)),
	)
	defer func() {
		if transport == nil {
			return
		}
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		if err := transport.Close(closeCtx); err != nil {
			logger.Warn("broker close failed", "error", err)
		}
	}()

	// --- Cycle collaborators ---
	opts := []cycle.Option{cycle.WithFlasher(flasher), cycle.WithEvents(bus)}

	var syncer *clocksync.Syncer
	if cfg.Clock.NTPServer != "" {
		syncer = clocksync.New(clocksync.Config{
			Server:  cfg.Clock.NTPServer,
			Timeout: cfg.Clock.Timeout(),
		}, plat, state, bus, logger)
		if err := syncer.Restore(ctx); err != nil {
			logger.Warn("clock offset restore failed", "error", err)
		}
		opts = append(opts, cycle.WithTimeSyncer(syncer))
	}

	var resolver *naming.Resolver
	if cfg.Naming.Enabled || cfg.Payload.IncludeName {
		resolver = naming.New(naming.Config{
			Static:      cfg.Naming.Name,
			RegistryURL: cfg.Naming.RegistryURL,
		}, deviceID, nil, state, logger)
		if err := resolver.Load(ctx); err != nil {
			logger.Warn("cached device name unavailable", "error", err)
		}
		opts = append(opts, cycle.WithNamer(resolver))
	}

	sched := cycle.New(cycleConfig(cfg, deviceID), telemetry.NewStore(), conn, plat, logger, opts...)

	// --- Observability ---
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.New(reg)
	go collector.Run(ctx, bus)

	tracker := statusapi.NewTracker(deviceID)
	if cfg.Status.Port > 0 {
		server := statusapi.NewServer(cfg.Status.Address, cfg.Status.Port, tracker, bus, reg, logger)
		go func() {
			if err := server.Start(ctx); err != nil {
				logger.Error("status server failed", "error", err)
			}
		}()
	}

	var smp *sampler.Sampler
	if cfg.Sampler.Enabled {
		smp = sampler.New(sampler.Config{
			Load:        cfg.Sampler.Load,
			Temperature: cfg.Sampler.Temperature,
			Goroutines:  cfg.Sampler.Goroutines,
		}, logger)
	}

	logger.Info("publish loop starting",
		"topic", config.ExpandTopic(cfg.Broker.Topic, deviceID),
		"rate_sec", sched.PublishRate(),
		"keep_alive_sec", conn.KeepAlive(),
		"budget", cfg.Broker.MaxPacketSize-cfg.Broker.MaxHeaderSize,
	)

	var topic string
	if !cfg.Publish.AutoPublish {
		topic = config.ExpandTopic(cfg.Broker.Topic, deviceID)
	}
	driveCycles(ctx, sched, topic, func() {
		if smp != nil {
			smp.Sample(ctx, sched)
		}
		recordStatus(tracker, sched, conn, syncer, resolver)
	}, logger)

	logger.Info("publish loop stopped")
	return nil
}

// cycler is the part of *cycle.Scheduler the publish loop drives.
type cycler interface {
	BeginUpdate(ctx context.Context) error
	EndUpdate(ctx context.Context) error
	Publish(ctx context.Context, topic string) bool
	Idle(ctx context.Context) error
}

// driveCycles runs publish cycles until ctx ends. sample runs between
// BeginUpdate and the publish. With manualTopic set, auto-publish is off
// and the loop publishes to it and paces with Idle itself, since
// EndUpdate then returns at once.
func driveCycles(ctx context.Context, c cycler, manualTopic string, sample func(), logger *slog.Logger) {
	for ctx.Err() == nil {
		if err := c.BeginUpdate(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("cycle start failed", "error", err)
			continue
		}
		sample()

		if err := c.EndUpdate(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("cycle end failed", "error", err)
		}
		if manualTopic == "" {
			continue
		}
		c.Publish(ctx, manualTopic)
		if err := c.Idle(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("cycle wait failed", "error", err)
		}
	}
}

// cycleConfig maps the file configuration onto the scheduler.
func cycleConfig(cfg *config.Config, deviceID string) cycle.Config {
	p := cfg.Payload
	return cycle.Config{
		Topic:             config.ExpandTopic(cfg.Broker.Topic, deviceID),
		ReceiveTopic:      config.ExpandTopic(cfg.Broker.ReceiveTopic, deviceID),
		PublishRate:       cfg.Publish.RateSec,
		AutoPublish:       cfg.Publish.AutoPublish,
		MaxPacketSize:     cfg.Broker.MaxPacketSize,
		MaxHeaderSize:     cfg.Broker.MaxHeaderSize,
		UpdateTick:        cfg.Broker.UpdateTick(),
		ServicePerSlice:   cfg.Broker.ServicePerSlice,
		ResyncInterval:    cfg.Clock.ResyncInterval(),
		UseDeviceName:     cfg.Naming.Enabled,
		NameRetryInterval: cfg.Naming.RetryInterval(),
		ShowPublish:       cfg.Indicator.ShowPublish,
		PublishPulse:      cfg.Indicator.PublishPulse(),
		Payload: payload.Options{
			IDProperty:             p.IDProperty,
			IncludeName:            p.IncludeName,
			NameProperty:           p.NameProperty,
			IncludeUptime:          p.IncludeUptime,
			UptimeProperty:         p.UptimeProperty,
			IncludeFreeMemory:      p.IncludeFreeMemory,
			FreeMemoryProperty:     p.FreeMemoryProperty,
			IncludeBattery:         p.IncludeBattery,
			BatteryVoltageProperty: p.BatteryVoltageProperty,
			BatteryChargeProperty:  p.BatteryChargeProperty,
			IncludeTimestamp:       p.IncludeTimestamp,
			TimestampProperty:      p.TimestampProperty,
			DecimalPlaces:          p.DecimalPlaces,
		},
	}
}

// recordStatus copies the loop-owned state into the tracker read by the
// status API.
func recordStatus(tracker *statusapi.Tracker, sched *cycle.Scheduler, conn *connection.Manager, syncer *clocksync.Syncer, resolver *naming.Resolver) {
	body, res := sched.Preview()
	code := sched.Error()
	tracker.Update(func(s *statusapi.Status) {
		s.Connection = conn.State().String()
		s.KeepAliveSec = conn.KeepAlive()
		s.PublishRateSec = sched.PublishRate()
		s.Error = code.String()
		s.ErrorCode = code.Code()
		s.Values = sched.Store().Len()
		s.LastCycle = time.Now()
		s.Payload = body
		s.PayloadOverflow = res == payload.Overflow
		if resolver != nil {
			s.Name = resolver.Name()
		}
		if syncer != nil {
			last, offset := syncer.Last()
			s.LastClockSync = last
			s.ClockOffsetMs = offset.Milliseconds()
		}
	})
}

// newLogger creates a structured logger that writes to w at the given
// level and format.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	return config.NewLogger(w, level, format)
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used and must exist.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
