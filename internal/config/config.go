// Package config handles beacon configuration loading.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nugget/beacon/internal/cycle"
	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order: ./config.yaml,
// ~/.config/beacon/config.yaml, /etc/beacon/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "beacon", "config.yaml"))
	}

	paths = append(paths, "/etc/beacon/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all beacon configuration.
type Config struct {
	Broker    BrokerConfig    `yaml:"broker"`
	Publish   PublishConfig   `yaml:"publish"`
	Payload   PayloadConfig   `yaml:"payload"`
	Clock     ClockConfig     `yaml:"clock"`
	Naming    NamingConfig    `yaml:"naming"`
	Indicator IndicatorConfig `yaml:"indicator"`
	Status    StatusConfig    `yaml:"status"`
	Sampler   SamplerConfig   `yaml:"sampler"`

	// DeviceID overrides the generated id persisted in DataDir.
	DeviceID  string `yaml:"device_id"`
	DataDir   string `yaml:"data_dir"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // text or json
}

// BrokerConfig configures the MQTT session. Topics may contain {id},
// which is replaced with the device id.
type BrokerConfig struct {
	URL               string `yaml:"url"`
	Username          string `yaml:"username"`
	Password          string `yaml:"password"`
	ClientID          string `yaml:"client_id"`
	KeepAliveSec      int    `yaml:"keep_alive_sec"`
	Topic             string `yaml:"topic"`
	ReceiveTopic      string `yaml:"receive_topic"`
	AvailabilityTopic string `yaml:"availability_topic"`
	MaxPacketSize     int    `yaml:"max_packet_size"`
	MaxHeaderSize     int    `yaml:"max_header_size"`
	UpdateTickMs      int    `yaml:"update_tick_ms"`
	ServicePerSlice   int    `yaml:"service_per_slice"`
	ConnectTimeoutSec int    `yaml:"connect_timeout_sec"`
	// InboundRateLimit caps received messages per minute; 0 is unlimited.
	InboundRateLimit int `yaml:"inbound_rate_limit"`
}

// PublishConfig controls the publish cycle.
type PublishConfig struct {
	RateSec     int  `yaml:"rate_sec"`
	AutoPublish bool `yaml:"auto_publish"`
}

// PayloadConfig names the reserved payload properties and selects which
// platform facts are included.
type PayloadConfig struct {
	IDProperty             string  `yaml:"id_property"`
	IncludeName            bool    `yaml:"include_name"`
	NameProperty           string  `yaml:"name_property"`
	IncludeUptime          bool    `yaml:"include_uptime"`
	UptimeProperty         string  `yaml:"uptime_property"`
	IncludeFreeMemory      bool    `yaml:"include_free_memory"`
	FreeMemoryProperty     string  `yaml:"free_memory_property"`
	IncludeBattery         bool    `yaml:"include_battery"`
	BatteryVoltageProperty string  `yaml:"battery_voltage_property"`
	BatteryChargeProperty  string  `yaml:"battery_charge_property"`
	IncludeTimestamp       bool    `yaml:"include_timestamp"`
	TimestampProperty      string  `yaml:"timestamp_property"`
	DecimalPlaces          int     `yaml:"decimal_places"`
	TimezoneOffsetHours    float64 `yaml:"timezone_offset_hours"`
}

// ClockConfig configures NTP resync. An empty server disables it.
type ClockConfig struct {
	NTPServer         string `yaml:"ntp_server"`
	ResyncIntervalMin int    `yaml:"resync_interval_min"`
	TimeoutSec        int    `yaml:"timeout_sec"`
}

// NamingConfig configures device-name resolution.
type NamingConfig struct {
	// Enabled holds each cycle until a name is known.
	Enabled         bool   `yaml:"enabled"`
	Name            string `yaml:"name"`
	RegistryURL     string `yaml:"registry_url"`
	RetryIntervalMs int    `yaml:"retry_interval_ms"`
}

// IndicatorConfig configures the status LED.
type IndicatorConfig struct {
	// LEDPath is a sysfs brightness file. Empty logs patterns instead.
	LEDPath        string `yaml:"led_path"`
	ShowPublish    bool   `yaml:"show_publish"`
	PublishPulseMs int    `yaml:"publish_pulse_ms"`
}

// StatusConfig configures the local status API. Port 0 disables it.
type StatusConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// SamplerConfig selects the host readings recorded each cycle.
type SamplerConfig struct {
	Enabled     bool `yaml:"enabled"`
	Load        bool `yaml:"load"`
	Temperature bool `yaml:"temperature"`
	Goroutines  bool `yaml:"goroutines"`
}

// Load reads configuration from a YAML file. Environment variables are
// expanded, then the file is applied over [Default] and validated.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	cfg.DataDir = ExpandHome(cfg.DataDir)
	cfg.Indicator.LEDPath = ExpandHome(cfg.Indicator.LEDPath)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			URL:               "mqtt://localhost:1883",
			KeepAliveSec:      20,
			Topic:             "beacon/{id}/telemetry",
			ReceiveTopic:      "beacon/{id}/inbox",
			AvailabilityTopic: "beacon/{id}/status",
			MaxPacketSize:     640,
			MaxHeaderSize:     160,
			UpdateTickMs:      1000,
			ServicePerSlice:   4,
			ConnectTimeoutSec: 10,
			InboundRateLimit:  120,
		},
		Publish: PublishConfig{
			RateSec:     10,
			AutoPublish: true,
		},
		Payload: PayloadConfig{
			IDProperty:             "id",
			NameProperty:           "name",
			IncludeUptime:          true,
			UptimeProperty:         "ut",
			IncludeFreeMemory:      true,
			FreeMemoryProperty:     "mem",
			BatteryVoltageProperty: "bv",
			BatteryChargeProperty:  "bc",
			IncludeTimestamp:       true,
			TimestampProperty:      "ts",
			DecimalPlaces:          3,
			TimezoneOffsetHours:    -7,
		},
		Clock: ClockConfig{
			NTPServer:         "pool.ntp.org",
			ResyncIntervalMin: 1440,
			TimeoutSec:        5,
		},
		Naming: NamingConfig{
			RetryIntervalMs: 2000,
		},
		Indicator: IndicatorConfig{
			ShowPublish:    true,
			PublishPulseMs: 20,
		},
		Status: StatusConfig{
			Address: "127.0.0.1",
			Port:    8089,
		},
		Sampler: SamplerConfig{
			Enabled:     true,
			Load:        true,
			Temperature: true,
			Goroutines:  true,
		},
		DataDir:   "data",
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// applyDefaults restores defaults for fields a config file zeroed out
// where zero is never meaningful.
func (c *Config) applyDefaults() {
	d := Default()
	if c.Broker.UpdateTickMs <= 0 {
		c.Broker.UpdateTickMs = d.Broker.UpdateTickMs
	}
	if c.Broker.ServicePerSlice <= 0 {
		c.Broker.ServicePerSlice = d.Broker.ServicePerSlice
	}
	if c.Broker.ConnectTimeoutSec <= 0 {
		c.Broker.ConnectTimeoutSec = d.Broker.ConnectTimeoutSec
	}
	if c.Payload.IDProperty == "" {
		c.Payload.IDProperty = d.Payload.IDProperty
	}
	if c.Clock.ResyncIntervalMin <= 0 {
		c.Clock.ResyncIntervalMin = d.Clock.ResyncIntervalMin
	}
	if c.Clock.TimeoutSec <= 0 {
		c.Clock.TimeoutSec = d.Clock.TimeoutSec
	}
	if c.Naming.RetryIntervalMs <= 0 {
		c.Naming.RetryIntervalMs = d.Naming.RetryIntervalMs
	}
	if c.DataDir == "" {
		c.DataDir = d.DataDir
	}
	if c.LogFormat == "" {
		c.LogFormat = d.LogFormat
	}
}

// Validate reports every configuration problem found.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if u, err := url.Parse(c.Broker.URL); err != nil || u.Host == "" {
		add("broker.url %q is not a broker URL", c.Broker.URL)
	}
	if strings.TrimSpace(c.Broker.Topic) == "" {
		add("broker.topic is required")
	}
	if c.Broker.KeepAliveSec < 0 || c.Broker.KeepAliveSec > 65535 {
		add("broker.keep_alive_sec %d out of range", c.Broker.KeepAliveSec)
	}
	if c.Broker.MaxHeaderSize < 0 || c.Broker.MaxPacketSize <= c.Broker.MaxHeaderSize {
		add("broker.max_packet_size (%d) must exceed broker.max_header_size (%d)",
			c.Broker.MaxPacketSize, c.Broker.MaxHeaderSize)
	}
	if budget, need := c.Broker.MaxPacketSize-c.Broker.MaxHeaderSize, c.minBudget(); budget > 0 && budget < need {
		add("payload budget %d (max_packet_size - max_header_size) cannot hold a %d byte error report",
			budget, need)
	}
	if c.Broker.InboundRateLimit < 0 {
		add("broker.inbound_rate_limit must not be negative")
	}
	if c.Publish.RateSec < 1 {
		add("publish.rate_sec must be at least 1")
	}
	if c.Payload.DecimalPlaces < 0 || c.Payload.DecimalPlaces > 10 {
		add("payload.decimal_places %d out of range 0-10", c.Payload.DecimalPlaces)
	}
	if c.Payload.TimezoneOffsetHours < -12 || c.Payload.TimezoneOffsetHours > 14 {
		add("payload.timezone_offset_hours %v out of range", c.Payload.TimezoneOffsetHours)
	}
	if c.Naming.Enabled && c.Naming.Name == "" && c.Naming.RegistryURL == "" {
		add("naming.enabled requires naming.name or naming.registry_url")
	}
	if c.Status.Port < 0 || c.Status.Port > 65535 {
		add("status.port %d out of range", c.Status.Port)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		add("log_level: %v", err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		add("log_format %q must be text or json", c.LogFormat)
	}
	return errors.Join(errs...)
}

// generatedIDLength is the text length of a generated UUID device id.
const generatedIDLength = 36

// minBudget is the smallest payload budget that fits the longest error
// report for this device id, or a generated one when none is set.
func (c *Config) minBudget() int {
	return cycle.MinBudget(c.Payload.IDProperty, max(len(c.DeviceID), generatedIDLength))
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return filepath.Join(home, path[2:])
	}
	return path
}

// ExpandTopic replaces {id} in topic with deviceID.
func ExpandTopic(topic, deviceID string) string {
	return strings.ReplaceAll(topic, "{id}", deviceID)
}

// UpdateTick returns the wait-slice length.
func (b BrokerConfig) UpdateTick() time.Duration {
	return time.Duration(b.UpdateTickMs) * time.Millisecond
}

// ConnectTimeout returns the dial plus login bound.
func (b BrokerConfig) ConnectTimeout() time.Duration {
	return time.Duration(b.ConnectTimeoutSec) * time.Second
}

// TimezoneOffset returns the timestamp zone offset.
func (p PayloadConfig) TimezoneOffset() time.Duration {
	return time.Duration(p.TimezoneOffsetHours * float64(time.Hour))
}

// ResyncInterval returns the minimum time between clock resyncs.
func (c ClockConfig) ResyncInterval() time.Duration {
	return time.Duration(c.ResyncIntervalMin) * time.Minute
}

// Timeout returns the NTP query timeout.
func (c ClockConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// RetryInterval returns the wait between name requests.
func (n NamingConfig) RetryInterval() time.Duration {
	return time.Duration(n.RetryIntervalMs) * time.Millisecond
}

// PublishPulse returns the publish flash length.
func (i IndicatorConfig) PublishPulse() time.Duration {
	return time.Duration(i.PublishPulseMs) * time.Millisecond
}

// Addr returns the status API listen address.
func (s StatusConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Address, s.Port)
}
