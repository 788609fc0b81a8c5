package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nugget/beacon/internal/buildinfo"
	"github.com/nugget/beacon/internal/config"
	"github.com/nugget/beacon/internal/cycle"
	"github.com/nugget/beacon/internal/telemetry"
)

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		var stdout, stderr bytes.Buffer
		if err := run(context.Background(), &stdout, &stderr, args); err != nil {
			t.Fatalf("run(%v) error: %v", args, err)
		}
		if !strings.Contains(stdout.String(), "Usage: beacon") {
			t.Errorf("run(%v) output = %q", args, stdout.String())
		}
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"bogus"}, "unknown command"},
		{[]string{"-x"}, "unknown flag"},
		{[]string{"-o", "yaml", "version"}, "unknown output format"},
		{[]string{"-config", "/nonexistent/beacon.yaml", "run"}, "config file not found"},
	}
	for _, tt := range tests {
		var stdout, stderr bytes.Buffer
		err := run(context.Background(), &stdout, &stderr, tt.args)
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("run(%v) = %v, want error containing %q", tt.args, err, tt.want)
		}
	}
}

func TestRun_Version(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), &stdout, &stderr, []string{"version"}); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(stdout.String(), buildinfo.String()) || !strings.Contains(stdout.String(), "go_version:") {
		t.Errorf("version output = %q", stdout.String())
	}

	stdout.Reset()
	if err := run(context.Background(), &stdout, &stderr, []string{"-o", "json", "version"}); err != nil {
		t.Fatal(err)
	}
	var info map[string]string
	if err := json.Unmarshal(stdout.Bytes(), &info); err != nil {
		t.Fatalf("json version output: %v\n%s", err, stdout.String())
	}
	if info["version"] != buildinfo.Version {
		t.Errorf("version = %q", info["version"])
	}
}

func TestCycleConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Naming.Enabled = true
	cfg.Payload.IncludeBattery = true

	got := cycleConfig(cfg, "dev-1")
	if got.Topic != "beacon/dev-1/telemetry" || got.ReceiveTopic != "beacon/dev-1/inbox" {
		t.Errorf("topics = %q, %q", got.Topic, got.ReceiveTopic)
	}
	if got.Budget() != 480 || got.PublishRate != 10 || !got.AutoPublish {
		t.Errorf("budget %d, rate %d, auto %v", got.Budget(), got.PublishRate, got.AutoPublish)
	}
	if got.UpdateTick != time.Second || got.ServicePerSlice != 4 || got.ResyncInterval != 24*time.Hour {
		t.Errorf("pacing = %v, %d, %v", got.UpdateTick, got.ServicePerSlice, got.ResyncInterval)
	}
	if !got.UseDeviceName || got.NameRetryInterval != 2*time.Second {
		t.Errorf("naming = %v, %v", got.UseDeviceName, got.NameRetryInterval)
	}
	if !got.Payload.IncludeBattery || got.Payload.UptimeProperty != "ut" || got.Payload.DecimalPlaces != 3 {
		t.Errorf("payload options = %+v", got.Payload)
	}
}

// TestRun_AgentShutsDown drives the whole agent against an unreachable
// broker and checks it stops promptly when the context is cancelled.
func TestRun_AgentShutsDown(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	cfgYAML := `
broker:
  url: mqtt://127.0.0.1:1
  connect_timeout_sec: 1
publish:
  rate_sec: 1
clock:
  ntp_server: ""
status:
  port: 0
device_id: test-device
data_dir: ` + filepath.Join(dir, "data") + `
log_level: error
`
	if err := os.WriteFile(cfgPath, []byte(cfgYAML), 0o600); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()

	var stdout, stderr bytes.Buffer
	done := make(chan error, 1)
	go func() { done <- run(ctx, &stdout, &stderr, []string{"-config", cfgPath, "run"}) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v\n%s", err, stdout.String())
		}
	case <-time.After(10 * time.Second):
		t.Fatal("agent did not stop after context cancel")
	}

	if _, err := os.Stat(filepath.Join(dir, "data", "state.db")); err != nil {
		t.Errorf("state database not created: %v", err)
	}
}

// recordingCycler mimics a scheduler with auto-publish off: EndUpdate
// returns at once and only Idle consumes time.
type recordingCycler struct {
	calls  []string
	cancel context.CancelFunc
	idles  int
}

func (c *recordingCycler) BeginUpdate(context.Context) error {
	c.calls = append(c.calls, "begin")
	return nil
}

func (c *recordingCycler) EndUpdate(context.Context) error {
	c.calls = append(c.calls, "end")
	return nil
}

func (c *recordingCycler) Publish(_ context.Context, topic string) bool {
	c.calls = append(c.calls, "publish:"+topic)
	return true
}

func (c *recordingCycler) Idle(context.Context) error {
	c.calls = append(c.calls, "idle")
	c.idles++
	if c.idles == 2 {
		c.cancel()
	}
	return nil
}

func TestDriveCycles_ManualPublishPaces(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := &recordingCycler{cancel: cancel}
	samples := 0

	driveCycles(ctx, c, "beacon/dev-1/telemetry", func() { samples++ }, slog.New(slog.NewTextHandler(io.Discard, nil)))

	want := "begin end publish:beacon/dev-1/telemetry idle begin end publish:beacon/dev-1/telemetry idle"
	if got := strings.Join(c.calls, " "); got != want {
		t.Errorf("calls = %s\nwant    %s", got, want)
	}
	if samples != 2 {
		t.Errorf("samples = %d, want 2", samples)
	}
}

func TestDriveCycles_AutoPublishLeavesPacingToEndUpdate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := &recordingCycler{cancel: cancel}
	n := 0
	driveCycles(ctx, c, "", func() {
		if n++; n == 3 {
			cancel()
		}
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	for _, call := range c.calls {
		if call == "idle" || strings.HasPrefix(call, "publish:") {
			t.Errorf("auto-publish loop called %s", call)
		}
	}
}

// idleConn is a broker session that is never up.
type idleConn struct{ reconnects int }

func (c *idleConn) IsConnected() bool                             { return false }
func (c *idleConn) Reconnect(context.Context) bool                { c.reconnects++; return false }
func (c *idleConn) EnsureSubscribed(context.Context, string) bool { return false }
func (c *idleConn) Publish(context.Context, string, []byte) bool  { return false }
func (c *idleConn) KeepAlive() int                                { return 60 }
func (c *idleConn) SetKeepAlive(context.Context, int)             {}
func (c *idleConn) Service(context.Context)                       {}

type staticPlatform struct{}

func (staticPlatform) DeviceID() string                  { return "dev-1" }
func (staticPlatform) Uptime() time.Duration             { return time.Minute }
func (staticPlatform) FreeMemory() uint64                { return 1024 }
func (staticPlatform) Battery() (float64, float64, bool) { return 0, 0, false }
func (staticPlatform) Now() time.Time                    { return time.Now() }

// TestDriveCycles_ManualModeDoesNotSpin runs a real scheduler with
// auto-publish off for a little over one publish interval and checks
// the loop waited instead of cycling continuously.
func TestDriveCycles_ManualModeDoesNotSpin(t *testing.T) {
	cfg := cycleConfig(config.Default(), "dev-1")
	cfg.AutoPublish = false
	cfg.PublishRate = 1
	cfg.UpdateTick = 100 * time.Millisecond
	conn := &idleConn{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sched := cycle.New(cfg, telemetry.NewStore(), conn, staticPlatform{}, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()
	driveCycles(ctx, sched, cfg.Topic, func() {}, logger)

	if conn.reconnects < 1 || conn.reconnects > 2 {
		t.Errorf("ran %d cycles in 1.5s at a 1s publish rate, want 1 or 2", conn.reconnects)
	}
}
