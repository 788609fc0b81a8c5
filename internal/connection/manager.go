// Package connection owns the broker session: lazy creation of the
// transport handle, login and reconnect, keep-alive renegotiation, and the
// receive-topic subscription. It has no retry schedule of its own; the
// publish cycle calls Reconnect at most once per cycle, which makes the
// publish rate the backoff floor.
package connection

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nugget/beacon/internal/events"
	"github.com/nugget/beacon/internal/indicator"
)

// MinKeepAlive is the smallest keep-alive (seconds) the manager accepts.
const MinKeepAlive = 5

// State is the session state as seen by the manager.
type State int

const (
	Disconnected State = iota
	Connected
	Subscribed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	case Subscribed:
		return "subscribed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config holds the broker endpoint and credentials. They are fixed for
// the life of the manager.
type Config struct {
	Host      string
	Port      int
	Username  string
	Password  string
	KeepAlive int // seconds
}

// Manager drives a single [Transport]. It is not safe for concurrent use;
// the publish cycle owns it.
type Manager struct {
	cfg       Config
	keepAlive int
	dial      Dialer
	inbound   InboundHandler
	transport Transport
	state     State

	flasher indicator.Flasher
	bus     *events.Bus
	logger  *slog.Logger
}

// Option configures optional Manager collaborators.
type Option func(*Manager)

// WithFlasher sets the visual signal used for connect outcomes.
func WithFlasher(f indicator.Flasher) Option {
	return func(m *Manager) { m.flasher = f }
}

// WithEvents publishes connection events on bus.
func WithEvents(bus *events.Bus) Option {
	return func(m *Manager) { m.bus = bus }
}

// WithInbound sets the handler bound to the transport at creation.
func WithInbound(h InboundHandler) Option {
	return func(m *Manager) { m.inbound = h }
}

// NewManager creates a manager. No transport exists and nothing is dialed
// until [Manager.Connect] is called.
func NewManager(cfg Config, dial Dialer, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		cfg:       cfg,
		keepAlive: clampKeepAlive(cfg.KeepAlive),
		dial:      dial,
		flasher:   indicator.Nop{},
		logger:    logger,
	}
	for _, o := range opts {
		o(m)
	}
	if m.inbound == nil {
		m.inbound = func(string, []byte) {}
	}
	return m
}

// Connect logs in to the broker, creating the transport on first use.
func (m *Manager) Connect(ctx context.Context) bool {
	if m.transport == nil {
		m.transport = m.dial(m.inbound)
		m.transport.SetKeepAlive(m.keepAlive)
		m.logger.Debug("broker transport created",
			"host", m.cfg.Host, "port", m.cfg.Port, "keep_alive", m.keepAlive)
	}

	if m.transport.Connect(ctx, m.cfg.Host, m.cfg.Port, m.cfg.Username, m.cfg.Password) && m.transport.IsConnected() {
		m.state = Connected
		m.logger.Info("connected to broker",
			"host", m.cfg.Host, "port", m.cfg.Port, "keep_alive", m.keepAlive)
		m.bus.Emit(events.SourceConnection, events.KindConnected, map[string]any{
			"host": m.cfg.Host, "port": m.cfg.Port, "keep_alive": m.keepAlive,
		})
		m.flasher.Flash(ctx, indicator.ConnectOK)
		return true
	}

	m.state = Disconnected
	m.logger.Warn("broker connection failed", "host", m.cfg.Host, "port", m.cfg.Port)
	m.bus.Emit(events.SourceConnection, events.KindConnectFailed, map[string]any{
		"host": m.cfg.Host, "port": m.cfg.Port,
	})
	m.flasher.Flash(ctx, indicator.ConnectFail)
	return false
}

// Reconnect drops the subscription flag and connects again with the
// configured parameters.
func (m *Manager) Reconnect(ctx context.Context) bool {
	m.state = Disconnected
	m.logger.Debug("reconnecting to broker", "host", m.cfg.Host)
	m.bus.Emit(events.SourceConnection, events.KindReconnect, nil)
	m.flasher.Flash(ctx, indicator.Reconnect)
	return m.Connect(ctx)
}

// IsConnected reports whether the transport holds a live session. A lost
// session also clears the subscription flag.
func (m *Manager) IsConnected() bool {
	if m.transport == nil || !m.transport.IsConnected() {
		m.state = Disconnected
		return false
	}
	if m.state == Disconnected {
		m.state = Connected
	}
	return true
}

// State returns the last observed session state.
func (m *Manager) State() State { return m.state }

// KeepAlive returns the keep-alive (seconds) used for the next connect.
func (m *Manager) KeepAlive() int { return m.keepAlive }

// SetKeepAlive changes the keep-alive interval. A value equal to the
// current one is a no-op; any other value is raised to [MinKeepAlive] if
// needed and, since the broker only learns the interval at login, forces
// a reconnect when a transport exists. The comparison uses the requested
// value, so asking for 3 while at 5 still reconnects.
func (m *Manager) SetKeepAlive(ctx context.Context, seconds int) {
	if seconds == m.keepAlive {
		return
	}
	seconds = clampKeepAlive(seconds)
	m.keepAlive = seconds
	m.bus.Emit(events.SourceConnection, events.KindKeepAliveChanged, map[string]any{"seconds": seconds})

	if m.transport == nil {
		return
	}
	m.transport.SetKeepAlive(seconds)
	m.Reconnect(ctx)
}

// Publish sends payload on topic. It returns false without trying when
// no session is live.
func (m *Manager) Publish(ctx context.Context, topic string, payload []byte) bool {
	if !m.IsConnected() {
		return false
	}
	return m.transport.Publish(ctx, topic, payload)
}

// EnsureSubscribed subscribes to topic once per session. It is a no-op
// while disconnected or already subscribed.
func (m *Manager) EnsureSubscribed(ctx context.Context, topic string) bool {
	if topic == "" || !m.IsConnected() {
		return false
	}
	if m.state == Subscribed {
		return true
	}
	if !m.transport.Subscribe(ctx, topic) {
		m.logger.Debug("subscribe failed", "topic", topic)
		return false
	}
	m.state = Subscribed
	m.logger.Info("subscribed", "topic", topic)
	m.bus.Emit(events.SourceConnection, events.KindSubscribed, map[string]any{"topic": topic})
	return true
}

// Service runs one transport tick if a transport exists.
func (m *Manager) Service(ctx context.Context) {
	if m.transport != nil {
		m.transport.ServiceOnce(ctx)
	}
}

func clampKeepAlive(seconds int) int {
	if seconds < MinKeepAlive {
		return MinKeepAlive
	}
	return seconds
}
