package broker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/paho"
	"github.com/nugget/beacon/internal/connection"
	"github.com/nugget/beacon/internal/events"
)

// Defaults for [Options] fields left zero.
const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultQueueSize      = 64
	DefaultRateWindow     = time.Minute
	// DefaultDeliverPerService bounds how many queued messages a single
	// ServiceOnce call hands to the handler.
	DefaultDeliverPerService = 8
)

// Options configures a [Transport].
type Options struct {
	// ClientID is the MQTT client identifier.
	ClientID string
	// TLS dials with TLS 1.2 or newer.
	TLS bool
	// TLSConfig overrides the default TLS configuration.
	TLSConfig *tls.Config
	// ConnectTimeout bounds dial plus login.
	ConnectTimeout time.Duration
	// AvailabilityTopic enables the retained online/offline status.
	AvailabilityTopic string
	// QueueSize is the inbound queue capacity.
	QueueSize int
	// RateLimit is the maximum inbound messages per RateWindow. Zero
	// disables the limit.
	RateLimit  int
	RateWindow time.Duration
	// DeliverPerService bounds deliveries per ServiceOnce.
	DeliverPerService int
	// Dial opens the network connection. Nil uses net.Dialer, wrapped in
	// TLS when TLS is set.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// Transport is a [connection.Transport] backed by a paho client. Each
// successful Connect replaces the previous client.
type Transport struct {
	opts    Options
	handler connection.InboundHandler
	logger  *slog.Logger
	bus     *events.Bus

	mu        sync.Mutex
	client    *paho.Client
	keepAlive uint16

	connected atomic.Bool
	queue     chan message
	limiter   *rateLimiter
	now       func() time.Time
}

var _ connection.Transport = (*Transport)(nil)

// New creates a transport. handler receives inbound messages from
// ServiceOnce; nil discards them.
func New(opts Options, handler connection.InboundHandler, logger *slog.Logger, bus *events.Bus) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	if handler == nil {
		handler = func(string, []byte) {}
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.RateWindow <= 0 {
		opts.RateWindow = DefaultRateWindow
	}
	if opts.DeliverPerService <= 0 {
		opts.DeliverPerService = DefaultDeliverPerService
	}
	return &Transport{
		opts:      opts,
		handler:   handler,
		logger:    logger,
		bus:       bus,
		keepAlive: uint16(connection.MinKeepAlive),
		queue:     make(chan message, opts.QueueSize),
		limiter:   newRateLimiter(int64(opts.RateLimit), opts.RateWindow, logger),
		now:       time.Now,
	}
}

// SetKeepAlive sets the keep-alive sent at the next login.
func (t *Transport) SetKeepAlive(seconds int) {
	seconds = min(max(seconds, 0), 65535)
	t.mu.Lock()
	t.keepAlive = uint16(seconds)
	t.mu.Unlock()
}

// IsConnected reports whether the current client holds a live session.
func (t *Transport) IsConnected() bool { return t.connected.Load() }

// Connect dials host:port and logs in. Any previous session is closed
// first. It returns whether the broker accepted the login.
func (t *Transport) Connect(ctx context.Context, host string, port int, username, password string) bool {
	t.closeClient()

	ctx, cancel := context.WithTimeout(ctx, t.opts.ConnectTimeout)
	defer cancel()

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := t.dial(ctx, addr, host)
	if err != nil {
		t.logger.Warn("mqtt dial failed", "addr", addr, "error", err)
		return false
	}

	client := paho.NewClient(paho.ClientConfig{
		ClientID: t.opts.ClientID,
		Conn:     conn,
		OnPublishReceived: []func(paho.PublishReceived) (bool, error){
			func(pr paho.PublishReceived) (bool, error) {
				t.enqueue(pr.Packet.Topic, pr.Packet.Payload)
				return true, nil
			},
		},
		OnClientError: func(err error) {
			t.connected.Store(false)
			t.logger.Warn("mqtt client error", "error", err)
		},
		OnServerDisconnect: func(d *paho.Disconnect) {
			t.connected.Store(false)
			t.logger.Warn("mqtt server disconnect", "reason_code", d.ReasonCode)
		},
	})

	t.mu.Lock()
	keepAlive := t.keepAlive
	t.mu.Unlock()

	cp := &paho.Connect{
		ClientID:   t.opts.ClientID,
		KeepAlive:  keepAlive,
		CleanStart: true,
	}
	if username != "" {
		cp.Username = username
		cp.UsernameFlag = true
	}
	if password != "" {
		cp.Password = []byte(password)
		cp.PasswordFlag = true
	}
	if t.opts.AvailabilityTopic != "" {
		cp.WillMessage = &paho.WillMessage{
			Topic:   t.opts.AvailabilityTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		}
	}

	ca, err := client.Connect(ctx, cp)
	if err != nil {
		_ = conn.Close()
		if ca != nil {
			t.logger.Warn("mqtt login rejected", "addr", addr, "reason_code", ca.ReasonCode, "error", err)
		} else {
			t.logger.Warn("mqtt login failed", "addr", addr, "error", err)
		}
		return false
	}
	if ca.ReasonCode != 0 {
		_ = conn.Close()
		t.logger.Warn("mqtt login rejected", "addr", addr, "reason_code", ca.ReasonCode)
		return false
	}

	t.mu.Lock()
	t.client = client
	t.mu.Unlock()
	t.connected.Store(true)

	t.logger.Debug("mqtt session established",
		"addr", addr, "client_id", t.opts.ClientID, "keep_alive", keepAlive,
		"session_present", ca.SessionPresent)
	t.publishAvailability(ctx, "online")
	return true
}

// Publish sends payload on topic at QoS 0.
func (t *Transport) Publish(ctx context.Context, topic string, payload []byte) bool {
	client := t.current()
	if client == nil || !t.connected.Load() {
		return false
	}
	if _, err := client.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     0,
	}); err != nil {
		t.logger.Debug("mqtt publish failed", "topic", topic, "error", err)
		return false
	}
	return true
}

// Subscribe subscribes to topic at QoS 0.
func (t *Transport) Subscribe(ctx context.Context, topic string) bool {
	client := t.current()
	if client == nil || !t.connected.Load() {
		return false
	}
	sa, err := client.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: 0}},
	})
	if err != nil {
		t.logger.Warn("mqtt subscribe failed", "topic", topic, "error", err)
		return false
	}
	if len(sa.Reasons) > 0 && sa.Reasons[0] >= 0x80 {
		t.logger.Warn("mqtt subscribe rejected", "topic", topic, "reason_code", sa.Reasons[0])
		return false
	}
	return true
}

// ServiceOnce delivers queued inbound messages to the handler and rolls
// the rate-limit window. Keep-alive pings run on paho's own goroutine.
func (t *Transport) ServiceOnce(ctx context.Context) {
	t.limiter.roll(t.now())
	for range t.opts.DeliverPerService {
		if ctx.Err() != nil {
			return
		}
		select {
		case m := <-t.queue:
			t.bus.Emit(events.SourceBroker, events.KindMessageReceived, map[string]any{
				"topic": m.topic, "bytes": len(m.payload),
			})
			t.handler(m.topic, m.payload)
		default:
			return
		}
	}
}

// Close publishes the offline status and disconnects.
func (t *Transport) Close(ctx context.Context) error {
	if t.connected.Load() {
		t.publishAvailability(ctx, "offline")
	}
	return t.closeClient()
}

func (t *Transport) enqueue(topic string, payload []byte) {
	if !t.limiter.allow() {
		t.bus.Emit(events.SourceBroker, events.KindMessageDropped, map[string]any{
			"topic": topic, "reason": "rate_limit",
		})
		return
	}
	select {
	case t.queue <- message{topic: topic, payload: payload}:
	default:
		t.logger.Debug("mqtt inbound queue full", "topic", topic, "capacity", cap(t.queue))
		t.bus.Emit(events.SourceBroker, events.KindMessageDropped, map[string]any{
			"topic": topic, "reason": "queue_full",
		})
	}
}

func (t *Transport) publishAvailability(ctx context.Context, status string) {
	if t.opts.AvailabilityTopic == "" {
		return
	}
	client := t.current()
	if client == nil {
		return
	}
	if _, err := client.Publish(ctx, &paho.Publish{
		Topic:   t.opts.AvailabilityTopic,
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		t.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
		return
	}
	t.logger.Debug("mqtt availability published", "status", status)
}

func (t *Transport) current() *paho.Client {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.client
}

func (t *Transport) closeClient() error {
	t.mu.Lock()
	client := t.client
	t.client = nil
	t.mu.Unlock()

	t.connected.Store(false)
	if client == nil {
		return nil
	}
	if err := client.Disconnect(&paho.Disconnect{ReasonCode: 0}); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("mqtt disconnect: %w", err)
	}
	return nil
}

func (t *Transport) dial(ctx context.Context, addr, host string) (net.Conn, error) {
	if t.opts.Dial != nil {
		return t.opts.Dial(ctx, "tcp", addr)
	}
	d := &net.Dialer{}
	if !t.opts.TLS {
		return d.DialContext(ctx, "tcp", addr)
	}
	cfg := t.opts.TLSConfig
	if cfg == nil {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if cfg.ServerName == "" {
		cfg = cfg.Clone()
		cfg.ServerName = host
	}
	td := &tls.Dialer{NetDialer: d, Config: cfg}
	return td.DialContext(ctx, "tcp", addr)
}
