package connection

import "context"

// InboundHandler receives messages delivered on subscribed topics. It is
// fixed when the transport is created and invoked only from
// [Transport.ServiceOnce], on the caller's goroutine.
type InboundHandler func(topic string, payload []byte)

// Transport is the broker connection capability the manager drives. All
// outcomes are booleans; a false result means "try again next cycle".
type Transport interface {
	// Connect performs a broker-level login with the given credentials.
	Connect(ctx context.Context, host string, port int, username, password string) bool
	// IsConnected reports whether the broker session is currently live.
	IsConnected() bool
	// SetKeepAlive sets the keep-alive (seconds) negotiated on the next
	// Connect. It does not affect a live session.
	SetKeepAlive(seconds int)
	// Publish sends payload on topic.
	Publish(ctx context.Context, topic string, payload []byte) bool
	// Subscribe registers interest in topic.
	Subscribe(ctx context.Context, topic string) bool
	// ServiceOnce runs one tick of inbound delivery and keep-alive
	// bookkeeping.
	ServiceOnce(ctx context.Context)
}

// Dialer creates the single long-lived transport handle. The manager
// calls it at most once, lazily, on the first connect attempt.
type Dialer func(handler InboundHandler) Transport
