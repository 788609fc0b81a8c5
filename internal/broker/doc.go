// Package broker is the MQTT v5 transport behind the connection manager.
// It uses the Eclipse Paho v2 [paho] client directly rather than autopaho:
// reconnect timing belongs to the publish cycle, so every Connect call is
// one explicit login attempt on a fresh network connection.
//
// Paho runs its own reader and keep-alive goroutines. Inbound messages
// they receive are queued and only handed to the application inside
// [Transport.ServiceOnce], which the publish cycle calls from its single
// control goroutine. The queue is bounded and rate limited so a chatty
// receive topic cannot grow memory without bound.
//
// When an availability topic is configured the transport registers a
// retained "offline" will on every login, publishes a retained "online"
// birth message after it, and publishes "offline" from [Transport.Close].
package broker
