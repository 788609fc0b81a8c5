// Package events provides a publish/subscribe bus for operational
// observability. The connection manager, publish-cycle scheduler and
// clock sync report what they did; the metrics collector and the status
// API websocket consume it. Publishing on a nil *Bus is a no-op, so
// components never need a guard.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceConnection identifies the broker connection manager.
	SourceConnection = "connection"
	// SourceCycle identifies the publish-cycle scheduler.
	SourceCycle = "cycle"
	// SourceClock identifies the clock resync worker.
	SourceClock = "clock"
	// SourceBroker identifies the MQTT transport itself.
	SourceBroker = "broker"
)

// Kind constants describe the type of event within a source.
const (
	// KindConnected signals a successful broker login.
	// Data: host, port, keep_alive.
	KindConnected = "connected"
	// KindConnectFailed signals a failed broker login.
	// Data: host, port.
	KindConnectFailed = "connect_failed"
	// KindReconnect signals a reconnect attempt is starting.
	KindReconnect = "reconnect"
	// KindSubscribed signals the receive topic subscription succeeded.
	// Data: topic.
	KindSubscribed = "subscribed"
	// KindKeepAliveChanged signals a new keep-alive interval.
	// Data: seconds.
	KindKeepAliveChanged = "keep_alive_changed"

	// KindPublished signals a payload was accepted by the broker.
	// Data: topic, bytes, error_report.
	KindPublished = "published"
	// KindPublishFailed signals a publish attempt was refused.
	// Data: topic, bytes.
	KindPublishFailed = "publish_failed"
	// KindOverflow signals the payload exceeded its byte budget.
	// Data: budget.
	KindOverflow = "overflow"
	// KindCycleComplete signals the end of a publish cycle wait.
	// Data: busy_ms, idle_ms, slices.
	KindCycleComplete = "cycle_complete"

	// KindClockSynced signals a successful clock resync.
	// Data: offset_ms, server.
	KindClockSynced = "clock_synced"
	// KindClockSyncFailed signals a failed clock resync.
	// Data: server, error.
	KindClockSyncFailed = "clock_sync_failed"

	// KindMessageReceived signals an inbound broker message.
	// Data: topic, bytes.
	KindMessageReceived = "message_received"
	// KindMessageDropped signals an inbound message discarded by the
	// rate limiter or a full queue.
	// Data: topic, reason.
	KindMessageDropped = "message_dropped"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking the publish cycle.
type Bus struct {
	mu         sync.RWMutex
	subs       map[chan Event]struct{}
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Emit stamps and publishes an event. Safe to call on a nil receiver.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{
		Timestamp: time.Now(),
		Source:    source,
		Kind:      kind,
		Data:      data,
	})
}

// Publish sends an event to all subscribers. If a subscriber's channel
// is full the event is dropped for that subscriber only.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Unknown
// channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
