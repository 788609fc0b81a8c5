package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/nugget/beacon/internal/events"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func event(source, kind string, data map[string]any) events.Event {
	return events.Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data}
}

func TestObserve_Connection(t *testing.T) {
	c := New(prometheus.NewRegistry())

	c.Observe(event(events.SourceConnection, events.KindConnected, map[string]any{"keep_alive": 15}))
	if got := testutil.ToFloat64(c.connected); got != 1 {
		t.Errorf("connected = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.keepAlive); got != 15 {
		t.Errorf("keep_alive = %v, want 15", got)
	}

	c.Observe(event(events.SourceConnection, events.KindReconnect, nil))
	if got := testutil.ToFloat64(c.connected); got != 0 {
		t.Errorf("connected after reconnect = %v, want 0", got)
	}
	c.Observe(event(events.SourceConnection, events.KindKeepAliveChanged, map[string]any{"seconds": 45}))
	if got := testutil.ToFloat64(c.keepAlive); got != 45 {
		t.Errorf("keep_alive = %v, want 45", got)
	}
	if got := testutil.ToFloat64(c.connectionEvents.WithLabelValues(events.KindReconnect)); got != 1 {
		t.Errorf("reconnect events = %v", got)
	}
}

func TestObserve_Cycle(t *testing.T) {
	c := New(prometheus.NewRegistry())

	c.Observe(event(events.SourceCycle, events.KindPublished, map[string]any{"bytes": 120, "error_report": false}))
	c.Observe(event(events.SourceCycle, events.KindPublished, map[string]any{"bytes": 24, "error_report": true}))
	c.Observe(event(events.SourceCycle, events.KindPublishFailed, nil))
	c.Observe(event(events.SourceCycle, events.KindOverflow, map[string]any{"budget": 480}))
	c.Observe(event(events.SourceCycle, events.KindCycleComplete, map[string]any{"busy_ms": int64(250)}))

	if got := testutil.ToFloat64(c.publishes.WithLabelValues(resultOK)); got != 2 {
		t.Errorf("ok publishes = %v", got)
	}
	if got := testutil.ToFloat64(c.publishes.WithLabelValues(resultFailed)); got != 1 {
		t.Errorf("failed publishes = %v", got)
	}
	if got := testutil.ToFloat64(c.errorReports); got != 1 {
		t.Errorf("error reports = %v", got)
	}
	if got := testutil.ToFloat64(c.overflows); got != 1 {
		t.Errorf("overflows = %v", got)
	}
	if n := testutil.CollectAndCount(c.payloadBytes); n != 1 {
		t.Errorf("payload histogram series = %d", n)
	}
}

func TestObserve_ClockAndBroker(t *testing.T) {
	c := New(prometheus.NewRegistry())

	c.Observe(event(events.SourceClock, events.KindClockSynced, map[string]any{"offset_ms": int64(-1500)}))
	c.Observe(event(events.SourceClock, events.KindClockSyncFailed, nil))
	c.Observe(event(events.SourceBroker, events.KindMessageReceived, nil))
	c.Observe(event(events.SourceBroker, events.KindMessageDropped, map[string]any{"reason": "rate_limit"}))

	if got := testutil.ToFloat64(c.clockOffset); got != -1.5 {
		t.Errorf("clock offset = %v, want -1.5", got)
	}
	if got := testutil.ToFloat64(c.clockSyncs.WithLabelValues(resultFailed)); got != 1 {
		t.Errorf("failed syncs = %v", got)
	}
	if got := testutil.ToFloat64(c.inbound); got != 1 {
		t.Errorf("inbound = %v", got)
	}
	if got := testutil.ToFloat64(c.inboundDropped.WithLabelValues("rate_limit")); got != 1 {
		t.Errorf("dropped = %v", got)
	}
}

func TestRun_ConsumesBus(t *testing.T) {
	c := New(prometheus.NewRegistry())
	bus := events.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx, bus)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for bus.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	bus.Emit(events.SourceCycle, events.KindOverflow, nil)

	for testutil.ToFloat64(c.overflows) != 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := testutil.ToFloat64(c.overflows); got != 1 {
		t.Errorf("overflows = %v after bus event", got)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
