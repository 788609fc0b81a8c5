package events

import (
	"sync"
	"testing"
	"time"
)

func TestNilBus(t *testing.T) {
	var b *Bus
	// Must not panic.
	b.Publish(Event{Source: SourceCycle, Kind: KindPublished})
	b.Emit(SourceConnection, KindConnected, nil)
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() on nil bus = %d, want 0", got)
	}
}

func TestEmitStampsTimestamp(t *testing.T) {
	b := New()
	ch := b.Subscribe(4)
	defer b.Unsubscribe(ch)

	before := time.Now()
	b.Emit(SourceConnection, KindConnected, map[string]any{"host": "broker.local"})

	select {
	case got := <-ch:
		if got.Source != SourceConnection || got.Kind != KindConnected {
			t.Errorf("got %s/%s, want %s/%s", got.Source, got.Kind, SourceConnection, KindConnected)
		}
		if got.Timestamp.Before(before) {
			t.Errorf("Timestamp %v precedes emit time %v", got.Timestamp, before)
		}
		if host, _ := got.Data["host"].(string); host != "broker.local" {
			t.Errorf("host = %v, want broker.local", got.Data["host"])
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishMultipleSubscribers(t *testing.T) {
	b := New()
	const n = 3
	channels := make([]<-chan Event, n)
	for i := range n {
		channels[i] = b.Subscribe(8)
	}
	defer func() {
		for _, ch := range channels {
			b.Unsubscribe(ch)
		}
	}()

	b.Publish(Event{Source: SourceCycle, Kind: KindOverflow})

	for i, ch := range channels {
		select {
		case got := <-ch:
			if got.Kind != KindOverflow {
				t.Errorf("subscriber %d: got kind %q", i, got.Kind)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: timed out", i)
		}
	}
}

func TestDropOnFull(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	b.Publish(Event{Kind: "first"})
	b.Publish(Event{Kind: "second"})

	if got := <-ch; got.Kind != "first" {
		t.Errorf("got kind %q, want first", got.Kind)
	}
	select {
	case evt := <-ch:
		t.Errorf("expected empty channel, got %v", evt)
	default:
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch1 := b.Subscribe(4)
	ch2 := b.Subscribe(4)
	if got := b.SubscriberCount(); got != 2 {
		t.Errorf("count = %d, want 2", got)
	}

	b.Unsubscribe(ch1)
	if _, ok := <-ch1; ok {
		t.Error("expected channel to be closed after Unsubscribe")
	}
	b.Unsubscribe(ch1) // second call is a no-op

	if got := b.SubscriberCount(); got != 1 {
		t.Errorf("count = %d, want 1", got)
	}
	b.Unsubscribe(ch2)
	b.Publish(Event{Kind: KindReconnect})
}

func TestConcurrentPublishSubscribe(t *testing.T) {
	b := New()
	ch := b.Subscribe(64)

	var drain sync.WaitGroup
	drain.Add(1)
	go func() {
		defer drain.Done()
		for range ch {
		}
	}()

	var pubs sync.WaitGroup
	for i := range 8 {
		pubs.Add(1)
		go func() {
			defer pubs.Done()
			for j := range 50 {
				b.Emit(SourceBroker, KindMessageReceived, map[string]any{"publisher": i, "seq": j})
			}
		}()
	}
	pubs.Wait()
	b.Unsubscribe(ch)
	drain.Wait()
}
