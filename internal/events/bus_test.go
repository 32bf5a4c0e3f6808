package events

import (
	"testing"
	"time"

	"github.com/forgeserve/forge/internal/domain"
)

func TestSubscribePublishDeliversEvent(t *testing.T) {
	bus := New(4)
	ch, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	bus.Publish(domain.Event{Type: domain.EventServerStarted, Payload: domain.ServerLifecyclePayload{ModelID: 7}})

	select {
	case ev := <-ch:
		if ev.Type != domain.EventServerStarted {
			t.Fatalf("got type %q, want %q", ev.Type, domain.EventServerStarted)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := New(4)
	ch, unsubscribe := bus.Subscribe()
	unsubscribe()

	bus.Publish(domain.Event{Type: domain.EventServerStarted})

	if _, ok := <-ch; ok {
		t.Fatal("expected channel closed after unsubscribe, got a delivered event")
	}
}

func TestFullChannelDropsOldestProgressEvent(t *testing.T) {
	bus := New(2)
	ch, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	for i := 0; i < 5; i++ {
		bus.Publish(domain.Event{
			Type:    domain.EventDownloadProgress,
			Payload: domain.DownloadProgressPayload{Seq: uint64(i)},
		})
	}

	// The channel never blocks the publisher and never panics; draining it
	// yields at most the buffer size worth of events, with no error.
	count := 0
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				t.Fatal("channel closed unexpectedly")
			}
			count++
		default:
			if count == 0 {
				t.Fatal("expected at least one delivered event")
			}
			if count > 2 {
				t.Fatalf("expected at most buffer size (2) events retained, got %d", count)
			}
			return
		}
	}
}

func TestSnapshotEventsReplaceStaleOnes(t *testing.T) {
	bus := New(4)
	ch, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	snap1 := domain.QueueSnapshot{MaxSize: 1}
	snap2 := domain.QueueSnapshot{MaxSize: 2}

	bus.Publish(domain.Event{Type: domain.EventDownloadQueueSnapshot, Payload: snap1})
	bus.Publish(domain.Event{Type: domain.EventDownloadQueueSnapshot, Payload: snap2})

	var last domain.QueueSnapshot
	found := 0
	for {
		select {
		case ev := <-ch:
			found++
			last = ev.Payload.(domain.QueueSnapshot)
		default:
			if found == 0 {
				t.Fatal("expected at least one snapshot delivered")
			}
			if last.MaxSize != 2 {
				t.Fatalf("expected latest snapshot (MaxSize=2) to survive, got %d", last.MaxSize)
			}
			return
		}
	}
}

func TestCountReflectsSubscribers(t *testing.T) {
	bus := New(1)
	if bus.Count() != 0 {
		t.Fatalf("expected 0 subscribers initially, got %d", bus.Count())
	}
	_, unsubscribe := bus.Subscribe()
	if bus.Count() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", bus.Count())
	}
	unsubscribe()
	if bus.Count() != 0 {
		t.Fatalf("expected 0 subscribers after unsubscribe, got %d", bus.Count())
	}
}
