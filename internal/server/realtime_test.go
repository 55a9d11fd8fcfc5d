package server

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/marquee/internal/push"
)

func TestRealtimeDispatcherPublishesToSubscriber(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "user-1")
	defer cleanup()

	delivered := dispatcher.Publish(RealtimeMessage{
		UserID:    "user-1",
		EventType: push.EventNotificationNew,
		Payload:   json.RawMessage(`{"id":"n1"}`),
		Timestamp: time.Now().UTC(),
	})
	if delivered != 1 {
		t.Fatalf("expected one delivery, got %d", delivered)
	}

	select {
	case received := <-stream:
		if received.EventType != push.EventNotificationNew {
			t.Fatalf("expected event type %s, got %s", push.EventNotificationNew, received.EventType)
		}
		if string(received.Payload) != `{"id":"n1"}` {
			t.Fatalf("unexpected payload %s", received.Payload)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message within deadline")
	}
}

func TestRealtimeDispatcherIsolatedByUser(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	userStream, cleanup := dispatcher.Subscribe(ctx, "user-2")
	defer cleanup()
	otherStream, otherCleanup := dispatcher.Subscribe(ctx, "user-3")
	defer otherCleanup()

	dispatcher.Publish(RealtimeMessage{
		UserID:    "user-3",
		EventType: push.EventNotificationNew,
		Timestamp: time.Now().UTC(),
	})

	select {
	case <-userStream:
		t.Fatal("did not expect realtime message for unrelated user")
	case <-time.After(200 * time.Millisecond):
	}

	select {
	case msg := <-otherStream:
		if msg.UserID != "user-3" {
			t.Fatalf("expected user-3, received %s", msg.UserID)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message for subscribed user")
	}
}

func TestRealtimeDispatcherDropsWhenBufferFull(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, cleanup := dispatcher.Subscribe(ctx, "user-1")
	defer cleanup()

	message := RealtimeMessage{UserID: "user-1", EventType: push.EventNotificationNew}
	for index := 0; index < defaultRealtimeBuffer; index++ {
		if dispatcher.Publish(message) != 1 {
			t.Fatalf("expected delivery %d to be buffered", index)
		}
	}
	if dispatcher.Publish(message) != 0 {
		t.Fatalf("expected overflow to be dropped")
	}
}

func TestRealtimeDispatcherUnsubscribesOnCancel(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	dispatcher.Subscribe(ctx, "user-1")
	if dispatcher.Subscribers("user-1") != 1 {
		t.Fatalf("expected one subscriber")
	}
	cancel()

	deadline := time.Now().Add(time.Second)
	for dispatcher.Subscribers("user-1") != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected subscriber to be removed after cancel")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRealtimeDispatcherBroadcastReportsFanout(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, cleanupFirst := dispatcher.Subscribe(ctx, "user-1")
	defer cleanupFirst()
	_, cleanupSecond := dispatcher.Subscribe(ctx, "user-1")
	defer cleanupSecond()
	full, cleanupFull := dispatcher.Subscribe(ctx, "user-2")
	defer cleanupFull()
	for index := 0; index < defaultRealtimeBuffer; index++ {
		dispatcher.Publish(RealtimeMessage{UserID: "user-2", EventType: "filler"})
	}

	fanout := dispatcher.Broadcast([]string{"user-1", "user-2", "user-3", ""}, push.EventNotificationNew, json.RawMessage(`{"id":"n1"}`))
	if fanout.Delivered != 2 || fanout.Dropped != 1 {
		t.Fatalf("unexpected fanout %+v", fanout)
	}
	received := <-first
	if received.UserID != "user-1" || received.Timestamp.IsZero() {
		t.Fatalf("unexpected message %+v", received)
	}
	if len(full) != defaultRealtimeBuffer {
		t.Fatalf("expected the full stream to keep only fillers")
	}
}
