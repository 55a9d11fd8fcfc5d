package bus

import (
	"context"
	"testing"
	"time"
)

func TestHubDeliversToOtherEndpoints(t *testing.T) {
	hub := NewHub(HubConfig{})
	sender := hub.Join("tab-a")
	receiver := hub.Join("tab-b")
	defer sender.Close()
	defer receiver.Close()

	received := make(chan Message, 1)
	unsubscribe, err := receiver.Subscribe(func(message Message) {
		received <- message
	})
	if err != nil {
		t.Fatalf("unexpected subscribe error: %v", err)
	}
	defer unsubscribe()

	if err := sender.Publish(context.Background(), []byte("hello")); err != nil {
		t.Fatalf("unexpected publish error: %v", err)
	}

	select {
	case message := <-received:
		if message.Sender != "tab-a" {
			t.Fatalf("expected sender tab-a, got %s", message.Sender)
		}
		if string(message.Payload) != "hello" {
			t.Fatalf("unexpected payload %q", message.Payload)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected message within deadline")
	}
}

func TestHubDoesNotEchoToSender(t *testing.T) {
	hub := NewHub(HubConfig{})
	sender := hub.Join("tab-a")
	defer sender.Close()

	received := make(chan Message, 1)
	unsubscribe, err := sender.Subscribe(func(message Message) {
		received <- message
	})
	if err != nil {
		t.Fatalf("unexpected subscribe error: %v", err)
	}
	defer unsubscribe()

	if err := sender.Publish(context.Background(), []byte("self")); err != nil {
		t.Fatalf("unexpected publish error: %v", err)
	}

	select {
	case <-received:
		t.Fatal("did not expect the sender to receive its own message")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestHubDoesNotQueueForLateSubscribers(t *testing.T) {
	hub := NewHub(HubConfig{})
	sender := hub.Join("tab-a")
	late := hub.Join("tab-b")
	defer sender.Close()
	defer late.Close()

	if err := sender.Publish(context.Background(), []byte("early")); err != nil {
		t.Fatalf("unexpected publish error: %v", err)
	}

	received := make(chan Message, 1)
	unsubscribe, err := late.Subscribe(func(message Message) {
		received <- message
	})
	if err != nil {
		t.Fatalf("unexpected subscribe error: %v", err)
	}
	defer unsubscribe()

	select {
	case <-received:
		t.Fatal("did not expect a message published before subscribing")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestEndpointCloseLeavesHub(t *testing.T) {
	hub := NewHub(HubConfig{})
	endpoint := hub.Join("tab-a")
	if hub.Size() != 1 {
		t.Fatalf("expected one endpoint, got %d", hub.Size())
	}
	if err := endpoint.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
	if hub.Size() != 0 {
		t.Fatalf("expected hub to be empty, got %d", hub.Size())
	}
	if err := endpoint.Publish(context.Background(), []byte("x")); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := endpoint.Subscribe(func(Message) {}); err != ErrClosed {
		t.Fatalf("expected ErrClosed on subscribe, got %v", err)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	hub := NewHub(HubConfig{})
	sender := hub.Join("tab-a")
	receiver := hub.Join("tab-b")
	defer sender.Close()
	defer receiver.Close()

	received := make(chan Message, 1)
	unsubscribe, err := receiver.Subscribe(func(message Message) {
		received <- message
	})
	if err != nil {
		t.Fatalf("unexpected subscribe error: %v", err)
	}
	unsubscribe()
	unsubscribe()

	if err := sender.Publish(context.Background(), []byte("gone")); err != nil {
		t.Fatalf("unexpected publish error: %v", err)
	}
	select {
	case <-received:
		t.Fatal("did not expect delivery after unsubscribe")
	case <-time.After(200 * time.Millisecond):
	}
}
