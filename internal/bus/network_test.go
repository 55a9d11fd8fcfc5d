package bus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	natsserver "github.com/nats-io/nats-server/v2/server"
	natstest "github.com/nats-io/nats-server/v2/test"
)

func runNATSServer(t *testing.T) string {
	t.Helper()
	options := natstest.DefaultTestOptions
	options.Port = natsserver.RANDOM_PORT
	server := natstest.RunServer(&options)
	t.Cleanup(server.Shutdown)
	return server.ClientURL()
}

func runRedisServer(t *testing.T) string {
	t.Helper()
	server := miniredis.RunT(t)
	return "redis://" + server.Addr() + "/0"
}

func TestNATSBusRoundTrip(t *testing.T) {
	url := runNATSServer(t)
	first, err := DialNATSBus(url, "marquee-test", "tab-a", nil)
	if err != nil {
		t.Fatalf("failed to dial nats: %v", err)
	}
	defer first.Close()
	second, err := DialNATSBus(url, "marquee-test", "tab-b", nil)
	if err != nil {
		t.Fatalf("failed to dial nats: %v", err)
	}
	defer second.Close()

	exerciseRoundTrip(t, first, second)
}

func TestNATSBusIsolatesOrigins(t *testing.T) {
	url := runNATSServer(t)
	sender, err := DialNATSBus(url, "marquee-test", "tab-a", nil)
	if err != nil {
		t.Fatalf("failed to dial nats: %v", err)
	}
	defer sender.Close()
	foreign, err := DialNATSBus(url, "other-site", "tab-b", nil)
	if err != nil {
		t.Fatalf("failed to dial nats: %v", err)
	}
	defer foreign.Close()

	exerciseIsolation(t, sender, foreign)
}

func TestRedisBusRoundTrip(t *testing.T) {
	url := runRedisServer(t)
	ctx := context.Background()
	first, err := DialRedisBus(ctx, url, "marquee-test", "tab-a", nil)
	if err != nil {
		t.Fatalf("failed to dial redis: %v", err)
	}
	defer first.Close()
	second, err := DialRedisBus(ctx, url, "marquee-test", "tab-b", nil)
	if err != nil {
		t.Fatalf("failed to dial redis: %v", err)
	}
	defer second.Close()

	exerciseRoundTrip(t, first, second)
}

func TestRedisBusIsolatesOrigins(t *testing.T) {
	url := runRedisServer(t)
	ctx := context.Background()
	sender, err := DialRedisBus(ctx, url, "marquee-test", "tab-a", nil)
	if err != nil {
		t.Fatalf("failed to dial redis: %v", err)
	}
	defer sender.Close()
	foreign, err := DialRedisBus(ctx, url, "other-site", "tab-b", nil)
	if err != nil {
		t.Fatalf("failed to dial redis: %v", err)
	}
	defer foreign.Close()

	exerciseIsolation(t, sender, foreign)
}

func exerciseRoundTrip(t *testing.T, sender, receiver Bus) {
	t.Helper()
	echoes := make(chan Message, 1)
	received := make(chan Message, 1)
	unsubscribeSelf, err := sender.Subscribe(offer(echoes))
	if err != nil {
		t.Fatalf("unexpected subscribe error: %v", err)
	}
	defer unsubscribeSelf()
	unsubscribe, err := receiver.Subscribe(offer(received))
	if err != nil {
		t.Fatalf("unexpected subscribe error: %v", err)
	}
	defer unsubscribe()

	publishUntilReceived(t, sender, received, func(message Message) {
		if string(message.Payload) != "ping" || message.Sender != sender.ID() {
			t.Fatalf("unexpected message %#v", message)
		}
	})
	select {
	case <-echoes:
		t.Fatal("did not expect the sender to receive its own message")
	case <-time.After(200 * time.Millisecond):
	}
}

func exerciseIsolation(t *testing.T, sender, foreign Bus) {
	t.Helper()
	received := make(chan Message, 8)
	unsubscribe, err := foreign.Subscribe(offer(received))
	if err != nil {
		t.Fatalf("unexpected subscribe error: %v", err)
	}
	defer unsubscribe()

	// Give the subscription time to register before publishing.
	time.Sleep(100 * time.Millisecond)
	if err := sender.Publish(context.Background(), []byte("ping")); err != nil {
		t.Fatalf("unexpected publish error: %v", err)
	}
	select {
	case message := <-received:
		t.Fatalf("did not expect a message from another origin: %#v", message)
	case <-time.After(300 * time.Millisecond):
	}
}

// publishUntilReceived republishes until the receiver sees a message, since
// pub/sub subscriptions become active asynchronously.
func publishUntilReceived(t *testing.T, sender Bus, received <-chan Message, check func(Message)) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		if err := sender.Publish(context.Background(), []byte("ping")); err != nil {
			t.Fatalf("unexpected publish error: %v", err)
		}
		select {
		case message := <-received:
			check(message)
			return
		case <-time.After(100 * time.Millisecond):
		}
		if time.Now().After(deadline) {
			t.Fatal("expected message within deadline")
		}
	}
}

func offer(messages chan<- Message) Handler {
	return func(message Message) {
		select {
		case messages <- message:
		default:
		}
	}
}
