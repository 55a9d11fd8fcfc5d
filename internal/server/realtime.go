package server

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

const defaultRealtimeBuffer = 16

// RealtimeMessage is one event addressed to every open stream of a user.
type RealtimeMessage struct {
	UserID    string
	EventType string
	Payload   json.RawMessage
	Timestamp time.Time
}

// Fanout summarises one delivery across streams.
type Fanout struct {
	Delivered int
	Dropped   int
}

// RealtimeDispatcher fans messages out to per-user stream subscribers.
// A stream whose buffer is full misses the message; its tab recovers through a REST refetch.
type RealtimeDispatcher struct {
	mu         sync.RWMutex
	streams    map[string]map[int64]chan RealtimeMessage
	lastID     atomic.Int64
	bufferSize int
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		streams:    make(map[string]map[int64]chan RealtimeMessage),
		bufferSize: defaultRealtimeBuffer,
	}
}

// Subscribe registers a stream for the user until ctx ends or the cleanup func runs.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, userID string) (<-chan RealtimeMessage, func()) {
	if userID == "" {
		closed := make(chan RealtimeMessage)
		close(closed)
		return closed, func() {}
	}
	id := d.lastID.Add(1)
	stream := make(chan RealtimeMessage, d.bufferSize)

	d.mu.Lock()
	if d.streams[userID] == nil {
		d.streams[userID] = make(map[int64]chan RealtimeMessage)
	}
	d.streams[userID][id] = stream
	d.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.remove(userID, id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return stream, cleanup
}

// Publish delivers without blocking and reports how many streams accepted the message.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) int {
	if message.UserID == "" || message.EventType == "" {
		return 0
	}
	return d.deliver([]RealtimeMessage{message}).Delivered
}

// Broadcast sends one event to every listed user.
func (d *RealtimeDispatcher) Broadcast(userIDs []string, eventType string, payload json.RawMessage) Fanout {
	if eventType == "" {
		return Fanout{}
	}
	now := time.Now().UTC()
	messages := make([]RealtimeMessage, 0, len(userIDs))
	for _, userID := range userIDs {
		if userID == "" {
			continue
		}
		messages = append(messages, RealtimeMessage{UserID: userID, EventType: eventType, Payload: payload, Timestamp: now})
	}
	return d.deliver(messages)
}

// Subscribers reports the number of open streams for the user.
func (d *RealtimeDispatcher) Subscribers(userID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.streams[userID])
}

func (d *RealtimeDispatcher) deliver(messages []RealtimeMessage) Fanout {
	var fanout Fanout
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, message := range messages {
		for _, stream := range d.streams[message.UserID] {
			select {
			case stream <- message:
				fanout.Delivered++
			default:
				fanout.Dropped++
			}
		}
	}
	return fanout
}

func (d *RealtimeDispatcher) remove(userID string, id int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	streams := d.streams[userID]
	delete(streams, id)
	if len(streams) == 0 {
		delete(d.streams, userID)
	}
}
