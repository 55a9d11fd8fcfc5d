package bus

import (
	"context"
	"sync"
	"time"
)

const defaultSubscriberBuffer = 16

// HubConfig tunes the in-process origin.
type HubConfig struct {
	BufferSize int
	// Latency delays every delivery; used to model slow cross-tab delivery.
	Latency time.Duration
}

// Hub is an in-process origin that fans messages out to every joined endpoint.
type Hub struct {
	mu         sync.RWMutex
	endpoints  map[string]*Endpoint
	bufferSize int
	latency    time.Duration
}

// Endpoint is one tab's membership in a Hub.
type Endpoint struct {
	hub *Hub
	id  string

	mu          sync.RWMutex
	subscribers map[int64]*subscriber
	nextID      int64
	closed      bool
}

type subscriber struct {
	id     int64
	stream chan Message
}

var _ Bus = (*Endpoint)(nil)

// NewHub constructs an empty origin.
func NewHub(cfg HubConfig) *Hub {
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = defaultSubscriberBuffer
	}
	return &Hub{
		endpoints:  make(map[string]*Endpoint),
		bufferSize: bufferSize,
		latency:    cfg.Latency,
	}
}

// Join registers an endpoint; joining twice with one id replaces the earlier endpoint.
func (h *Hub) Join(endpointID string) *Endpoint {
	endpoint := &Endpoint{
		hub:         h,
		id:          endpointID,
		subscribers: make(map[int64]*subscriber),
	}
	h.mu.Lock()
	previous := h.endpoints[endpointID]
	h.endpoints[endpointID] = endpoint
	h.mu.Unlock()
	if previous != nil {
		_ = previous.Close()
	}
	return endpoint
}

// Size reports the number of joined endpoints.
func (h *Hub) Size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.endpoints)
}

func (h *Hub) deliver(message Message) {
	h.mu.RLock()
	targets := make([]*Endpoint, 0, len(h.endpoints))
	for id, endpoint := range h.endpoints {
		if id == message.Sender {
			continue
		}
		targets = append(targets, endpoint)
	}
	h.mu.RUnlock()
	for _, endpoint := range targets {
		endpoint.enqueue(message)
	}
}

func (h *Hub) leave(endpoint *Endpoint) {
	h.mu.Lock()
	if h.endpoints[endpoint.id] == endpoint {
		delete(h.endpoints, endpoint.id)
	}
	h.mu.Unlock()
}

// ID returns the endpoint identifier.
func (e *Endpoint) ID() string {
	return e.id
}

// Publish hands the payload to every other endpoint currently joined to the hub.
func (e *Endpoint) Publish(_ context.Context, payload []byte) error {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	e.hub.deliver(Message{Sender: e.id, Payload: append([]byte(nil), payload...)})
	return nil
}

// Subscribe attaches a handler; messages published before this call are not replayed.
func (e *Endpoint) Subscribe(handler Handler) (func(), error) {
	if handler == nil {
		return nil, errMissingHandler
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	e.nextID++
	sub := &subscriber{
		id:     e.nextID,
		stream: make(chan Message, e.hub.bufferSize),
	}
	e.subscribers[sub.id] = sub
	e.mu.Unlock()

	latency := e.hub.latency
	go func() {
		for message := range sub.stream {
			if latency > 0 {
				time.Sleep(latency)
			}
			handler(message)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { e.unsubscribe(sub.id) })
	}, nil
}

// Close leaves the hub and stops every subscription.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	for id, sub := range e.subscribers {
		close(sub.stream)
		delete(e.subscribers, id)
	}
	e.mu.Unlock()
	e.hub.leave(e)
	return nil
}

func (e *Endpoint) enqueue(message Message) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, sub := range e.subscribers {
		select {
		case sub.stream <- message:
		default:
		}
	}
}

func (e *Endpoint) unsubscribe(subscriberID int64) {
	e.mu.Lock()
	if sub, ok := e.subscribers[subscriberID]; ok {
		close(sub.stream)
		delete(e.subscribers, subscriberID)
	}
	e.mu.Unlock()
}
