// Package bus carries cross-tab coordination messages between tabs of one origin.
//
// Payloads are opaque bytes; delivery excludes the sender, is unordered across senders
// and is never queued for endpoints that subscribe late. Secrets must not travel here.
package bus

import (
	"context"
	"errors"
)

var (
	// ErrClosed is returned when publishing on a closed endpoint.
	ErrClosed = errors.New("bus: endpoint closed")

	errMissingHandler = errors.New("bus: handler required")
)

// Message is one coordination payload as observed by a receiving tab.
type Message struct {
	Sender  string
	Payload []byte
}

// Handler consumes messages; handlers of one subscription run one at a time.
type Handler func(Message)

// Bus is one tab's view of the origin-wide broadcast channel.
type Bus interface {
	// ID identifies this endpoint as a sender.
	ID() string
	Publish(ctx context.Context, payload []byte) error
	Subscribe(handler Handler) (unsubscribe func(), err error)
	Close() error
}
