package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/marquee/internal/auth"
	"github.com/gorilla/websocket"
)

const (
	// StreamPath is where the notification API serves the push stream.
	StreamPath = "/notifications/stream"
	// CloseCredentialRejected is the close code sent when the credential expires or is refused.
	CloseCredentialRejected = 4001

	defaultHandshakeTimeout = 10 * time.Second
)

var errInvalidStreamURL = errors.New("push: invalid stream url")

// WebsocketDialerConfig configures the websocket transport.
type WebsocketDialerConfig struct {
	// BaseURL is the notification API root; http and https map to ws and wss.
	BaseURL          string
	HandshakeTimeout time.Duration
}

// WebsocketDialer opens the notification stream with a bearer credential.
type WebsocketDialer struct {
	streamURL string
	dialer    *websocket.Dialer
}

var _ Dialer = (*WebsocketDialer)(nil)

// NewWebsocketDialer resolves the stream URL from the API root.
func NewWebsocketDialer(cfg WebsocketDialerConfig) (*WebsocketDialer, error) {
	streamURL, err := StreamURL(cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	timeout := cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	return &WebsocketDialer{
		streamURL: streamURL,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: timeout,
		},
	}, nil
}

// StreamURL converts an API root into the websocket stream address.
func StreamURL(baseURL string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", fmt.Errorf("%w: %v", errInvalidStreamURL, err)
	}
	switch parsed.Scheme {
	case "http", "ws":
		parsed.Scheme = "ws"
	case "https", "wss":
		parsed.Scheme = "wss"
	default:
		return "", fmt.Errorf("%w: unsupported scheme %q", errInvalidStreamURL, parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("%w: host required", errInvalidStreamURL)
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + StreamPath
	parsed.RawQuery = ""
	return parsed.String(), nil
}

// Dial performs the handshake; a 401 response maps to ErrServerRejectedAuth.
func (d *WebsocketDialer) Dial(ctx context.Context, credential auth.Credential) (Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+credential.Token)

	conn, response, err := d.dialer.DialContext(ctx, d.streamURL, header)
	if response != nil && response.Body != nil {
		_ = response.Body.Close()
	}
	if err != nil {
		if response != nil && (response.StatusCode == http.StatusUnauthorized || response.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake status %d", ErrServerRejectedAuth, response.StatusCode)
		}
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return &websocketConn{conn: conn}, nil
}

type websocketConn struct {
	conn      *websocket.Conn
	closeOnce sync.Once
	closeErr  error
}

// Next reads one JSON frame; the read is aborted by closing the socket when ctx ends.
func (c *websocketConn) Next(ctx context.Context) (Event, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = c.Close()
	})
	defer stop()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, CloseCredentialRejected) {
				return Event{}, fmt.Errorf("%w: %v", ErrServerRejectedAuth, err)
			}
			if ctx.Err() != nil {
				return Event{}, ctx.Err()
			}
			return Event{}, fmt.Errorf("%w: %v", ErrTransport, err)
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var event Event
		if err := json.Unmarshal(data, &event); err != nil {
			continue
		}
		return event, nil
	}
}

func (c *websocketConn) Close() error {
	c.closeOnce.Do(func() {
		deadline := time.Now().Add(time.Second)
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
