// Package transport wraps coder/websocket into the minimal send/
// receive/ping surface RelayConnection needs, with fixed connect and
// write timeouts; reads have no per-frame deadline.
package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/coder/websocket"
)

const (
	// ConnectTimeout bounds the initial dial.
	ConnectTimeout = 15 * time.Second
	// ReadTimeout is the nominal read timeout. Nothing in this package
	// applies it: Read runs on the caller's connection-lifetime context
	// with no per-frame deadline.
	ReadTimeout = 30 * time.Second
	// WriteTimeout bounds a single outbound frame (REQ, CLOSE, ping).
	WriteTimeout = 30 * time.Second

	// MaxMessageBytes is the largest single frame this engine will
	// accept from a relay (1 MiB), above the 500 KB boundary at which
	// MessageRouter marks a notification-sink target URI truncated.
	MaxMessageBytes = 1 << 20
)

// Conn is one open WebSocket connection to a relay.
type Conn struct {
	url string
	ws  *websocket.Conn
}

// Dial opens a WebSocket connection to url, bounded by ConnectTimeout.
func Dial(ctx context.Context, url string) (*Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, ConnectTimeout)
	defer cancel()
	ws, _, err := websocket.Dial(dialCtx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	ws.SetReadLimit(MaxMessageBytes)
	return &Conn{url: url, ws: ws}, nil
}

// Read blocks until one text frame arrives or ctx is cancelled. The
// caller supplies a connection-lifetime context; there is no
// per-message read deadline by design, since a relay may legitimately
// stay silent between events.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("read from %s: %w", c.url, err)
	}
	return data, nil
}

// Send writes one text frame, bounded by WriteTimeout.
func (c *Conn) Send(ctx context.Context, data []byte) error {
	wctx, cancel := context.WithTimeout(ctx, WriteTimeout)
	defer cancel()
	if err := c.ws.Write(wctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write to %s: %w", c.url, err)
	}
	return nil
}

// Ping sends a protocol-level ping, bounded by WriteTimeout.
func (c *Conn) Ping(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, WriteTimeout)
	defer cancel()
	if err := c.ws.Ping(pctx); err != nil {
		return fmt.Errorf("ping %s: %w", c.url, err)
	}
	return nil
}

// Close closes the connection with a normal-closure status.
func (c *Conn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "closing")
}

// CloseWithReason closes the connection reporting reason to the peer.
func (c *Conn) CloseWithReason(reason string) error {
	return c.ws.Close(websocket.StatusNormalClosure, reason)
}

// URL returns the relay URL this connection was dialed to.
func (c *Conn) URL() string { return c.url }
