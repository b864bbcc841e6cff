// Package relayconn implements RelayConnection: the per-relay state
// machine covering dial, subscription (re)confirmation, silence
// detection, and the reconnect decision and delay computation
// (ShouldReconnect, NextReconnectDelay). A Connection does not schedule
// reconnects itself: after a read or write error it stays Failed until
// ConnectionManager dials it again.
package relayconn

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/atomic"
	"lukechampine.com/frand"

	"github.com/orlyd/relayd/internal/chk"
	"github.com/orlyd/relayd/internal/logging"
	"github.com/orlyd/relayd/internal/nostrtype"
	"github.com/orlyd/relayd/internal/power"
	"github.com/orlyd/relayd/internal/transport"
)

// State is RelayConnection's coarse lifecycle state.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Sender delivers a decoded EVENT envelope to the router. It must not
// block on a slow downstream consumer.
type Sender interface {
	RouteEvent(relayURL string, env nostrtype.EventEnvelope)
	RouteEOSE(relayURL string, env nostrtype.EOSEEnvelope)
	RouteNotice(relayURL string, env nostrtype.NoticeEnvelope)
	RouteOK(relayURL string, env nostrtype.OKEnvelope)
}

// Health is a point-in-time snapshot of one connection's vitals, used
// by HealthMonitor and the diagnostics surface.
type Health struct {
	URL                   string
	State                 State
	LastMessageAt         time.Time
	ReconnectAttempts     int
	LastError             string
	SubscriptionConfirmed bool
	SubscriptionSentAt    time.Time
}

// Connection is one RelayConnection: a single relay URL, its current
// socket (if any), and the one subscription id currently armed for
// confirmation on it.
type Connection struct {
	url    string
	sender Sender

	state             atomic.Int32
	reconnectAttempts atomic.Int32
	lastMessageAtUnix atomic.Int64
	lastError         atomic.String

	subscriptionID         atomic.String
	subscriptionConfirmed  atomic.Bool
	subscriptionSentAtUnix atomic.Int64

	disconnectedAtUnix atomic.Int64
	lastDowntimeMs     atomic.Int64

	conn *transport.Conn

	self chan []byte // outbound frames queued for this connection's writer
	done chan struct{}
}

// New returns an unconnected RelayConnection for url.
func New(url string, sender Sender) *Connection {
	c := &Connection{
		url:    url,
		sender: sender,
		self:   make(chan []byte, 32),
		done:   make(chan struct{}),
	}
	c.state.Store(int32(Disconnected))
	return c
}

// URL returns the relay URL this connection targets.
func (c *Connection) URL() string { return c.url }

// State returns the current lifecycle state.
func (c *Connection) State() State { return State(c.state.Load()) }

// Health returns a snapshot of this connection's vitals.
func (c *Connection) Health() Health {
	var at time.Time
	if u := c.lastMessageAtUnix.Load(); u > 0 {
		at = time.Unix(0, u)
	}
	var sentAt time.Time
	if u := c.subscriptionSentAtUnix.Load(); u > 0 {
		sentAt = time.Unix(0, u)
	}
	return Health{
		URL:                   c.url,
		State:                 c.State(),
		LastMessageAt:         at,
		ReconnectAttempts:     int(c.reconnectAttempts.Load()),
		LastError:             c.lastError.Load(),
		SubscriptionConfirmed: c.subscriptionConfirmed.Load(),
		SubscriptionSentAt:    sentAt,
	}
}

// SetCurrentSubscription records the subscription id just sent in a REQ
// frame and arms confirmation tracking for it. Call this immediately
// after Send-ing the REQ.
func (c *Connection) SetCurrentSubscription(subscriptionID string) {
	c.subscriptionID.Store(subscriptionID)
	c.subscriptionConfirmed.Store(false)
	c.subscriptionSentAtUnix.Store(time.Now().UnixNano())
}

// SubscriptionConfirmed reports whether the relay has sent at least one
// EVENT or EOSE frame for the currently armed subscription id.
func (c *Connection) SubscriptionConfirmed() bool {
	return c.subscriptionConfirmed.Load()
}

// Connect dials the relay and starts its read loop in the background.
// It returns once the dial either succeeds or fails; the read loop
// continues independently until ctx is cancelled or the socket errs.
func (c *Connection) Connect(ctx context.Context) error {
	c.state.Store(int32(Connecting))
	conn, err := transport.Dial(ctx, c.url)
	if err != nil {
		c.state.Store(int32(Failed))
		c.lastError.Store(err.Error())
		return err
	}
	if since := c.disconnectedAtUnix.Swap(0); since > 0 {
		c.lastDowntimeMs.Store(time.Since(time.Unix(0, since)).Milliseconds())
	}
	c.conn = conn
	c.state.Store(int32(Connected))
	c.lastMessageAtUnix.Store(time.Now().UnixNano())
	c.reconnectAttempts.Store(0)
	c.done = make(chan struct{})
	go c.readLoop(ctx)
	go c.writeLoop(ctx)
	return nil
}

// LastDowntimeMs reports how long this connection was down before its
// most recent successful Connect, for the ledger's
// connection_downtime_ms bookkeeping. Zero until the first reconnect.
func (c *Connection) LastDowntimeMs() int64 {
	return c.lastDowntimeMs.Load()
}

// Ping sends a protocol-level keepalive ping over the current socket.
func (c *Connection) Ping(ctx context.Context) error {
	if c.conn == nil || c.State() != Connected {
		return fmt.Errorf("relayconn: %s is not connected", c.url)
	}
	return c.conn.Ping(ctx)
}

// Send queues a frame for this connection's writer.
func (c *Connection) Send(frame []byte) error {
	if c.State() != Connected {
		return fmt.Errorf("relayconn: %s is not connected", c.url)
	}
	select {
	case c.self <- frame:
		return nil
	default:
		return fmt.Errorf("relayconn: %s write queue full", c.url)
	}
}

// Close tears the connection down and marks it Disconnected.
func (c *Connection) Close() error {
	c.disconnectedAtUnix.CompareAndSwap(0, time.Now().UnixNano())
	if c.conn == nil {
		c.state.Store(int32(Disconnected))
		return nil
	}
	err := c.conn.Close()
	c.state.Store(int32(Disconnected))
	close(c.done)
	return err
}

func (c *Connection) readLoop(ctx context.Context) {
	for {
		data, err := c.conn.Read(ctx)
		if err != nil {
			chk.T(err)
			c.state.Store(int32(Failed))
			c.lastError.Store(err.Error())
			c.disconnectedAtUnix.CompareAndSwap(0, time.Now().UnixNano())
			return
		}
		c.lastMessageAtUnix.Store(time.Now().UnixNano())
		c.dispatch(data)
	}
}

func (c *Connection) dispatch(data []byte) {
	kind, err := nostrtype.IdentifyEnvelope(data)
	if chk.T(err) {
		logging.W.F("relayconn: %s sent an unrecognized frame: %v", c.url, err)
		return
	}
	switch kind {
	case nostrtype.KindEvent:
		env, err := nostrtype.DecodeEvent(data)
		if chk.T(err) {
			return
		}
		c.confirmIfCurrent(env.SubscriptionID)
		c.sender.RouteEvent(c.url, env)
	case nostrtype.KindEOSE:
		env, err := nostrtype.DecodeEOSE(data)
		if chk.T(err) {
			return
		}
		c.confirmIfCurrent(env.SubscriptionID)
		c.sender.RouteEOSE(c.url, env)
	case nostrtype.KindNotice:
		env, err := nostrtype.DecodeNotice(data)
		if chk.T(err) {
			return
		}
		c.sender.RouteNotice(c.url, env)
	case nostrtype.KindOK:
		env, err := nostrtype.DecodeOK(data)
		if chk.T(err) {
			return
		}
		c.sender.RouteOK(c.url, env)
	default:
		logging.D.F("relayconn: %s sent unhandled frame kind %q", c.url, kind)
	}
}

func (c *Connection) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case frame := <-c.self:
			if err := c.conn.Send(ctx, frame); chk.T(err) {
				c.state.Store(int32(Failed))
				c.lastError.Store(err.Error())
				c.disconnectedAtUnix.CompareAndSwap(0, time.Now().UnixNano())
				return
			}
		}
	}
}

// confirmIfCurrent flips subscriptionConfirmed once the relay proves it
// is actually serving the subscription id we last sent, rather than one
// left over from before a reconnect.
func (c *Connection) confirmIfCurrent(subscriptionID string) {
	if subscriptionID != "" && subscriptionID == c.subscriptionID.Load() {
		c.subscriptionConfirmed.Store(true)
	}
}

// SilentFor reports how long it has been since the last inbound
// message, used by ConnectionManager.RefreshConnections against
// PolicyState.Health.MaxSilenceMs.
func (c *Connection) SilentFor(now time.Time) time.Duration {
	last := c.lastMessageAtUnix.Load()
	if last == 0 {
		return 0
	}
	return now.Sub(time.Unix(0, last))
}

// ShouldReconnect decides whether a reconnect attempt is permitted
// given the current PolicyState's per-app-state cap.
func (c *Connection) ShouldReconnect(state power.AppState, caps power.ReconnectCaps) bool {
	return int(c.reconnectAttempts.Load()) < caps.CapFor(state)
}

// NextReconnectDelay computes the jittered exponential backoff delay
// before the next reconnect attempt, applying the app-state/network
// multiplier from PowerPolicy. The base backoff and the final delay
// are each capped at 60 seconds.
func NextReconnectDelay(attempt int, tables power.PolicyTables, state power.AppState, netType power.NetworkType, quality power.NetworkQuality) time.Duration {
	const baseDelay = 5 * time.Second
	const maxDelay = 60 * time.Second
	backoff := baseDelay * time.Duration(1<<uint(min(attempt, 20)))
	if backoff > maxDelay {
		backoff = maxDelay
	}
	mult := power.ReconnectDelayMultiplier(tables, state, netType, quality)
	delay := time.Duration(float64(backoff) * mult)
	if delay > maxDelay {
		delay = maxDelay
	}
	// +/-20% jitter so a fleet of clients reconnecting to the same
	// relay after an outage doesn't thunder in lockstep.
	jitterRange := int64(delay) / 5
	if jitterRange > 0 {
		jitter := frand.Intn(int(2*jitterRange)) - int(jitterRange)
		delay += time.Duration(jitter)
	}
	if delay < 0 {
		delay = baseDelay
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

// RecordReconnectAttempt increments the attempt counter, returning the
// new count.
func (c *Connection) RecordReconnectAttempt() int {
	return int(c.reconnectAttempts.Inc())
}

// ResetReconnectAttempts clears the attempt counter after a successful
// reconnect.
func (c *Connection) ResetReconnectAttempts() {
	c.reconnectAttempts.Store(0)
}
