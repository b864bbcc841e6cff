// Package connmanager implements ConnectionManager: the component
// that owns the set of live RelayConnections and fans out connect,
// resync, and ping-interval updates across them.
package connmanager

import (
	"context"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"

	"github.com/orlyd/relayd/internal/chk"
	"github.com/orlyd/relayd/internal/ledger"
	"github.com/orlyd/relayd/internal/logging"
	"github.com/orlyd/relayd/internal/nostrtype"
	"github.com/orlyd/relayd/internal/registry"
	"github.com/orlyd/relayd/internal/relayconn"
)

// Configuration is one subscription configuration: a configuration id
// (identifying it to the owning store), a separate stable
// SubscriptionID (the ledger's identity key, unchanged across
// restarts), the relay URLs it should be open on, and the filter
// (minus since) it subscribes with.
type Configuration struct {
	ID             string
	SubscriptionID string
	Enabled        bool
	Relays         []string
	Filter         *nostrtype.Filter
}

// Manager is the ConnectionManager.
type Manager struct {
	sender relayconn.Sender
	ledger *ledger.Ledger
	reg    *registry.Registry

	conns   *xsync.MapOf[string, *relayconn.Connection]
	configs *xsync.MapOf[string, Configuration]

	// maxParallelConnects bounds how many relays are dialed
	// concurrently during ConnectAll/RefreshConnections.
	maxParallelConnects int

	// pingIntervalS reports the current PolicyState ping interval for
	// ledger staleness evaluation; nil until the engine wires it up via
	// SetPingIntervalSource, in which case defaultPingIntervalFallbackS
	// is used.
	pingIntervalS func() int

	pingIntervalMu    sync.Mutex
	lastPingIntervalS int
}

// SetPingIntervalSource wires the manager to the engine's live
// PolicyState so ledger staleness checks use the real current ping
// interval rather than the startup fallback.
func (m *Manager) SetPingIntervalSource(f func() int) {
	m.pingIntervalS = f
}

// New returns an empty Manager.
func New(sender relayconn.Sender, led *ledger.Ledger, reg *registry.Registry) *Manager {
	return &Manager{
		sender:              sender,
		ledger:              led,
		reg:                 reg,
		conns:               xsync.NewMapOf[string, *relayconn.Connection](),
		configs:             xsync.NewMapOf[string, Configuration](),
		maxParallelConnects: 8,
	}
}

// ConnectAll dials every relay referenced by an enabled configuration
// that isn't already tracked, and opens a REQ for each configuration
// on its relays. Dials run with bounded parallelism via errgroup.
func (m *Manager) ConnectAll(ctx context.Context, configs []Configuration) error {
	m.rememberConfigs(configs)

	var group errgroup.Group
	group.SetLimit(m.maxParallelConnects)

	relayConfigs := fanOutByRelay(enabledOnly(configs))
	for url, cfgs := range relayConfigs {
		url, cfgs := url, cfgs
		group.Go(func() error {
			conn, isNew := m.connFor(url)
			if isNew {
				if err := conn.Connect(ctx); chk.E(err) {
					// one relay failing to dial must not cancel sibling
					// dials (errgroup's shared context notwithstanding,
					// we swallow the error here rather than propagate).
					logging.W.F("connmanager: dial %s failed: %v", url, err)
					return nil
				}
			}
			for _, cfg := range cfgs {
				m.openSubscription(conn, cfg)
			}
			return nil
		})
	}
	return group.Wait()
}

// SyncConfigurations reconciles the live relay set with configs
// (P3): connections for relays outside the new enabled set are closed
// (CLOSE frame sent, registry entries removed, connection torn down);
// connections for newly referenced relays are opened. Calling this
// twice with the same configs leaves the relay set unchanged the
// second time; each configuration's REQ is sent again on its relays.
func (m *Manager) SyncConfigurations(ctx context.Context, configs []Configuration) error {
	expected := relaySet(enabledOnly(configs))

	var toTeardown []string
	m.conns.Range(func(url string, _ *relayconn.Connection) bool {
		if _, ok := expected[url]; !ok {
			toTeardown = append(toTeardown, url)
		}
		return true
	})
	for _, url := range toTeardown {
		m.teardownRelay(url)
	}

	live := make(map[string]struct{}, len(configs))
	for _, cfg := range configs {
		if cfg.Enabled {
			live[cfg.ID] = struct{}{}
		}
	}
	m.conns.Range(func(url string, _ *relayconn.Connection) bool {
		removed := m.reg.CleanupOrphans(url, live)
		if removed > 0 {
			logging.I.F("connmanager: removed %d orphaned configuration(s) from %s", removed, url)
		}
		return true
	})

	return m.ConnectAll(ctx, configs)
}

func (m *Manager) teardownRelay(url string) {
	for _, configID := range m.reg.ConfigsForRelay(url) {
		if subID, ok := m.reg.SubscriptionIDOf(url, configID); ok {
			if conn, ok := m.conns.Load(url); ok {
				frame, err := nostrtype.EncodeClose(subID)
				if !chk.E(err) {
					chk.T(conn.Send(frame))
				}
			}
		}
	}
	m.reg.RemoveRelay(url)
	if conn, ok := m.conns.LoadAndDelete(url); ok {
		chk.T(conn.Close())
	}
}

// RefreshConnections closes and re-dials every currently Failed or
// Disconnected relay connection, plus any Connected-but-silent relay
// whose last message predates maxSilenceMs: a connection that never
// noticed its own socket die is exactly what HealthMonitor exists to
// catch. The ledger's since bound (or the staleness fallback) is
// reapplied to each reopened subscription.
func (m *Manager) RefreshConnections(ctx context.Context, pingIntervalS int, maxSilenceMs int64) error {
	now := time.Now()
	maxSilence := time.Duration(maxSilenceMs) * time.Millisecond
	var group errgroup.Group
	group.SetLimit(m.maxParallelConnects)
	m.conns.Range(func(url string, conn *relayconn.Connection) bool {
		state := conn.State()
		stalled := state == relayconn.Connected && maxSilenceMs > 0 && conn.SilentFor(now) > maxSilence
		if state != relayconn.Failed && state != relayconn.Disconnected && !stalled {
			return true
		}
		group.Go(func() error {
			if stalled {
				chk.T(conn.Close())
			}
			if err := conn.Connect(ctx); chk.E(err) {
				logging.W.F("connmanager: refresh dial %s failed: %v", url, err)
				return nil
			}
			conn.ResetReconnectAttempts()
			for _, configID := range m.reg.ConfigsForRelay(url) {
				if cfg, ok := m.configs.Load(configID); ok {
					m.openSubscription(conn, cfg)
				}
			}
			return nil
		})
		return true
	})
	return group.Wait()
}

// pingIntervalRebuildThresholdS is the minimum ping-interval delta
// (seconds) that forces a transport rebuild rather than a silent
// reuse.
const pingIntervalRebuildThresholdS = 30

// transportRebuildGraceDelay gives any frame already in flight on the
// old socket a chance to land before the rebuild tears it down.
const transportRebuildGraceDelay = 5 * time.Second

// UpdatePingInterval applies a new PolicyState ping interval. A change
// of less than pingIntervalRebuildThresholdS seconds only records the
// new value (RunPingLoop reads the live interval from its own source);
// a larger change
// rebuilds every live connection's transport (close, wait out the
// release grace period, redial, resubscribe) so the new interval takes
// effect on a fresh socket rather than an old one negotiated under the
// previous interval.
func (m *Manager) UpdatePingInterval(d time.Duration) {
	newS := int(d / time.Second)

	m.pingIntervalMu.Lock()
	old := m.lastPingIntervalS
	delta := newS - old
	if delta < 0 {
		delta = -delta
	}
	rebuild := old != 0 && delta >= pingIntervalRebuildThresholdS
	m.lastPingIntervalS = newS
	m.pingIntervalMu.Unlock()

	logging.D.F("connmanager: ping interval now %s", d)
	if rebuild {
		go m.rebuildTransports()
	}
}

// rebuildTransports closes and redials every tracked connection after
// transportRebuildGraceDelay, reopening each relay's subscriptions
// against the fresh socket.
func (m *Manager) rebuildTransports() {
	time.Sleep(transportRebuildGraceDelay)
	ctx := context.Background()
	var urls []string
	m.conns.Range(func(url string, _ *relayconn.Connection) bool {
		urls = append(urls, url)
		return true
	})
	for _, url := range urls {
		conn, ok := m.conns.Load(url)
		if !ok {
			continue
		}
		chk.T(conn.Close())
		if err := conn.Connect(ctx); chk.E(err) {
			logging.W.F("connmanager: transport rebuild dial %s failed: %v", url, err)
			continue
		}
		conn.ResetReconnectAttempts()
		for _, configID := range m.reg.ConfigsForRelay(url) {
			if cfg, ok := m.configs.Load(configID); ok {
				m.openSubscription(conn, cfg)
			}
		}
	}
}

// RunPingLoop sends a protocol-level keepalive ping to every connected
// relay once per the live ping interval, until ctx is cancelled. This
// is what actually exercises transport.Conn.Ping: PolicyState's
// ping_interval_s otherwise only ever drove ledger staleness math.
func (m *Manager) RunPingLoop(ctx context.Context, intervalSource func() int) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	var last time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			interval := time.Duration(intervalSource()) * time.Second
			if interval <= 0 {
				interval = time.Duration(defaultPingIntervalFallbackS) * time.Second
			}
			if now.Sub(last) < interval {
				continue
			}
			last = now
			m.pingAll(ctx)
		}
	}
}

func (m *Manager) pingAll(ctx context.Context) {
	m.conns.Range(func(url string, conn *relayconn.Connection) bool {
		if conn.State() != relayconn.Connected {
			return true
		}
		if err := conn.Ping(ctx); chk.E(err) {
			logging.W.F("connmanager: ping %s failed: %v", url, err)
		}
		return true
	})
}

// ConnectionHealth returns a health snapshot for every tracked relay.
func (m *Manager) ConnectionHealth() []relayconn.Health {
	var out []relayconn.Health
	m.conns.Range(func(_ string, conn *relayconn.Connection) bool {
		out = append(out, conn.Health())
		return true
	})
	return out
}

// ForceReconnectAll closes every connection regardless of its current
// state and dials again, bypassing the normal backoff schedule (used
// by the FORCE_RECONNECT_ALL control command).
func (m *Manager) ForceReconnectAll(ctx context.Context) error {
	var group errgroup.Group
	group.SetLimit(m.maxParallelConnects)
	m.conns.Range(func(url string, conn *relayconn.Connection) bool {
		group.Go(func() error {
			chk.T(conn.Close())
			conn.ResetReconnectAttempts()
			if err := conn.Connect(ctx); chk.E(err) {
				logging.W.F("connmanager: forced reconnect %s failed: %v", url, err)
				return nil
			}
			for _, configID := range m.reg.ConfigsForRelay(url) {
				if cfg, ok := m.configs.Load(configID); ok {
					m.openSubscription(conn, cfg)
				}
			}
			return nil
		})
		return true
	})
	return group.Wait()
}

func (m *Manager) connFor(url string) (conn *relayconn.Connection, isNew bool) {
	actual, loaded := m.conns.LoadOrCompute(url, func() *relayconn.Connection {
		return relayconn.New(url, m.sender)
	})
	return actual, !loaded
}

func (m *Manager) openSubscription(conn *relayconn.Connection, cfg Configuration) {
	k := ledger.Key{RelayURL: conn.URL(), SubscriptionID: cfg.SubscriptionID}
	ping := defaultPingIntervalFallbackS
	if m.pingIntervalS != nil {
		if v := m.pingIntervalS(); v > 0 {
			ping = v
		}
	}
	now := time.Now()
	since := m.ledger.ResolveSince(k, now.Unix(), ping)
	filter := cfg.Filter.WithSince(since)
	subID := cfg.SubscriptionID
	frame, err := nostrtype.EncodeReq(subID, filter)
	if chk.E(err) {
		return
	}
	if err = conn.Send(frame); chk.E(err) {
		return
	}
	conn.SetCurrentSubscription(subID)
	m.reg.Register(conn.URL(), cfg.ID, subID)
	m.ledger.RecordConnected(k, now.Unix(), conn.LastDowntimeMs())
}

// ConnectionFor looks up the tracked connection for a relay URL, used by
// the engine to thread subscription-confirmation events (carried on
// EOSE/EVENT frames) back onto the specific RelayConnection that should
// flip its confirmed flag.
func (m *Manager) ConnectionFor(relayURL string) (*relayconn.Connection, bool) {
	return m.conns.Load(relayURL)
}

// defaultPingIntervalFallbackS is used for staleness evaluation when a
// subscription is (re)opened and no ping-interval source is wired (or
// it reports zero), and by RunPingLoop under the same condition.
// RefreshConnections's pingIntervalS parameter is not consulted;
// openSubscription reads the source set by SetPingIntervalSource. PowerPolicy's
// Balanced-mode Foreground base interval is the most representative
// value absent a live PolicyState.
const defaultPingIntervalFallbackS = 60

func (m *Manager) rememberConfigs(configs []Configuration) {
	for _, cfg := range configs {
		m.configs.Store(cfg.ID, cfg)
	}
}

func enabledOnly(configs []Configuration) []Configuration {
	out := make([]Configuration, 0, len(configs))
	for _, cfg := range configs {
		if cfg.Enabled {
			out = append(out, cfg)
		}
	}
	return out
}

func relaySet(configs []Configuration) map[string]struct{} {
	out := make(map[string]struct{})
	for _, cfg := range configs {
		for _, url := range cfg.Relays {
			out[url] = struct{}{}
		}
	}
	return out
}

func fanOutByRelay(configs []Configuration) map[string][]Configuration {
	out := make(map[string][]Configuration)
	for _, cfg := range configs {
		for _, url := range cfg.Relays {
			out[url] = append(out[url], cfg)
		}
	}
	return out
}
