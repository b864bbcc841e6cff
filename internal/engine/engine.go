// Package engine wires PowerPolicy, Environment, TimestampLedger,
// EventCache, SubscriptionRegistry, ConnectionManager, HealthMonitor
// and MessageRouter into a single Start/Stop/control-command surface.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/orlyd/relayd/internal/chk"
	"github.com/orlyd/relayd/internal/config"
	"github.com/orlyd/relayd/internal/connmanager"
	"github.com/orlyd/relayd/internal/diagnostics"
	"github.com/orlyd/relayd/internal/environment"
	"github.com/orlyd/relayd/internal/eventcache"
	"github.com/orlyd/relayd/internal/health"
	"github.com/orlyd/relayd/internal/ledger"
	"github.com/orlyd/relayd/internal/logging"
	"github.com/orlyd/relayd/internal/nostrtype"
	"github.com/orlyd/relayd/internal/power"
	"github.com/orlyd/relayd/internal/registry"
	"github.com/orlyd/relayd/internal/relayconn"
	"github.com/orlyd/relayd/internal/router"
)

// Configuration mirrors connmanager.Configuration plus the router-
// facing fields (target URI, keywords) a subscription configuration
// adds on top. SubscriptionID is the stable wire subscription id,
// distinct from ID: ID identifies the configuration to its owning
// store and may be reassigned by that store; SubscriptionID is the
// ledger's identity key and must survive restarts unchanged.
type Configuration struct {
	ID             string
	SubscriptionID string
	Name           string
	Enabled        bool
	Relays         []string
	Filter         *nostrtype.Filter
	TargetURI      string
	Keywords       []string
}

// ConfigStore supplies the engine's current configuration set; the
// engine never persists configurations itself (out of scope for this package).
type ConfigStore interface {
	Configurations() []Configuration
}

// Engine is the top-level service object.
type Engine struct {
	cfg     *config.C
	store   ConfigStore
	env     environment.Source
	sink    router.Sink
	obs     router.Observability

	ledger   *ledger.Ledger
	cache    *eventcache.Cache
	reg      *registry.Registry
	conns    *connmanager.Manager
	monitor  *health.Monitor
	route    *router.Router

	tables power.PolicyTables

	stateMu sync.RWMutex
	state   power.PolicyState

	mu        sync.Mutex
	configs   map[string]Configuration
	diagSrv   *diagnostics.Server
	cancel    context.CancelFunc
	running   atomic.Bool
}

// New constructs an Engine from its dependencies. cfg.DataDir backs
// the ledger; cfg.EventCacheCapacity bounds the de-dup cache;
// cfg.BatteryMode selects the PowerPolicy table.
func New(cfg *config.C, store ConfigStore, env environment.Source, sink router.Sink, obs router.Observability) (*Engine, error) {
	led, err := ledger.Open(cfg.DataDir, cfg.LedgerRetentionDays)
	if chk.E(err) {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	reg := registry.New()
	cache := eventcache.New(cfg.EventCacheCapacity)

	e := &Engine{
		cfg:     cfg,
		store:   store,
		env:     env,
		sink:    sink,
		obs:     obs,
		ledger:  led,
		cache:   cache,
		reg:     reg,
		tables:  power.NewTables(cfg.BatteryMode),
		configs: make(map[string]Configuration),
	}
	e.conns = connmanager.New(e, led, reg)
	e.conns.SetPingIntervalSource(e.currentPingIntervalS)
	e.route = router.New(reg, cache, led, e, e.deliver, obs, e)
	e.monitor = health.New(e.conns, e)
	e.recomputePolicy()
	return e, nil
}

// RouteEvent/RouteEOSE/RouteNotice/RouteOK implement relayconn.Sender
// by forwarding to the router; Engine is the single place both
// collaborators are wired through, so RelayConnection's dispatch calls
// into the router without reaching into the ConnectionManager.
func (e *Engine) RouteEvent(relayURL string, env nostrtype.EventEnvelope) {
	e.route.RouteEvent(relayURL, env)
}
func (e *Engine) RouteEOSE(relayURL string, env nostrtype.EOSEEnvelope) {
	e.route.RouteEOSE(relayURL, env)
}
func (e *Engine) RouteNotice(relayURL string, env nostrtype.NoticeEnvelope) {
	e.route.RouteNotice(relayURL, env)
}
func (e *Engine) RouteOK(relayURL string, env nostrtype.OKEnvelope) {
	e.route.RouteOK(relayURL, env)
}

// Configuration implements router.ConfigurationLookup.
func (e *Engine) Configuration(id string) (router.Configuration, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cfg, ok := e.configs[id]
	if !ok {
		return router.Configuration{}, false
	}
	return router.Configuration{
		ID:        cfg.ID,
		Enabled:   cfg.Enabled,
		TargetURI: cfg.TargetURI,
		Keywords:  cfg.Keywords,
	}, true
}

// ConfirmSubscription implements router.ConfirmationTracker. The
// confirmed flag itself already flips on RelayConnection the moment its
// read loop sees a matching EVENT/EOSE frame; this hook exists so the
// health surface has an explicit, loggable confirmation event to key
// off of rather than inferring it from silence alone.
func (e *Engine) ConfirmSubscription(relayURL, subscriptionID string) {
	conn, ok := e.conns.ConnectionFor(relayURL)
	if !ok {
		return
	}
	if conn.SubscriptionConfirmed() {
		e.ledger.RecordSubscriptionConfirmed(ledger.Key{RelayURL: relayURL, SubscriptionID: subscriptionID}, time.Now().Unix())
		logging.D.F("engine: subscription %s confirmed on %s", subscriptionID, relayURL)
	}
}

func (e *Engine) deliver(n router.Notification) {
	e.sink(n)
}

// Current implements health.PolicyProvider.
func (e *Engine) Current() power.PolicyState {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.state
}

func (e *Engine) currentPingIntervalS() int {
	return e.Current().PingIntervalS
}

func (e *Engine) recomputePolicy() {
	snap := e.env.Current()
	in := power.Inputs{
		AppState:       snap.AppState,
		BatteryLevel:   snap.BatteryLevel,
		IsCharging:     snap.IsCharging,
		NetworkType:    snap.NetworkType,
		NetworkQuality: snap.NetworkQuality,
	}
	if in.BatteryLevel == 0 && in.NetworkType == power.NetworkNone {
		in = power.Defaults()
	}
	next := power.Compute(in, e.tables)
	e.stateMu.Lock()
	e.state = next
	e.stateMu.Unlock()
	e.conns.UpdatePingInterval(time.Duration(next.PingIntervalS) * time.Second)
}

// Start loads the ledger (already done in New), cleans orphaned
// subscriptions, connects every enabled configuration, and starts the
// health monitor and (if enabled) the diagnostics server.
func (e *Engine) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.running.Store(true)

	unsubscribe := e.env.Subscribe(e.onEnvironmentChange)
	go func() {
		<-ctx.Done()
		unsubscribe()
	}()

	if err := e.SyncConfigurations(ctx); chk.E(err) {
		return err
	}
	go e.monitor.Run(ctx)
	go e.conns.RunPingLoop(ctx, e.currentPingIntervalS)

	if e.cfg.DiagnosticsEnabled {
		e.diagSrv = diagnostics.New(e.cfg.DiagnosticsListen, e)
		e.diagSrv.Start(ctx)
	}
	return nil
}

// Stop cancels the health monitor and every connection's context, and
// closes the ledger.
func (e *Engine) Stop() error {
	if e.cancel != nil {
		e.cancel()
	}
	e.running.Store(false)
	return e.ledger.Close()
}

func (e *Engine) onEnvironmentChange(environment.ChangeEvent) {
	e.recomputePolicy()
}

func (e *Engine) snapshotConfigs() []connmanager.Configuration {
	raw := e.store.Configurations()
	e.mu.Lock()
	e.configs = make(map[string]Configuration, len(raw))
	for _, cfg := range raw {
		e.configs[cfg.ID] = cfg
	}
	e.mu.Unlock()

	out := make([]connmanager.Configuration, 0, len(raw))
	for _, cfg := range raw {
		out = append(out, connmanager.Configuration{
			ID:             cfg.ID,
			SubscriptionID: cfg.SubscriptionID,
			Enabled:        cfg.Enabled,
			Relays:         cfg.Relays,
			Filter:         cfg.Filter,
		})
	}
	return out
}

// RefreshConnections implements the REFRESH_CONNECTIONS control
// command.
func (e *Engine) RefreshConnections(ctx context.Context) error {
	return e.conns.RefreshConnections(ctx, e.currentPingIntervalS(), e.Current().Health.MaxSilenceMs)
}

// SyncConfigurations implements the SYNC_CONFIGURATIONS control
// command.
func (e *Engine) SyncConfigurations(ctx context.Context) error {
	return e.conns.SyncConfigurations(ctx, e.snapshotConfigs())
}

// TestConnectionHealth implements the TEST_CONNECTION_HEALTH control
// command: run one HealthMonitor cycle immediately.
func (e *Engine) TestConnectionHealth(ctx context.Context) error {
	e.monitor.Trigger(ctx)
	return nil
}

// ForceReconnectAll implements the FORCE_RECONNECT_ALL control
// command.
func (e *Engine) ForceReconnectAll(ctx context.Context) error {
	return e.conns.ForceReconnectAll(ctx)
}

// Stats implements the LOG_DETAILED_STATS control command.
func (e *Engine) Stats() diagnostics.Stats {
	return diagnostics.Stats{
		Connections:  e.conns.ConnectionHealth(),
		PingInterval: e.currentPingIntervalS(),
		LedgerPath:   e.ledger.Path(),
		CacheSize:    e.cache.Len(),
	}
}

var _ relayconn.Sender = (*Engine)(nil)
