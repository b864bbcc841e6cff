// Package router implements MessageRouter: the EVENT/EOSE/NOTICE/OK
// dispatch pipeline, gating delivery through the
// subscription registry, the de-duplication cache, and the timestamp
// ledger before handing a match to the notification sink.
package router

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/orlyd/relayd/internal/chk"
	"github.com/orlyd/relayd/internal/eventcache"
	"github.com/orlyd/relayd/internal/ledger"
	"github.com/orlyd/relayd/internal/logging"
	"github.com/orlyd/relayd/internal/nostrtype"
	"github.com/orlyd/relayd/internal/registry"
)

// maxInlinePayloadBytes is the 500 KB truncation boundary for
// step 7: past this size the target URI is marked truncated=1. The
// URI carries only the event id on either side of the boundary, and
// the sink always receives the full Event in Notification.Event.
const maxInlinePayloadBytes = 500 * 1024

// ConfigurationLookup resolves a configuration by id, reporting
// whether it is currently enabled. The router never mutates
// configuration state; SYNC_CONFIGURATIONS owns that.
type ConfigurationLookup interface {
	Configuration(id string) (Configuration, bool)
}

// Configuration is the subset of a subscription configuration the
// router needs to apply the keyword predicate and build a target URI.
type Configuration struct {
	ID         string
	Enabled    bool
	TargetURI  string
	Keywords   []string // empty: no keyword filtering, every match passes
}

// Notification is what the router hands the notification sink.
type Notification struct {
	Event          nostrtype.Event
	URI            string
	Configuration  Configuration
	SubscriptionID string
	Truncated      bool
}

// Sink receives matched events; it must not block the router for long
// since all connections share one router instance.
type Sink func(Notification)

// Observability receives NOTICE/OK frames and discard signals, for
// external logging/metrics consumption. Both methods must return
// promptly.
type Observability interface {
	Notice(relayURL string, env nostrtype.NoticeEnvelope)
	OK(relayURL string, env nostrtype.OKEnvelope)
	Discard(relayURL, subscriptionID, reason string)
}

// ConfirmationTracker is notified on every EOSE frame a relay sends;
// the connection itself sets its confirmed flag before routing the
// frame.
type ConfirmationTracker interface {
	ConfirmSubscription(relayURL, subscriptionID string)
}

// Router is the MessageRouter.
type Router struct {
	reg    *registry.Registry
	cache  *eventcache.Cache
	ledger *ledger.Ledger
	lookup ConfigurationLookup
	sink   Sink
	obs    Observability
	track  ConfirmationTracker
}

// New returns a Router wired to its collaborators.
func New(reg *registry.Registry, cache *eventcache.Cache, led *ledger.Ledger, lookup ConfigurationLookup, sink Sink, obs Observability, track ConfirmationTracker) *Router {
	return &Router{reg: reg, cache: cache, ledger: led, lookup: lookup, sink: sink, obs: obs, track: track}
}

// RouteEvent implements the EVENT delivery pipeline end to end.
func (r *Router) RouteEvent(relayURL string, env nostrtype.EventEnvelope) {
	// step 1
	if !r.reg.IsActive(relayURL, r.configIDFor(relayURL, env.SubscriptionID)) {
		r.discard(relayURL, env.SubscriptionID, "inactive")
		return
	}
	// step 2
	configID, ok := r.reg.ConfigurationIDOf(relayURL, env.SubscriptionID)
	if !ok {
		r.discard(relayURL, env.SubscriptionID, "no configuration mapping")
		return
	}
	cfg, ok := r.lookup.Configuration(configID)
	if !ok || !cfg.Enabled {
		r.discard(relayURL, env.SubscriptionID, "configuration disabled or missing")
		return
	}
	// step 3
	if err := env.Event.ValidateStructure(); chk.T(err) {
		r.discard(relayURL, env.SubscriptionID, fmt.Sprintf("structural validation: %v", err))
		return
	}
	// step 4
	if r.cache.Seen(env.Event.ID) {
		r.discard(relayURL, env.SubscriptionID, "duplicate")
		return
	}
	// step 5
	r.cache.Mark(env.Event.ID)
	r.ledger.Record(ledger.Key{RelayURL: relayURL, SubscriptionID: env.SubscriptionID}, env.Event.CreatedAt)
	// step 6
	if !matchesKeywords(cfg.Keywords, env.Event.Content) {
		r.discard(relayURL, env.SubscriptionID, "keyword predicate no match")
		return
	}
	// step 7
	uri, truncated := buildTargetURI(cfg.TargetURI, env.Event)
	// step 8
	r.sink(Notification{
		Event:          env.Event,
		URI:            uri,
		Configuration:  cfg,
		SubscriptionID: env.SubscriptionID,
		Truncated:      truncated,
	})
}

// RouteEOSE notifies the confirmation tracker of the EOSE; the
// matching connection has already marked its subscription confirmed.
func (r *Router) RouteEOSE(relayURL string, env nostrtype.EOSEEnvelope) {
	r.track.ConfirmSubscription(relayURL, env.SubscriptionID)
}

// RouteNotice forwards to observability.
func (r *Router) RouteNotice(relayURL string, env nostrtype.NoticeEnvelope) {
	r.obs.Notice(relayURL, env)
}

// RouteOK forwards to observability.
func (r *Router) RouteOK(relayURL string, env nostrtype.OKEnvelope) {
	r.obs.OK(relayURL, env)
}

func (r *Router) configIDFor(relayURL, subscriptionID string) string {
	configID, _ := r.reg.ConfigurationIDOf(relayURL, subscriptionID)
	return configID
}

func (r *Router) discard(relayURL, subscriptionID, reason string) {
	logging.D.F("router: discarding %s/%s: %s", relayURL, subscriptionID, reason)
	r.obs.Discard(relayURL, subscriptionID, reason)
}

func matchesKeywords(keywords []string, content string) bool {
	if len(keywords) == 0 {
		return true
	}
	lower := strings.ToLower(content)
	for _, kw := range keywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// buildTargetURI appends the event id to configuration.TargetURI, and
// adds truncated=1 when the event's JSON payload exceeds
// maxInlinePayloadBytes. The event payload itself is never placed in
// the URI.
func buildTargetURI(targetURI string, ev nostrtype.Event) (uri string, truncated bool) {
	raw := ev.Raw()
	if raw == nil {
		b, err := json.Marshal(ev)
		if !chk.T(err) {
			raw = b
		}
	}
	if len(raw) > maxInlinePayloadBytes {
		return fmt.Sprintf("%s?event_id=%s&truncated=1", targetURI, ev.ID), true
	}
	return fmt.Sprintf("%s?event_id=%s", targetURI, ev.ID), false
}
