// Package registry tracks which subscription configurations are
// active on which relay connections, enforcing P6 (no delivery to an
// inactive subscription) and supporting orphan cleanup when a
// configuration is retracted out from under a live connection.
package registry

import (
	"github.com/puzpuzpuz/xsync/v3"
)

// Key identifies one subscription instance: a relay URL paired with
// the id of the configuration that opened it.
type Key struct {
	RelayURL string
	ConfigID string
}

// entry is the registry's per-key bookkeeping.
type entry struct {
	subscriptionID string
	active         bool
}

// Registry is the SubscriptionRegistry: a composite-keyed map from
// (relay, configuration) to subscription state, plus a secondary index
// from relay URL to the set of configuration ids open on it (used for
// CleanupOrphans and per-relay fan-out).
type Registry struct {
	byKey   *xsync.MapOf[Key, entry]
	byRelay *xsync.MapOf[string, *xsync.MapOf[string, struct{}]]
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		byKey:   xsync.NewMapOf[Key, entry](),
		byRelay: xsync.NewMapOf[string, *xsync.MapOf[string, struct{}]](),
	}
}

// Register marks (relayURL, configID) active under the given
// subscription id, creating the secondary index entry if needed.
func (r *Registry) Register(relayURL, configID, subscriptionID string) {
	r.byKey.Store(Key{RelayURL: relayURL, ConfigID: configID}, entry{
		subscriptionID: subscriptionID,
		active:         true,
	})
	configs, _ := r.byRelay.LoadOrCompute(relayURL, func() *xsync.MapOf[string, struct{}] {
		return xsync.NewMapOf[string, struct{}]()
	})
	configs.Store(configID, struct{}{})
}

// Remove deactivates (relayURL, configID), so IsActive reports false
// and any in-flight delivery for it is dropped (P6).
func (r *Registry) Remove(relayURL, configID string) {
	r.byKey.Delete(Key{RelayURL: relayURL, ConfigID: configID})
	if configs, ok := r.byRelay.Load(relayURL); ok {
		configs.Delete(configID)
	}
}

// IsActive reports whether (relayURL, configID) currently has an open,
// registered subscription.
func (r *Registry) IsActive(relayURL, configID string) bool {
	e, ok := r.byKey.Load(Key{RelayURL: relayURL, ConfigID: configID})
	return ok && e.active
}

// SubscriptionIDOf returns the subscription id registered for
// (relayURL, configID), if any.
func (r *Registry) SubscriptionIDOf(relayURL, configID string) (string, bool) {
	e, ok := r.byKey.Load(Key{RelayURL: relayURL, ConfigID: configID})
	if !ok {
		return "", false
	}
	return e.subscriptionID, true
}

// ConfigurationIDOf resolves the configuration id that opened
// subscriptionID on relayURL, scanning the relay's config set. Callers
// on a hot path should prefer carrying the configID alongside the
// subscription id instead of calling this.
func (r *Registry) ConfigurationIDOf(relayURL, subscriptionID string) (string, bool) {
	configs, ok := r.byRelay.Load(relayURL)
	if !ok {
		return "", false
	}
	var found string
	configs.Range(func(configID string, _ struct{}) bool {
		if e, ok := r.byKey.Load(Key{RelayURL: relayURL, ConfigID: configID}); ok && e.subscriptionID == subscriptionID {
			found = configID
			return false
		}
		return true
	})
	if found == "" {
		return "", false
	}
	return found, true
}

// ConfigsForRelay returns the set of configuration ids currently
// registered against relayURL.
func (r *Registry) ConfigsForRelay(relayURL string) []string {
	configs, ok := r.byRelay.Load(relayURL)
	if !ok {
		return nil
	}
	var out []string
	configs.Range(func(configID string, _ struct{}) bool {
		out = append(out, configID)
		return true
	})
	return out
}

// CleanupOrphans removes every registered configuration on relayURL
// whose id is not present in live, returning how many were removed.
// Called after SyncConfigurations drops a configuration that still has
// subscriptions open on one or more relays.
func (r *Registry) CleanupOrphans(relayURL string, live map[string]struct{}) (removed int) {
	configs, ok := r.byRelay.Load(relayURL)
	if !ok {
		return 0
	}
	var orphans []string
	configs.Range(func(configID string, _ struct{}) bool {
		if _, ok := live[configID]; !ok {
			orphans = append(orphans, configID)
		}
		return true
	})
	for _, configID := range orphans {
		r.Remove(relayURL, configID)
		removed++
	}
	return
}

// RemoveRelay deactivates every configuration registered against
// relayURL, used when a relay connection is torn down entirely.
func (r *Registry) RemoveRelay(relayURL string) {
	configs, ok := r.byRelay.Load(relayURL)
	if !ok {
		return
	}
	configs.Range(func(configID string, _ struct{}) bool {
		r.byKey.Delete(Key{RelayURL: relayURL, ConfigID: configID})
		return true
	})
	r.byRelay.Delete(relayURL)
}
