// Package health implements HealthMonitor: the component that ticks
// at PolicyState.Health.HealthCheckIntervalMs, detects silent
// connections, and triggers reconnects — coalescing overlapping
// refresh triggers so a slow tick and an externally requested refresh
// never race each other into duplicate work.
package health

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/orlyd/relayd/internal/chk"
	"github.com/orlyd/relayd/internal/logging"
	"github.com/orlyd/relayd/internal/power"
	"github.com/orlyd/relayd/internal/relayconn"
)

// Prober is the subset of ConnectionManager's surface HealthMonitor
// drives.
type Prober interface {
	ConnectionHealth() []relayconn.Health
	RefreshConnections(ctx context.Context, pingIntervalS int, maxSilenceMs int64) error
}

// PolicyProvider supplies the PolicyState currently in effect, so the
// monitor always evaluates against the latest ping interval and
// thresholds rather than a value captured at startup.
type PolicyProvider interface {
	Current() power.PolicyState
}

// Monitor is the HealthMonitor.
type Monitor struct {
	prober Prober
	policy PolicyProvider

	group singleflight.Group

	stop chan struct{}
	done chan struct{}
}

// New returns a Monitor that probes prober against the PolicyState
// provider's latest value.
func New(prober Prober, policy PolicyProvider) *Monitor {
	return &Monitor{
		prober: prober,
		policy: policy,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Run ticks at the current HealthCheckIntervalMs until ctx is
// cancelled or Stop is called. The interval is re-read from
// PolicyState on every tick, so a battery-level change takes effect on
// the monitor's very next cycle without restarting the loop.
func (m *Monitor) Run(ctx context.Context) {
	defer close(m.done)
	interval := time.Duration(m.policy.Current().Health.HealthCheckIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 30 * time.Second
	}
	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-timer.C:
			m.Trigger(ctx)
			next := time.Duration(m.policy.Current().Health.HealthCheckIntervalMs) * time.Millisecond
			if next <= 0 {
				next = interval
			}
			timer.Reset(next)
		}
	}
}

// Stop ends Run's loop and waits for it to exit.
func (m *Monitor) Stop() {
	close(m.stop)
	<-m.done
}

// Trigger runs one health-check pass, coalescing with any already in
// flight so concurrent callers (the ticking loop and an explicit
// TEST_CONNECTION_HEALTH control command) share a single probe.
func (m *Monitor) Trigger(ctx context.Context) {
	_, err, _ := m.group.Do("probe", func() (any, error) {
		m.probeOnce(ctx)
		return nil, nil
	})
	chk.T(err)
}

// isHealthy implements the connection-health predicate: connected,
// subscription confirmed, recently heard from, and not past its
// reconnect-attempt ceiling.
func isHealthy(h relayconn.Health, now time.Time, maxSilence, maxSubscriptionWait time.Duration, maxReconnectAttempts int) bool {
	if h.State != relayconn.Connected {
		return false
	}
	if !h.SubscriptionConfirmed {
		// A subscription that hasn't confirmed within its timeout is
		// unhealthy; one still within the grace window is not yet
		// judged (give the relay a chance to send EOSE/EVENT).
		if h.SubscriptionSentAt.IsZero() || now.Sub(h.SubscriptionSentAt) > maxSubscriptionWait {
			return false
		}
		return true
	}
	if !h.LastMessageAt.IsZero() && now.Sub(h.LastMessageAt) > maxSilence {
		return false
	}
	if h.ReconnectAttempts >= maxReconnectAttempts {
		return false
	}
	return true
}

func (m *Monitor) probeOnce(ctx context.Context) {
	state := m.policy.Current()
	maxSilence := time.Duration(state.Health.MaxSilenceMs) * time.Millisecond
	maxSubscriptionWait := time.Duration(state.Health.SubscriptionTimeoutMs) * time.Millisecond
	now := time.Now()

	var unhealthy int
	for _, h := range m.prober.ConnectionHealth() {
		if !isHealthy(h, now, maxSilence, maxSubscriptionWait, state.Health.MaxReconnectAttempts) {
			unhealthy++
		}
	}
	if unhealthy == 0 {
		return
	}
	logging.I.F("health: %d connection(s) unhealthy, requesting refresh", unhealthy)
	if err := m.prober.RefreshConnections(ctx, state.PingIntervalS, state.Health.MaxSilenceMs); chk.E(err) {
		return
	}
}
