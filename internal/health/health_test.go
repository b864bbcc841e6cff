package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/orlyd/relayd/internal/power"
	"github.com/orlyd/relayd/internal/relayconn"
)

type fakeProber struct {
	mu           sync.Mutex
	health       []relayconn.Health
	refreshCalls int
}

func (f *fakeProber) ConnectionHealth() []relayconn.Health {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.health
}

func (f *fakeProber) RefreshConnections(ctx context.Context, pingIntervalS int, maxSilenceMs int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshCalls++
	return nil
}

func (f *fakeProber) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshCalls
}

type fixedPolicy struct {
	state power.PolicyState
}

func (f fixedPolicy) Current() power.PolicyState { return f.state }

func testPolicy() power.PolicyState {
	return power.PolicyState{
		PingIntervalS: 60,
		Health: power.HealthThresholds{
			MaxSilenceMs:          2500 * 60,
			MaxReconnectAttempts:  10,
			HealthCheckIntervalMs: 50,
			SubscriptionTimeoutMs: 30000,
		},
	}
}

func TestIsHealthyRequiresConnectedAndConfirmed(t *testing.T) {
	now := time.Now()
	h := relayconn.Health{State: relayconn.Connected, SubscriptionConfirmed: true, LastMessageAt: now}
	assert.True(t, isHealthy(h, now, time.Minute, 30*time.Second, 10))

	h.State = relayconn.Disconnected
	assert.False(t, isHealthy(h, now, time.Minute, 30*time.Second, 10))
}

func TestIsHealthyUnconfirmedWithinGraceIsOK(t *testing.T) {
	now := time.Now()
	h := relayconn.Health{State: relayconn.Connected, SubscriptionConfirmed: false, SubscriptionSentAt: now.Add(-5 * time.Second)}
	assert.True(t, isHealthy(h, now, time.Minute, 30*time.Second, 10))
}

func TestIsHealthyUnconfirmedPastTimeoutIsUnhealthy(t *testing.T) {
	now := time.Now()
	h := relayconn.Health{State: relayconn.Connected, SubscriptionConfirmed: false, SubscriptionSentAt: now.Add(-40 * time.Second)}
	assert.False(t, isHealthy(h, now, time.Minute, 30*time.Second, 10))
}

func TestIsHealthySilentPastMaxSilenceIsUnhealthy(t *testing.T) {
	now := time.Now()
	h := relayconn.Health{State: relayconn.Connected, SubscriptionConfirmed: true, LastMessageAt: now.Add(-2 * time.Minute)}
	assert.False(t, isHealthy(h, now, time.Minute, 30*time.Second, 10))
}

func TestIsHealthyReconnectCapExceededIsUnhealthy(t *testing.T) {
	now := time.Now()
	h := relayconn.Health{State: relayconn.Connected, SubscriptionConfirmed: true, LastMessageAt: now, ReconnectAttempts: 10}
	assert.False(t, isHealthy(h, now, time.Minute, 30*time.Second, 10))
}

func TestTriggerRequestsRefreshWhenUnhealthy(t *testing.T) {
	prober := &fakeProber{health: []relayconn.Health{
		{State: relayconn.Connected, SubscriptionConfirmed: true, LastMessageAt: time.Now().Add(-1 * time.Hour)},
	}}
	m := New(prober, fixedPolicy{state: testPolicy()})
	m.Trigger(context.Background())
	assert.Equal(t, 1, prober.calls())
}

func TestTriggerCoalescesConcurrentCalls(t *testing.T) {
	prober := &fakeProber{health: []relayconn.Health{
		{State: relayconn.Connected, SubscriptionConfirmed: true, LastMessageAt: time.Now().Add(-1 * time.Hour)},
	}}
	m := New(prober, fixedPolicy{state: testPolicy()})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Trigger(context.Background())
		}()
	}
	wg.Wait()
	assert.GreaterOrEqual(t, prober.calls(), 1)
}

func TestRunTicksAndStopsCleanly(t *testing.T) {
	prober := &fakeProber{}
	m := New(prober, fixedPolicy{state: testPolicy()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	time.Sleep(120 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after context cancellation")
	}
}

func TestStopEndsRunLoop(t *testing.T) {
	prober := &fakeProber{}
	m := New(prober, fixedPolicy{state: testPolicy()})

	done := make(chan struct{})
	go func() {
		m.Run(context.Background())
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)
	m.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after Stop")
	}
}
