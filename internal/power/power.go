// Package power computes a single ping interval and a set of dynamic
// health thresholds from battery, charging, app-lifecycle, and network
// inputs. PowerPolicy.Compute is a pure function: identical inputs and
// tables always produce byte-equal output (P4).
package power

import "github.com/orlyd/relayd/internal/config"

// AppState is the OS-reported coarse lifecycle/power-management state
// of the host application.
type AppState int

const (
	Foreground AppState = iota
	Background
	Doze
	Rare
	Restricted
)

// NetworkType is the transport carrying the device's current network
// connection.
type NetworkType int

const (
	NetworkNone NetworkType = iota
	Wifi
	Cellular
	Ethernet
	Bluetooth
	NetworkOther
)

// NetworkQuality is a coarse signal-quality bucket for the current
// network connection.
type NetworkQuality int

const (
	QualityNone NetworkQuality = iota
	QualityLow
	QualityMedium
	QualityHigh
)

// Inputs are the orthogonal readings PowerPolicy.Compute derives a
// PolicyState from.
type Inputs struct {
	AppState       AppState
	BatteryLevel   int // 0..100
	IsCharging     bool
	NetworkType    NetworkType
	NetworkQuality NetworkQuality
}

// Defaults returns the fallback Inputs used when an Environment
// reading is unavailable (ErrPolicyInput).
func Defaults() Inputs {
	return Inputs{
		AppState:       Foreground,
		BatteryLevel:   100,
		IsCharging:     false,
		NetworkType:    NetworkOther,
		NetworkQuality: QualityMedium,
	}
}

// HealthThresholds bound how much silence, how many reconnect
// attempts, and how long a subscription confirmation may take before a
// connection is deemed unhealthy.
type HealthThresholds struct {
	MaxSilenceMs          int64
	MaxReconnectAttempts  int
	HealthCheckIntervalMs int64
	SubscriptionTimeoutMs int64
}

// ReconnectCaps is the per-app-state ceiling on reconnect_attempts
// beyond which a reconnect is denied outright.
type ReconnectCaps struct {
	Foreground, Background, Doze, Rare, Restricted int
}

// PolicyState is the full output of one PowerPolicy.Compute call.
type PolicyState struct {
	PingIntervalS int
	Health        HealthThresholds
	ReconnectCaps ReconnectCaps
}

// Battery buckets used identically by the ping-interval and health-
// threshold rules (evaluated first-match-wins).
const (
	criticalBatteryLevel = 15
	lowBatteryLevel      = 30
)

// base ping intervals in seconds, per user-selected battery mode and
// app state. These are data, not behavior: PolicyTables groups them
// into one immutable value built once at startup.
type baseIntervals struct {
	Foreground, Background, Doze, Rare, Restricted int
}

// PolicyTables is the immutable set of constants PowerPolicy.Compute
// is parameterized over: base ping intervals per battery mode, the
// critical/low override floors, and the reconnect delay multipliers.
// Built once at startup from config.BatteryMode.
type PolicyTables struct {
	base baseIntervals

	criticalPingFloorS int
	lowPingFloorS      int

	reconnectCaps ReconnectCaps

	// reconnect delay multiplier by app state ("Reconnect delay
	// multiplier").
	delayMultiplier struct {
		Foreground, Background, Doze, Rare, Restricted float64
	}
}

// NewTables builds the PolicyTables for a given battery mode. Each
// mode supplies its own base ping-interval table; the floors, caps,
// and delay multipliers are fixed regardless of mode.
func NewTables(mode config.BatteryMode) PolicyTables {
	t := PolicyTables{
		criticalPingFloorS: 300, // CRITICAL
		lowPingFloorS:      300, // LOW
	}
	switch mode {
	case config.Performance:
		t.base = baseIntervals{Foreground: 30, Background: 60, Doze: 300, Rare: 180, Restricted: 600}
	case config.Conservative:
		t.base = baseIntervals{Foreground: 90, Background: 240, Doze: 900, Rare: 600, Restricted: 1800}
	case config.Balanced:
		fallthrough
	default:
		t.base = baseIntervals{Foreground: 60, Background: 120, Doze: 600, Rare: 300, Restricted: 1200}
	}
	t.reconnectCaps = ReconnectCaps{
		Foreground: 10, Background: 7, Doze: 3, Rare: 3, Restricted: 2,
	}
	t.delayMultiplier.Foreground = 1.0
	t.delayMultiplier.Background = 1.5
	t.delayMultiplier.Doze = 3.0
	t.delayMultiplier.Rare = 2.5
	t.delayMultiplier.Restricted = 4.0
	return t
}

func (t PolicyTables) baseFor(s AppState) int {
	switch s {
	case Foreground:
		return t.base.Foreground
	case Background:
		return t.base.Background
	case Doze:
		return t.base.Doze
	case Rare:
		return t.base.Rare
	case Restricted:
		return t.base.Restricted
	default:
		return t.base.Foreground
	}
}

func (t PolicyTables) delayMultiplierFor(s AppState) float64 {
	switch s {
	case Foreground:
		return t.delayMultiplier.Foreground
	case Background:
		return t.delayMultiplier.Background
	case Doze:
		return t.delayMultiplier.Doze
	case Rare:
		return t.delayMultiplier.Rare
	case Restricted:
		return t.delayMultiplier.Restricted
	default:
		return t.delayMultiplier.Foreground
	}
}

// Compute derives PolicyState from Inputs and PolicyTables. It is a
// pure function: no component owns PowerPolicy, it is only ever
// invoked (P4).
func Compute(in Inputs, t PolicyTables) PolicyState {
	base := t.baseFor(in.AppState)
	ping := base

	// ping_interval_s, first-match-wins.
	switch {
	case in.BatteryLevel <= criticalBatteryLevel:
		ping = max(base, t.criticalPingFloorS)
	case in.BatteryLevel <= lowBatteryLevel:
		ping = max(base, t.lowPingFloorS)
	case in.IsCharging && in.BatteryLevel >= 80 && in.AppState == Foreground:
		ping = min(base, base/2)
	default:
		ping = base
	}

	var health HealthThresholds
	switch {
	case in.BatteryLevel <= criticalBatteryLevel:
		health = HealthThresholds{
			MaxSilenceMs:          int64(ping) * 5000,
			MaxReconnectAttempts:  2,
			HealthCheckIntervalMs: int64(ping) * 8000,
		}
	case in.BatteryLevel <= lowBatteryLevel:
		health = HealthThresholds{
			MaxSilenceMs:          int64(ping) * 3500,
			MaxReconnectAttempts:  3,
			HealthCheckIntervalMs: int64(ping) * 3000,
		}
	default:
		health = HealthThresholds{
			MaxSilenceMs:          int64(ping) * 2500,
			MaxReconnectAttempts:  10,
			HealthCheckIntervalMs: int64(ping) * 1500,
		}
	}

	health.SubscriptionTimeoutMs = subscriptionTimeoutMs(in.NetworkQuality, in.BatteryLevel)

	return PolicyState{
		PingIntervalS: ping,
		Health:        health,
		ReconnectCaps: t.reconnectCaps,
	}
}

func subscriptionTimeoutMs(q NetworkQuality, batteryLevel int) int64 {
	var base int64
	switch q {
	case QualityHigh:
		base = 15000
	case QualityMedium:
		base = 30000
	case QualityLow:
		base = 60000
	default:
		base = 45000
	}
	switch {
	case batteryLevel <= criticalBatteryLevel:
		base = base * 2
	case batteryLevel <= lowBatteryLevel:
		base = base * 3 / 2
	}
	return base
}

// ReconnectDelayMultiplier computes the app-state and network
// multiplier applied to the exponential backoff base delay.
func ReconnectDelayMultiplier(t PolicyTables, state AppState, netType NetworkType, quality NetworkQuality) float64 {
	m := t.delayMultiplierFor(state)
	switch {
	case netType == Cellular && quality == QualityLow:
		m *= 2.0
	case netType == Cellular && quality == QualityMedium:
		m *= 1.5
	case netType == Wifi && quality == QualityHigh:
		m *= 0.8
	}
	return m
}

// CapFor returns the reconnect-attempt ceiling for a given app state,
// per the per-app-state caps table.
func (c ReconnectCaps) CapFor(state AppState) int {
	switch state {
	case Foreground:
		return c.Foreground
	case Background:
		return c.Background
	case Doze:
		return c.Doze
	case Rare:
		return c.Rare
	case Restricted:
		return c.Restricted
	default:
		return c.Foreground
	}
}
