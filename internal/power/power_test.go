package power

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/orlyd/relayd/internal/config"
)

func TestComputeIsPure(t *testing.T) {
	tables := NewTables(config.Balanced)
	in := Inputs{AppState: Foreground, BatteryLevel: 50, IsCharging: false, NetworkType: Wifi, NetworkQuality: QualityHigh}
	a := Compute(in, tables)
	b := Compute(in, tables)
	assert.Equal(t, a, b)
}

func TestCriticalBatteryBoundary(t *testing.T) {
	tables := NewTables(config.Balanced)
	in15 := Inputs{AppState: Background, BatteryLevel: 15, NetworkType: Wifi, NetworkQuality: QualityMedium}
	in16 := in15
	in16.BatteryLevel = 16

	s15 := Compute(in15, tables)
	s16 := Compute(in16, tables)

	assert.Equal(t, 300, s15.PingIntervalS, "battery=15 must route into the critical branch")
	assert.Equal(t, 3, s16.Health.MaxReconnectAttempts, "battery=16 must not route into the critical branch")
	assert.Equal(t, 2, s15.Health.MaxReconnectAttempts)
}

func TestLowBatteryBoundary(t *testing.T) {
	tables := NewTables(config.Balanced)
	in30 := Inputs{AppState: Background, BatteryLevel: 30, NetworkType: Wifi, NetworkQuality: QualityMedium}
	in31 := in30
	in31.BatteryLevel = 31

	s30 := Compute(in30, tables)
	s31 := Compute(in31, tables)

	assert.Equal(t, 300, s30.PingIntervalS, "battery=30 must route into the low branch")
	assert.Equal(t, 3, s30.Health.MaxReconnectAttempts)
	assert.Equal(t, 120, s31.PingIntervalS, "background base interval is already 120; 31 takes the default branch")
	assert.Equal(t, 10, s31.Health.MaxReconnectAttempts)
}

func TestBatteryDropScenario(t *testing.T) {
	// scenario 4: background, battery 31 -> 30
	tables := NewTables(config.Balanced)
	before := Compute(Inputs{AppState: Background, BatteryLevel: 31, NetworkType: Wifi, NetworkQuality: QualityHigh}, tables)
	assert.Equal(t, 120, before.PingIntervalS)

	after := Compute(Inputs{AppState: Background, BatteryLevel: 30, NetworkType: Wifi, NetworkQuality: QualityHigh}, tables)
	assert.Equal(t, 300, after.PingIntervalS)
	assert.EqualValues(t, 1_050_000, after.Health.MaxSilenceMs)
	assert.Equal(t, 3, after.Health.MaxReconnectAttempts)
}

func TestChargingFastForeground(t *testing.T) {
	tables := NewTables(config.Balanced)
	s := Compute(Inputs{AppState: Foreground, BatteryLevel: 85, IsCharging: true, NetworkType: Wifi, NetworkQuality: QualityHigh}, tables)
	assert.Equal(t, 30, s.PingIntervalS) // base 60 halved
}

func TestReconnectCapBoundary(t *testing.T) {
	caps := NewTables(config.Balanced).reconnectCaps
	assert.True(t, 9 < caps.CapFor(Foreground))
	assert.False(t, 10 < caps.CapFor(Foreground))
}

func TestDefaultsUsedOnMissingReading(t *testing.T) {
	d := Defaults()
	assert.Equal(t, Foreground, d.AppState)
	assert.Equal(t, 100, d.BatteryLevel)
	assert.False(t, d.IsCharging)
	assert.Equal(t, QualityMedium, d.NetworkQuality)
}
