// Package environment models the device power/network/lifecycle
// signal source PowerPolicy reads. By design, change
// notifications are a single sum type delivered over one subscription
// channel rather than per-kind listener callbacks.
package environment

import "github.com/orlyd/relayd/internal/power"

// Snapshot is the current reading of all five PowerPolicy inputs.
type Snapshot struct {
	AppState       power.AppState
	BatteryLevel   int
	IsCharging     bool
	NetworkType    power.NetworkType
	NetworkQuality power.NetworkQuality
	NetworkUp      bool
}

// ChangeKind identifies which field(s) of a Snapshot a ChangeEvent
// reflects.
type ChangeKind int

const (
	AppStateChanged ChangeKind = iota
	BatteryChanged
	ChargingChanged
	NetworkChanged
	DozeChanged
	StandbyBucketChanged
)

// ChangeEvent is the single notification type Environment emits;
// Snapshot always carries the full current reading so a consumer never
// needs to reconstruct state from a partial delta.
type ChangeEvent struct {
	Kind     ChangeKind
	Snapshot Snapshot
}

// Source is the capability set the core treats as authoritative for
// PowerPolicy's five inputs. Implementations must invoke subscribed
// callbacks from the Environment's own goroutine and must not block
// that goroutine waiting on a slow consumer.
type Source interface {
	Current() Snapshot
	Subscribe(cb func(ChangeEvent)) (unsubscribe func())
}

// Static is a Source with a fixed reading and no change notifications;
// useful for tests and for hosts with no Environment collaborator
// wired up yet.
type Static struct {
	snapshot Snapshot
}

// NewStatic returns a Source that always reports snapshot and never
// emits change events.
func NewStatic(snapshot Snapshot) *Static {
	return &Static{snapshot: snapshot}
}

func (s *Static) Current() Snapshot { return s.snapshot }

func (s *Static) Subscribe(func(ChangeEvent)) (unsubscribe func()) {
	return func() {}
}

// Manual is a Source a test or a local CLI can drive by calling Set,
// which synchronously notifies every current subscriber. It has no
// internal locking: Current, Set, Subscribe and the returned
// unsubscribe func must not be called concurrently with one another.
type Manual struct {
	snapshot  Snapshot
	listeners map[int]func(ChangeEvent)
	nextID    int
}

// NewManual returns a Manual Source seeded with the given snapshot.
func NewManual(snapshot Snapshot) *Manual {
	return &Manual{snapshot: snapshot, listeners: make(map[int]func(ChangeEvent))}
}

func (m *Manual) Current() Snapshot { return m.snapshot }

func (m *Manual) Subscribe(cb func(ChangeEvent)) (unsubscribe func()) {
	id := m.nextID
	m.nextID++
	m.listeners[id] = cb
	return func() { delete(m.listeners, id) }
}

// Set updates the snapshot and notifies subscribers with the given
// change kind.
func (m *Manual) Set(kind ChangeKind, snapshot Snapshot) {
	m.snapshot = snapshot
	ev := ChangeEvent{Kind: kind, Snapshot: snapshot}
	for _, cb := range m.listeners {
		cb(ev)
	}
}

var (
	_ Source = (*Static)(nil)
	_ Source = (*Manual)(nil)
)
