// Package ledger persists the last-seen-event timestamp for each
// (relay URL, subscription ID) pair, so a reconnect's
// REQ carries a since bound that never re-delivers an already-seen
// event (P1, P2, P3).
package ledger

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/orlyd/relayd/internal/chk"
)

// Key identifies one tracked (subscription, relay) timestamp entry.
// SubscriptionID is the stable wire subscription id carried by every
// REQ/EVENT/EOSE frame for it, distinct from a configuration's id.
type Key struct {
	RelayURL       string
	SubscriptionID string
}

// record is the persisted and in-memory value for a Key, mirroring
// TimestampEntry's five persisted fields.
type record struct {
	Since                    int64 `msgpack:"since"`
	LastWriteS               int64 `msgpack:"last_write_s"`
	LastConnectedAtS         int64 `msgpack:"last_connected_at_s"`
	SubscriptionConfirmedAtS int64 `msgpack:"subscription_confirmed_at_s"`
	EventCount               int64 `msgpack:"event_count"`
	ConnectionDowntimeMs     int64 `msgpack:"connection_downtime_ms"`
}

// Ledger is the TimestampLedger: an in-memory xsync index backed by an
// async write-through queue into badger, keyed by msgpack-encoded
// records. Reads never block on disk; writes are best-effort and
// coalesced per key.
type Ledger struct {
	dataDir string
	db      *badger.DB
	mem     *xsync.MapOf[Key, record]

	retention time.Duration

	writeq chan Key
	closed atomic.Bool
	done   chan struct{}
}

// Open creates or opens the ledger's badger store at dataDir, loads
// all persisted records into memory, and then drops those older than
// the retention window (see CleanupStale) when retentionDays > 0.
func Open(dataDir string, retentionDays int) (l *Ledger, err error) {
	if err = os.MkdirAll(dataDir, 0755); chk.E(err) {
		return
	}
	l = &Ledger{
		dataDir:   dataDir,
		mem:       xsync.NewMapOf[Key, record](),
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		writeq:    make(chan Key, 256),
		done:      make(chan struct{}),
	}
	opts := badger.DefaultOptions(dataDir)
	opts.Logger = nil
	if l.db, err = badger.Open(opts); chk.E(err) {
		return
	}
	if err = l.loadPersisted(); chk.E(err) {
		return
	}
	if l.retention > 0 {
		l.CleanupStale()
	}
	go l.writeLoop()
	return
}

// Close stops the write-through goroutine and closes the badger store.
func (l *Ledger) Close() error {
	if l.closed.CompareAndSwap(false, true) {
		close(l.writeq)
		<-l.done
	}
	return l.db.Close()
}

func (l *Ledger) loadPersisted() error {
	return l.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			k := Key{}
			k.decodeFrom(item.Key())
			var rec record
			if err := item.Value(func(v []byte) error {
				return msgpack.Unmarshal(v, &rec)
			}); chk.T(err) {
				continue
			}
			l.mem.Store(k, rec)
		}
		return nil
	})
}

func (l *Ledger) writeLoop() {
	defer close(l.done)
	for k := range l.writeq {
		rec, ok := l.mem.Load(k)
		if !ok {
			continue
		}
		b, err := msgpack.Marshal(rec)
		if chk.E(err) {
			continue
		}
		err = l.db.Update(func(txn *badger.Txn) error {
			return txn.Set(k.encode(), b)
		})
		chk.E(err)
	}
}

// SinceFor returns the recorded last-event timestamp for key, and
// whether one exists. Most callers want ResolveSince instead, which
// also applies the staleness fallback.
func (l *Ledger) SinceFor(k Key) (since int64, ok bool) {
	rec, found := l.mem.Load(k)
	if !found {
		return 0, false
	}
	return rec.Since, true
}

// firstContactBufferS is the minimal safety buffer (seconds) used when
// no usable ledger entry exists for a key.
const firstContactBufferS = 300

// ResolveSince implements TimestampLedger.since_for: last_event_at+1
// if an entry exists and is not stale under the 2x-ping-interval
// staleness policy, else now-300 as a first-contact safety buffer
// (P1, P2, scenarios 1-3).
func (l *Ledger) ResolveSince(k Key, nowUnix int64, pingIntervalS int) int64 {
	rec, ok := l.mem.Load(k)
	if ok && nowUnix-rec.Since <= int64(2*pingIntervalS) {
		return rec.Since + 1
	}
	since := nowUnix - firstContactBufferS
	if since < 0 {
		since = 0
	}
	return since
}

// Record advances the ledger's since bound for key to ts if ts is
// newer than what is already recorded (P1: since is monotonically
// non-decreasing), increments the entry's event_count, and enqueues
// an async persist.
func (l *Ledger) Record(k Key, ts int64) {
	now := time.Now().Unix()
	l.mem.Compute(k, func(old record, loaded bool) (record, bool) {
		rec := old
		rec.EventCount++
		rec.LastWriteS = now
		if !loaded || ts > old.Since {
			rec.Since = ts
		}
		return rec, false
	})
	l.enqueueWrite(k)
}

// RecordConnected stamps the entry's last_connected_at and the
// downtime (in ms) that preceded this connection episode, called once
// a RelayConnection finishes dialing and is about to (re)subscribe.
func (l *Ledger) RecordConnected(k Key, nowUnix, downtimeMs int64) {
	l.mem.Compute(k, func(old record, loaded bool) (record, bool) {
		rec := old
		rec.LastConnectedAtS = nowUnix
		rec.ConnectionDowntimeMs = downtimeMs
		rec.LastWriteS = nowUnix
		return rec, false
	})
	l.enqueueWrite(k)
}

// RecordSubscriptionConfirmed stamps the entry's
// subscription_confirmed_at, called whenever a relay sends EOSE for a
// subscription the connection has already marked confirmed.
func (l *Ledger) RecordSubscriptionConfirmed(k Key, nowUnix int64) {
	l.mem.Compute(k, func(old record, loaded bool) (record, bool) {
		rec := old
		rec.SubscriptionConfirmedAtS = nowUnix
		rec.LastWriteS = nowUnix
		return rec, false
	})
	l.enqueueWrite(k)
}

func (l *Ledger) enqueueWrite(k Key) {
	select {
	case l.writeq <- k:
	default:
		// write queue full: this key's persisted value lags memory
		// until the next successful write for it drains a slot.
	}
}

// CleanupStale removes ledger entries whose last_connected_at predates
// the configured retention window, both in memory and on disk. Entries
// that have never recorded a connection episode fall back to
// LastWriteS so a pure event-only record can still age out.
func (l *Ledger) CleanupStale() (removed int) {
	cutoff := time.Now().Add(-l.retention).Unix()
	var stale []Key
	l.mem.Range(func(k Key, rec record) bool {
		last := rec.LastConnectedAtS
		if last == 0 {
			last = rec.LastWriteS
		}
		if last < cutoff {
			stale = append(stale, k)
		}
		return true
	})
	for _, k := range stale {
		l.mem.Delete(k)
		err := l.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(k.encode())
		})
		if !chk.E(err) {
			removed++
		}
	}
	return
}

func (k Key) encode() []byte {
	b := make([]byte, 0, len(k.RelayURL)+len(k.SubscriptionID)+1)
	b = append(b, []byte(k.RelayURL)...)
	b = append(b, 0)
	b = append(b, []byte(k.SubscriptionID)...)
	return b
}

func (k *Key) decodeFrom(b []byte) {
	for i, c := range b {
		if c == 0 {
			k.RelayURL = string(b[:i])
			k.SubscriptionID = string(b[i+1:])
			return
		}
	}
	k.RelayURL = string(b)
}

// Path returns the directory the ledger is persisted under, chiefly
// for diagnostics reporting.
func (l *Ledger) Path() string { return filepath.Clean(l.dataDir) }
