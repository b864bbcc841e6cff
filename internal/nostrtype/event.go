// Package nostrtype holds the already-parsed wire types this engine
// reads and writes: events (arrive pre-validated per this engine's
// Non-goals; only structural checks are performed here), the opaque
// Filter (only Since is read/written — every other predicate
// round-trips unchanged), and the REQ/CLOSE/EVENT/EOSE/NOTICE/OK
// envelope frames.
package nostrtype

import (
	"encoding/json"
	"fmt"

	"github.com/templexxx/xhex"
)

// Event is a Nostr event as received from a relay. Structural
// validation (ID/pubkey/signature presence and hex format) happens at
// the router; this engine never recomputes or verifies the signature.
type Event struct {
	ID        string          `json:"id"`
	PubKey    string          `json:"pubkey"`
	CreatedAt int64           `json:"created_at"`
	Kind      int             `json:"kind"`
	Tags      [][]string      `json:"tags"`
	Content   string          `json:"content"`
	Sig       string          `json:"sig"`
	raw       json.RawMessage // preserves unknown fields on round-trip
}

// UnmarshalJSON decodes an Event while retaining the original bytes,
// which Raw exposes (the router sizes the payload from them for its
// truncation check).
func (e *Event) UnmarshalJSON(b []byte) error {
	type alias Event
	var a alias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	*e = Event(a)
	e.raw = append(json.RawMessage(nil), b...)
	return nil
}

// Raw returns the original JSON bytes this Event was decoded from, or
// nil if it was constructed directly.
func (e *Event) Raw() json.RawMessage { return e.raw }

// ValidateStructure performs the structural checks this engine is
// responsible for: well-formed 64-hex-char ID and pubkey, and a
// non-empty signature field. It never verifies the signature
// cryptographically (Non-goal).
func (e *Event) ValidateStructure() error {
	if !isHexOfLen(e.ID, 32) {
		return fmt.Errorf("event id is not 64 hex characters")
	}
	if !isHexOfLen(e.PubKey, 32) {
		return fmt.Errorf("event pubkey is not 64 hex characters")
	}
	if e.Sig == "" {
		return fmt.Errorf("event signature is empty")
	}
	if e.CreatedAt <= 0 {
		return fmt.Errorf("event created_at is not positive")
	}
	return nil
}

func isHexOfLen(s string, byteLen int) bool {
	if len(s) != byteLen*2 {
		return false
	}
	var buf [64]byte
	if byteLen > len(buf) {
		return false
	}
	_, err := xhex.Decode(buf[:byteLen], []byte(s))
	return err == nil
}
