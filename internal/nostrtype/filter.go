package nostrtype

import (
	"bytes"
	"encoding/json"
)

// Filter is an opaque matcher carrying at minimum an optional Since
// lower bound. The core only ever reads or writes Since; every other
// predicate (ids, authors, kinds, tags, limit, search, ...) round
// trips through raw exactly as the caller supplied it.
type Filter struct {
	raw map[string]json.RawMessage
}

// NewFilter parses a filter from its wire JSON object form.
func NewFilter(b []byte) (*Filter, error) {
	raw := make(map[string]json.RawMessage)
	if len(bytes.TrimSpace(b)) > 0 {
		if err := json.Unmarshal(b, &raw); err != nil {
			return nil, err
		}
	}
	return &Filter{raw: raw}, nil
}

// Clone returns a Filter carrying the same predicates, safe to mutate
// independently (each relay connection gets its own Since applied to a
// clone of the configuration's base filter).
func (f *Filter) Clone() *Filter {
	out := &Filter{raw: make(map[string]json.RawMessage, len(f.raw))}
	for k, v := range f.raw {
		cp := append(json.RawMessage(nil), v...)
		out.raw[k] = cp
	}
	return out
}

// Since returns the filter's since bound, and whether one is present.
func (f *Filter) Since() (int64, bool) {
	v, ok := f.raw["since"]
	if !ok {
		return 0, false
	}
	var n int64
	if err := json.Unmarshal(v, &n); err != nil {
		return 0, false
	}
	return n, true
}

// WithSince returns a clone of f with since set to the given unix
// second value.
func (f *Filter) WithSince(since int64) *Filter {
	out := f.Clone()
	b, _ := json.Marshal(since)
	out.raw["since"] = b
	return out
}

// MarshalJSON renders the filter back to its wire JSON object form.
func (f *Filter) MarshalJSON() ([]byte, error) {
	if f.raw == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(f.raw)
}
