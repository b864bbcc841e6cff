package main

import (
	"encoding/json"
	"os"

	"github.com/orlyd/relayd/internal/chk"
	"github.com/orlyd/relayd/internal/engine"
	"github.com/orlyd/relayd/internal/nostrtype"
)

// fileConfigStore reads subscription configurations from a JSON file
// at startup. Persistent configuration storage is an external
// collaborator per this engine's scope; this is the thinnest adapter
// that lets the daemon run standalone.
type fileConfigStore struct {
	path    string
	configs []engine.Configuration
}

type configFileEntry struct {
	ID             string          `json:"id"`
	SubscriptionID string          `json:"subscription_id"`
	Name           string          `json:"name"`
	Enabled        bool            `json:"enabled"`
	Relays         []string        `json:"relay_urls"`
	Filter         json.RawMessage `json:"filter"`
	TargetURI      string          `json:"target_uri"`
	Keywords       []string        `json:"keywords"`
}

func loadFileConfigStore(path string) (*fileConfigStore, error) {
	s := &fileConfigStore{path: path}
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if chk.E(err) {
		return nil, err
	}
	var entries []configFileEntry
	if err = json.Unmarshal(b, &entries); chk.E(err) {
		return nil, err
	}
	for _, e := range entries {
		f, err := nostrtype.NewFilter(e.Filter)
		if chk.E(err) {
			continue
		}
		s.configs = append(s.configs, engine.Configuration{
			ID:             e.ID,
			SubscriptionID: e.SubscriptionID,
			Name:           e.Name,
			Enabled:        e.Enabled,
			Relays:         e.Relays,
			Filter:         f,
			TargetURI:      e.TargetURI,
			Keywords:       e.Keywords,
		})
	}
	return s, nil
}

func (s *fileConfigStore) Configurations() []engine.Configuration {
	return s.configs
}
