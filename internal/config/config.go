// Package config provides a go-simpler.org/env configuration table for
// the relay client daemon, following the same env/.env-override shape
// used for this codebase's relay server configuration.
package config

import (
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
	"github.com/kardianos/osext"
	env "go-simpler.org/env"

	"github.com/orlyd/relayd/internal/chk"
)

// BatteryMode selects the base ping-interval table PowerPolicy starts
// from before applying battery/app-state adjustments.
type BatteryMode string

const (
	Performance  BatteryMode = "performance"
	Balanced     BatteryMode = "balanced"
	Conservative BatteryMode = "conservative"
)

// C is the configuration for the relay client daemon. Fields are read
// from the environment if present, or from a .env file found in the
// configured directory, which overrides compiled-in defaults.
type C struct {
	AppName     string      `env:"RELAYD_APP_NAME" default:"relayd"`
	ConfigDir   string      `env:"RELAYD_CONFIG_DIR" usage:"directory containing the .env override file"`
	DataDir     string      `env:"RELAYD_DATA_DIR" usage:"storage location for the timestamp ledger"`
	LogLevel    string      `env:"RELAYD_LOG_LEVEL" default:"info" usage:"fatal error warn info debug trace"`
	BatteryMode BatteryMode `env:"RELAYD_BATTERY_MODE" default:"balanced" usage:"performance, balanced, or conservative"`

	EventCacheCapacity int    `env:"RELAYD_EVENT_CACHE_CAPACITY" default:"8192" usage:"bounded FIFO de-duplication cache size"`
	LedgerRetentionDays int   `env:"RELAYD_LEDGER_RETENTION_DAYS" default:"30" usage:"drop ledger entries older than this many days"`
	DiagnosticsEnabled bool   `env:"RELAYD_DIAGNOSTICS_ENABLED" default:"false" usage:"serve a loopback-only diagnostics HTTP endpoint"`
	DiagnosticsListen  string `env:"RELAYD_DIAGNOSTICS_LISTEN" default:"127.0.0.1:4732" usage:"diagnostics HTTP listen address"`
}

// New loads configuration from the environment, applying defaults for
// directories that were not otherwise specified and then an optional
// .env override file found in ConfigDir.
func New() (cfg *C, err error) {
	cfg = &C{}
	if err = env.Load(cfg, &env.Options{SliceSep: ","}); chk.T(err) {
		return
	}
	if cfg.ConfigDir == "" {
		cfg.ConfigDir = filepath.Join(xdg.ConfigHome, cfg.AppName)
	}
	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Join(xdg.DataHome, cfg.AppName)
	}
	if !dirUsable(cfg.DataDir) {
		if fallback, ferr := executableDir(); ferr == nil {
			cfg.DataDir = filepath.Join(fallback, "data")
		}
	}
	envPath := filepath.Join(cfg.ConfigDir, ".env")
	if fileExists(envPath) {
		var e dotEnv
		if e, err = loadDotEnv(envPath); chk.E(err) {
			return
		}
		if err = env.Load(cfg, &env.Options{SliceSep: ",", Source: e}); chk.E(err) {
			return
		}
	}
	return
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// dirUsable reports whether dir either already exists or can be
// created, used to detect a read-only XDG data home (e.g. inside an
// immutable app bundle) before the ledger tries to open badger there.
func dirUsable(dir string) bool {
	if fileExists(dir) {
		return true
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false
	}
	return true
}

// executableDir resolves the directory containing the running binary,
// used as a last-resort fallback when the resolved DataDir (explicit or
// XDG) is not usable (e.g. a read-only app bundle).
func executableDir() (string, error) {
	p, err := osext.Executable()
	if err != nil {
		return "", err
	}
	return filepath.Dir(p), nil
}
