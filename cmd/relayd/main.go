// Package main is the relayd daemon: a long-running process that
// maintains power-adaptive WebSocket subscriptions to a set of Nostr
// relays and delivers matching events to an external notification
// sink. Configuration is via environment variables, an optional .env
// file, and a JSON subscription-configuration file.
package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/alexflint/go-arg"
	"github.com/pkg/profile"

	"github.com/orlyd/relayd/internal/chk"
	"github.com/orlyd/relayd/internal/config"
	"github.com/orlyd/relayd/internal/engine"
	"github.com/orlyd/relayd/internal/environment"
	"github.com/orlyd/relayd/internal/logging"
)

// runArgs are daemon-specific flags layered on top of the environment-
// driven config.C; go-arg fills these, config.New fills the rest.
type runArgs struct {
	ConfigFile string `arg:"-f,--config-file" default:"subscriptions.json" help:"path to the JSON subscription configuration file"`
	Pprof      bool   `arg:"--pprof" help:"enable a memory profiler and a pprof HTTP endpoint on 127.0.0.1:6060"`
}

func main() {
	var args runArgs
	arg.MustParse(&args)

	cfg, err := config.New()
	if chk.T(err) {
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err)
		os.Exit(1)
	}
	logging.SetLevel(logging.ParseLevel(cfg.LogLevel))
	logging.I.F("starting relayd in %s mode", cfg.BatteryMode)

	if args.Pprof {
		defer profile.Start(profile.MemProfile).Stop()
		go func() {
			chk.E(http.ListenAndServe("127.0.0.1:6060", nil))
		}()
	}

	store, err := loadFileConfigStore(args.ConfigFile)
	if chk.T(err) {
		os.Exit(1)
	}
	if len(store.Configurations()) == 0 {
		logging.W.F("no subscription configurations found in %s", filepath.Clean(args.ConfigFile))
	}

	env := environment.NewManual(environment.Snapshot{})

	eng, err := engine.New(cfg, store, env, notifySink, observabilitySink{})
	if chk.T(err) {
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err = eng.Start(ctx); chk.T(err) {
		os.Exit(1)
	}
	<-ctx.Done()
	logging.I.Ln("shutting down")
	chk.E(eng.Stop())
}
