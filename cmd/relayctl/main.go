// Package main is relayctl: a small CLI that sends control commands
// to a running relayd daemon's diagnostics HTTP endpoint.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/alexflint/go-arg"
)

type refreshConnectionsCmd struct{}
type syncConfigurationsCmd struct{}
type testConnectionHealthCmd struct{}
type forceReconnectAllCmd struct{}
type statsCmd struct{}

type args struct {
	Addr string `arg:"-a,--addr" default:"127.0.0.1:4732" help:"relayd diagnostics listen address"`

	RefreshConnections   *refreshConnectionsCmd   `arg:"subcommand:refresh-connections" help:"force a health check pass across all relay connections"`
	SyncConfigurations   *syncConfigurationsCmd   `arg:"subcommand:sync-configurations" help:"reconcile relay connections with the current configuration set"`
	TestConnectionHealth *testConnectionHealthCmd `arg:"subcommand:test-connection-health" help:"run one health-monitor cycle immediately"`
	ForceReconnectAll    *forceReconnectAllCmd    `arg:"subcommand:force-reconnect-all" help:"reset and reconnect every relay connection"`
	Stats                *statsCmd                `arg:"subcommand:stats" help:"print a detailed connection/ledger snapshot"`
}

func main() {
	var a args
	arg.MustParse(&a)

	var path string
	switch {
	case a.RefreshConnections != nil:
		path = "/api/refresh-connections"
	case a.SyncConfigurations != nil:
		path = "/api/sync-configurations"
	case a.TestConnectionHealth != nil:
		path = "/api/test-connection-health"
	case a.ForceReconnectAll != nil:
		path = "/api/force-reconnect-all"
	case a.Stats != nil:
		path = "/api/stats"
	default:
		fmt.Fprintln(os.Stderr, "no subcommand given")
		os.Exit(1)
	}

	method := http.MethodPost
	if a.Stats != nil {
		method = http.MethodGet
	}

	if err := call(a.Addr, method, path); err != nil {
		fmt.Fprintln(os.Stderr, "relayctl:", err)
		os.Exit(1)
	}
}

func call(addr, method, path string) error {
	client := &http.Client{Timeout: 10 * time.Second}
	req, err := http.NewRequest(method, "http://"+addr+path, bytes.NewReader(nil))
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s: %s", resp.Status, body)
	}
	var pretty any
	if err := json.Unmarshal(body, &pretty); err != nil {
		fmt.Println(string(body))
		return nil
	}
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
