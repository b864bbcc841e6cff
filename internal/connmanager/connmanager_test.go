package connmanager

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orlyd/relayd/internal/ledger"
	"github.com/orlyd/relayd/internal/nostrtype"
	"github.com/orlyd/relayd/internal/registry"
	"github.com/orlyd/relayd/internal/relayconn"
)

type noopSender struct{}

func (noopSender) RouteEvent(string, nostrtype.EventEnvelope) {}
func (noopSender) RouteEOSE(string, nostrtype.EOSEEnvelope)   {}
func (noopSender) RouteNotice(string, nostrtype.NoticeEnvelope) {}
func (noopSender) RouteOK(string, nostrtype.OKEnvelope)       {}

func wsURL(httpURL string) string {
	return "ws" + httpURL[len("http"):]
}

// eoseServer accepts a connection, replies EOSE to whatever subscription
// id it is REQ'd with, and stays open.
func eoseServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			kind, err := nostrtype.IdentifyEnvelope(data)
			if err != nil || kind != nostrtype.KindReq {
				continue
			}
			_ = conn.Write(r.Context(), websocket.MessageText, []byte(`["EOSE","sub1"]`))
		}
	}))
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir, err := os.MkdirTemp("", "connmanager-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	led, err := ledger.Open(dir, 30)
	require.NoError(t, err)
	t.Cleanup(func() { led.Close() })

	reg := registry.New()
	return New(noopSender{}, led, reg)
}

func filterFor(t *testing.T) *nostrtype.Filter {
	t.Helper()
	f, err := nostrtype.NewFilter([]byte(`{"kinds":[1]}`))
	require.NoError(t, err)
	return f
}

func TestConnectAllOpensSubscriptionsAndConfirms(t *testing.T) {
	srv := eoseServer(t)
	defer srv.Close()
	url := wsURL(srv.URL)

	m := newTestManager(t)
	cfgs := []Configuration{{ID: "cfg1", SubscriptionID: "sub1", Enabled: true, Relays: []string{url}, Filter: filterFor(t)}}
	require.NoError(t, m.ConnectAll(context.Background(), cfgs))

	require.Eventually(t, func() bool {
		for _, h := range m.ConnectionHealth() {
			if h.SubscriptionConfirmed {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSyncConfigurationsIsIdempotent(t *testing.T) {
	srv := eoseServer(t)
	defer srv.Close()
	url := wsURL(srv.URL)

	m := newTestManager(t)
	cfgs := []Configuration{{ID: "cfg1", SubscriptionID: "sub1", Enabled: true, Relays: []string{url}, Filter: filterFor(t)}}

	require.NoError(t, m.SyncConfigurations(context.Background(), cfgs))
	firstConns := len(m.ConnectionHealth())

	// P3: calling sync again with the same configs must not churn the
	// relay set (same relay, same number of tracked connections).
	require.NoError(t, m.SyncConfigurations(context.Background(), cfgs))
	secondConns := len(m.ConnectionHealth())
	assert.Equal(t, firstConns, secondConns)
}

func TestSyncConfigurationsTearsDownDroppedRelay(t *testing.T) {
	srvA := eoseServer(t)
	defer srvA.Close()
	srvB := eoseServer(t)
	defer srvB.Close()

	m := newTestManager(t)
	cfgs := []Configuration{{ID: "cfg1", SubscriptionID: "sub1", Enabled: true, Relays: []string{wsURL(srvA.URL)}, Filter: filterFor(t)}}
	require.NoError(t, m.SyncConfigurations(context.Background(), cfgs))
	assert.Len(t, m.ConnectionHealth(), 1)

	cfgs = []Configuration{{ID: "cfg1", SubscriptionID: "sub1", Enabled: true, Relays: []string{wsURL(srvB.URL)}, Filter: filterFor(t)}}
	require.NoError(t, m.SyncConfigurations(context.Background(), cfgs))

	health := m.ConnectionHealth()
	require.Len(t, health, 1)
	assert.Equal(t, wsURL(srvB.URL), health[0].URL)
}

func TestConnectionForLookup(t *testing.T) {
	srv := eoseServer(t)
	defer srv.Close()
	url := wsURL(srv.URL)

	m := newTestManager(t)
	cfgs := []Configuration{{ID: "cfg1", SubscriptionID: "sub1", Enabled: true, Relays: []string{url}, Filter: filterFor(t)}}
	require.NoError(t, m.ConnectAll(context.Background(), cfgs))

	conn, ok := m.ConnectionFor(url)
	require.True(t, ok)
	assert.Equal(t, relayconn.Connected, conn.State())

	_, ok = m.ConnectionFor("wss://never-dialed.invalid")
	assert.False(t, ok)
}
