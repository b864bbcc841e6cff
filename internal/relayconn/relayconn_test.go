package relayconn

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orlyd/relayd/internal/config"
	"github.com/orlyd/relayd/internal/nostrtype"
	"github.com/orlyd/relayd/internal/power"
)

type recordingSender struct {
	mu     sync.Mutex
	events []nostrtype.EventEnvelope
	eoses  []nostrtype.EOSEEnvelope
}

func (r *recordingSender) RouteEvent(relayURL string, env nostrtype.EventEnvelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, env)
}
func (r *recordingSender) RouteEOSE(relayURL string, env nostrtype.EOSEEnvelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.eoses = append(r.eoses, env)
}
func (r *recordingSender) RouteNotice(relayURL string, env nostrtype.NoticeEnvelope) {}
func (r *recordingSender) RouteOK(relayURL string, env nostrtype.OKEnvelope)         {}

func (r *recordingSender) eoseCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.eoses)
}

func wsURL(httpURL string) string {
	return "ws" + httpURL[len("http"):]
}

// eoseOnReqServer replies with an EOSE carrying the same subscription
// id the client REQ'd with, as soon as it receives one frame.
func eoseOnReqServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		_, _, err = conn.Read(r.Context())
		if err != nil {
			return
		}
		_ = conn.Write(r.Context(), websocket.MessageText, []byte(`["EOSE","sub1"]`))
		// keep the socket open so the client's read loop doesn't error out
		<-r.Context().Done()
	}))
}

func TestConnectAndSubscriptionConfirmation(t *testing.T) {
	srv := eoseOnReqServer(t)
	defer srv.Close()

	sender := &recordingSender{}
	c := New(wsURL(srv.URL), sender)
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	c.SetCurrentSubscription("sub1")
	assert.False(t, c.SubscriptionConfirmed())

	require.NoError(t, c.Send([]byte(`["REQ","sub1",{}]`)))

	require.Eventually(t, func() bool {
		return c.SubscriptionConfirmed()
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, sender.eoseCount())
	h := c.Health()
	assert.True(t, h.SubscriptionConfirmed)
	assert.Equal(t, Connected, h.State)
}

func TestConfirmationIgnoresStaleSubscriptionID(t *testing.T) {
	srv := eoseOnReqServer(t)
	defer srv.Close()

	sender := &recordingSender{}
	c := New(wsURL(srv.URL), sender)
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	c.SetCurrentSubscription("a-different-sub")
	require.NoError(t, c.Send([]byte(`["REQ","sub1",{}]`)))

	require.Eventually(t, func() bool {
		return sender.eoseCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.False(t, c.SubscriptionConfirmed(), "EOSE for a stale subscription id must not confirm the current one")
}

func TestReconnectDelayIsBoundedAndJittered(t *testing.T) {
	tables := power.NewTables(config.Balanced)
	for attempt := 0; attempt < 6; attempt++ {
		d := NextReconnectDelay(attempt, tables, power.Foreground, power.Wifi, power.QualityHigh)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 60*time.Second)
	}
}

func TestReconnectDelayNeverExceeds60sEvenWithHighestMultiplier(t *testing.T) {
	tables := power.NewTables(config.Balanced)
	// Restricted (4.0x) with Cellular/Low (2.0x) and a high attempt
	// count would blow past 60s pre-cap (60s base * 8.0 = 480s) if the
	// final clamp were missing.
	for attempt := 0; attempt < 10; attempt++ {
		d := NextReconnectDelay(attempt, tables, power.Restricted, power.Cellular, power.QualityLow)
		assert.LessOrEqual(t, d, 60*time.Second)
	}
}

func TestShouldReconnectRespectsCap(t *testing.T) {
	sender := &recordingSender{}
	c := New("wss://example.invalid", sender)
	caps := power.ReconnectCaps{}
	for i := 0; i < 100; i++ {
		c.RecordReconnectAttempt()
	}
	assert.False(t, c.ShouldReconnect(power.Background, caps))
}
