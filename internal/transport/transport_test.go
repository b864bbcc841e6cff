package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		for {
			typ, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			if err := conn.Write(r.Context(), typ, data); err != nil {
				return
			}
		}
	}))
}

func wsURL(httpURL string) string {
	return "ws" + httpURL[len("http"):]
}

func TestDialSendRead(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	conn, err := Dial(context.Background(), wsURL(srv.URL))
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Send(context.Background(), []byte(`["REQ","sub1"]`)))

	readCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, err := conn.Read(readCtx)
	require.NoError(t, err)
	assert.Equal(t, `["REQ","sub1"]`, string(data))
}

func TestDialFailsOnBadURL(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := Dial(ctx, "ws://127.0.0.1:1/not-a-server")
	assert.Error(t, err)
}

func TestPingAndClose(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	conn, err := Dial(context.Background(), wsURL(srv.URL))
	require.NoError(t, err)

	assert.NoError(t, conn.Ping(context.Background()))
	assert.NoError(t, conn.Close())
}
