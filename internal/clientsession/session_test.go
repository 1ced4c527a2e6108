package clientsession

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/browserforce/relay/internal/broker"
	"github.com/browserforce/relay/internal/logring"
)

func dialCDP(t *testing.T, srvURL, token, label string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srvURL, "http") + "?token=" + token
	if label != "" {
		wsURL += "&label=" + label
	}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestInvalidTokenIsRejected(t *testing.T) {
	b := broker.New(5*time.Second, 2, time.Second, logring.New(1000))
	srv := httptest.NewServer(NewHandler(b, "right-token"))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "?token=wrong-token"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.Equal(t, 401, resp.StatusCode)
}

func TestBrowserGetVersionRoundTripsOverWebSocket(t *testing.T) {
	b := broker.New(5*time.Second, 2, time.Second, logring.New(1000))
	srv := httptest.NewServer(NewHandler(b, "right-token"))
	defer srv.Close()

	conn := dialCDP(t, srv.URL, "right-token", "test-client")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"id":1,"method":"Browser.getVersion"}`)))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(data, &resp))
	require.Equal(t, float64(1), resp["id"])
	require.NotNil(t, resp["result"])
}
