package extlink

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// fakeExtension drives the other end of a Link's WebSocket for tests: each
// respondOnce call reads one command and answers it with a canned result.
type fakeExtension struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func dialFakeExtension(t *testing.T, link *Link) *fakeExtension {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upg := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		conn, err := upg.Upgrade(w, r, nil)
		require.NoError(t, err)
		link.Attach(conn)
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	fe := &fakeExtension{conn: conn}
	return fe
}

func (fe *fakeExtension) respondOnce(t *testing.T, result json.RawMessage) {
	t.Helper()
	_, data, err := fe.conn.ReadMessage()
	require.NoError(t, err)

	var cmd struct {
		ID     uint64          `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	require.NoError(t, json.Unmarshal(data, &cmd))

	resp, _ := json.Marshal(map[string]any{"id": cmd.ID, "result": result})
	require.NoError(t, fe.conn.WriteMessage(websocket.TextMessage, resp))
}

func TestCallRoundTripsThroughAttachedExtension(t *testing.T) {
	link := New(time.Hour, 100, time.Second, nil, nil)
	fe := dialFakeExtension(t, link)

	require.Eventually(t, func() bool { return link.State() == Ready }, time.Second, time.Millisecond)

	done := make(chan struct{})
	var result json.RawMessage
	var callErr error
	go func() {
		result, callErr = link.Call(context.Background(), "listTabs", struct{}{})
		close(done)
	}()

	fe.respondOnce(t, json.RawMessage(`{"tabs":[]}`))
	<-done

	require.NoError(t, callErr)
	require.JSONEq(t, `{"tabs":[]}`, string(result))
}

func TestCallReturnsAbsentWithNoExtension(t *testing.T) {
	link := New(time.Hour, 100, time.Second, nil, nil)
	_, err := link.Call(context.Background(), "listTabs", struct{}{})
	require.ErrorIs(t, err, ErrExtensionAbsent)
}

func TestCallTimesOutWhenExtensionNeverResponds(t *testing.T) {
	link := New(time.Hour, 100, 20*time.Millisecond, nil, nil)
	_ = dialFakeExtension(t, link)
	require.Eventually(t, func() bool { return link.State() == Ready }, time.Second, time.Millisecond)

	_, err := link.Call(context.Background(), "listTabs", struct{}{})
	require.ErrorIs(t, err, ErrTimeout)
}

func TestUnsolicitedEventsAreDispatched(t *testing.T) {
	received := make(chan string, 1)
	link := New(time.Hour, 100, time.Second, func(method string, params json.RawMessage) {
		received <- method
	}, nil)
	fe := dialFakeExtension(t, link)
	require.Eventually(t, func() bool { return link.State() == Ready }, time.Second, time.Millisecond)

	frame, _ := json.Marshal(map[string]any{"method": "tabUpdated", "params": map[string]any{"tabId": 1}})
	require.NoError(t, fe.conn.WriteMessage(websocket.TextMessage, frame))

	select {
	case method := <-received:
		require.Equal(t, "tabUpdated", method)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for unsolicited event")
	}
}

func TestAttachSupersedesPriorConnection(t *testing.T) {
	link := New(time.Hour, 100, time.Second, nil, nil)
	fe1 := dialFakeExtension(t, link)
	require.Eventually(t, func() bool { return link.State() == Ready }, time.Second, time.Millisecond)

	_ = dialFakeExtension(t, link)
	require.Eventually(t, func() bool { return link.State() == Ready }, time.Second, time.Millisecond)

	// The first connection should be closed by the supersession.
	fe1.conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := fe1.conn.ReadMessage()
	require.Error(t, err)
}
