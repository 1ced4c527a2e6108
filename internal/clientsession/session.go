// Package clientsession owns the /cdp WebSocket surface: upgrading a CDP
// client's connection, validating its shared-secret token, assigning it an
// opaque clientId, and pumping frames to and from the broker. Earlier
// relays of this shape paired one upstream Chrome socket with one
// downstream client socket; here there is one shared broker behind many
// client sockets.
package clientsession

import (
	"context"
	"log"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/browserforce/relay/internal/broker"
	"github.com/browserforce/relay/internal/obslog"
)

// outboundQueueCapacity bounds how many frames can be queued for a client
// before the client is dropped (spec.md §4.7 — no backpressure is
// ever propagated back to the extension for one slow client).
const outboundQueueCapacity = 256

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler serves the /cdp endpoint.
type Handler struct {
	broker *broker.Broker
	token  string
}

// NewHandler builds a clientsession Handler bound to broker and the
// expected shared-secret token.
func NewHandler(b *broker.Broker, token string) *Handler {
	return &Handler{broker: b, token: token}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("token") != h.token {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("relay: client websocket upgrade failed: %v", err)
		return
	}

	clientID := uuid.NewString()
	label := r.URL.Query().Get("label")

	q := newOutboundQueue(outboundQueueCapacity, conn, clientID, label, h.broker)
	h.broker.RegisterClient(clientID, label, q)
	obslog.LogClientConnected(clientID, label)
	defer func() {
		h.broker.UnregisterClient(clientID)
		obslog.LogClientDisconnected(clientID)
	}()

	go q.writePump()
	defer q.stop()

	h.readPump(conn, clientID, label)
}

func (h *Handler) readPump(conn *websocket.Conn, clientID, label string) {
	defer conn.Close()
	ctx := context.Background()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		h.broker.HandleClientFrame(ctx, clientID, label, data)
	}
}
