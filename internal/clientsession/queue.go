package clientsession

import (
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/browserforce/relay/internal/broker"
)

// outboundQueue is the bounded per-client send buffer. It implements
// broker.ClientSink: a full queue means the client isn't draining fast
// enough, so the connection is dropped rather than let it stall the rest
// of the broker (spec.md §4.7).
type outboundQueue struct {
	conn     *websocket.Conn
	clientID string
	label    string
	broker   *broker.Broker

	frames  chan []byte
	closeCh chan struct{}
	once    sync.Once
}

func newOutboundQueue(capacity int, conn *websocket.Conn, clientID, label string, b *broker.Broker) *outboundQueue {
	return &outboundQueue{
		conn:     conn,
		clientID: clientID,
		label:    label,
		broker:   b,
		frames:   make(chan []byte, capacity),
		closeCh:  make(chan struct{}),
	}
}

// Send implements broker.ClientSink. Returns false and closes the
// connection if the client's outbound buffer is full.
func (q *outboundQueue) Send(frame []byte) bool {
	select {
	case q.frames <- frame:
		return true
	default:
		log.Printf("relay: client %s outbound queue full, dropping connection", q.clientID)
		q.broker.LogBackpressureDrop(q.clientID, q.label)
		q.stop()
		return false
	}
}

func (q *outboundQueue) writePump() {
	for {
		select {
		case <-q.closeCh:
			return
		case frame := <-q.frames:
			if err := q.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				q.stop()
				return
			}
		}
	}
}

func (q *outboundQueue) stop() {
	q.once.Do(func() {
		close(q.closeCh)
		_ = q.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseMessageTooBig, "outbound queue overrun"),
			time.Now().Add(time.Second))
		_ = q.conn.Close()
	})
}
