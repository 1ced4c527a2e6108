// Package extlink owns the single, privileged WebSocket connection to the
// in-browser extension: request/response correlation, keepalive, and
// unsolicited event demultiplexing (spec.md §4.3). Generalized from the
// teacher's single upstream "Chrome" WebSocket pump
// (internal/cdpproxy/proxy.go: proxyWebSocketMessages) to a correlated
// request/response link instead of a raw byte-for-byte relay, because the
// extension speaks a command/response/event protocol rather than raw CDP.
package extlink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/browserforce/relay/internal/cdpmsg"
)

// State mirrors the Extension State variant in spec.md §3.
type State int

const (
	Absent State = iota
	Connecting
	Ready
	Stale
)

func (s State) String() string {
	switch s {
	case Absent:
		return "absent"
	case Connecting:
		return "connecting"
	case Ready:
		return "ready"
	case Stale:
		return "stale"
	default:
		return "unknown"
	}
}

// ErrExtensionAbsent is returned by Call when there is no live extension
// socket to forward a command to.
var ErrExtensionAbsent = errors.New("extension not connected")

// ErrTimeout is returned by Call when the extension never answered within
// the command deadline.
var ErrTimeout = errors.New("extension command timed out")

// UnsolicitedHandler is invoked for every extension event that isn't a
// correlated response: cdpEvent, tabDetached, tabUpdated.
type UnsolicitedHandler func(method string, params json.RawMessage)

// LogFunc records a brokered frame or lifecycle transition into the log
// ring; supplied by the caller so this package stays decoupled from logring.
type LogFunc func(direction, message string)

type pendingCmd struct {
	resultCh chan result
}

type result struct {
	raw json.RawMessage
	err error
}

// Link owns the extension's WebSocket connection across its lifetime:
// reconnecting extensions supersede the prior socket (spec.md §4.3 —
// "the new connection wins").
type Link struct {
	keepaliveInterval time.Duration
	maxMissedPongs    int
	commandTimeout    time.Duration
	onUnsolicited     UnsolicitedHandler
	log               LogFunc

	mu           sync.Mutex
	conn         *websocket.Conn
	state        State
	pending      map[uint64]*pendingCmd
	nextID       uint64
	cancel       context.CancelFunc
	onDisconnect func()

	writeMu sync.Mutex // serializes writes to conn; gorilla forbids concurrent writers
}

// New creates a Link. onUnsolicited is called from the read loop goroutine
// for every event the extension pushes without a matching request id.
func New(keepaliveInterval time.Duration, maxMissedPongs int, commandTimeout time.Duration, onUnsolicited UnsolicitedHandler, log LogFunc) *Link {
	if log == nil {
		log = func(string, string) {}
	}
	return &Link{
		keepaliveInterval: keepaliveInterval,
		maxMissedPongs:    maxMissedPongs,
		commandTimeout:    commandTimeout,
		onUnsolicited:     onUnsolicited,
		log:               log,
		state:             Absent,
		pending:           make(map[uint64]*pendingCmd),
	}
}

// OnDisconnect registers fn to be called when the extension socket goes away
// without a replacement already having superseded it (spec.md §8 invariant
// 5 — every attached session must be notified within one keepalive
// interval). It is not called when a new connection supersedes the old one,
// since the new socket immediately takes over.
func (l *Link) OnDisconnect(fn func()) {
	l.mu.Lock()
	l.onDisconnect = fn
	l.mu.Unlock()
}

// State returns the current extension connection state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Attach installs a freshly-upgraded extension WebSocket, superseding and
// closing any prior connection — required because the extension may be
// involuntarily restarted by the browser and must be able to reclaim the
// slot (spec.md §4.3).
func (l *Link) Attach(conn *websocket.Conn) {
	l.mu.Lock()
	prev := l.conn
	prevCancel := l.cancel
	for id, p := range l.pending {
		p.resultCh <- result{err: ErrTimeout}
		delete(l.pending, id)
	}
	l.conn = conn
	l.state = Connecting
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.mu.Unlock()

	if prev != nil {
		_ = prev.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "superseded"),
			time.Now().Add(time.Second))
		prevCancel()
		_ = prev.Close()
		l.log("extensionLifecycle", "superseded prior extension connection")
	}

	l.setState(Ready)
	l.log("extensionLifecycle", "extension connected")

	go l.readLoop(ctx, conn)
	go l.keepaliveLoop(ctx, conn)
}

// writeMessage serializes every write to conn behind writeMu: Call (from any
// number of concurrent client-forwarding goroutines) and keepaliveLoop's
// ping both write to the same socket, and gorilla/websocket forbids
// concurrent writers on one connection.
func (l *Link) writeMessage(conn *websocket.Conn, data []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (l *Link) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// Close tears down the current connection (e.g. on broker shutdown).
func (l *Link) Close() {
	l.mu.Lock()
	conn := l.conn
	cancel := l.cancel
	l.conn = nil
	l.state = Absent
	for id, p := range l.pending {
		p.resultCh <- result{err: ErrTimeout}
		delete(l.pending, id)
	}
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
}

func (l *Link) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer func() {
		l.mu.Lock()
		stillCurrent := l.conn == conn
		onDisconnect := l.onDisconnect
		if stillCurrent {
			l.conn = nil
			l.state = Absent
			for id, p := range l.pending {
				p.resultCh <- result{err: ErrTimeout}
				delete(l.pending, id)
			}
		}
		l.mu.Unlock()
		l.log("extensionLifecycle", "extension disconnected")
		if stillCurrent && onDisconnect != nil {
			onDisconnect()
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var env struct {
			ID     *uint64         `json:"id"`
			Method string          `json:"method"`
			Result json.RawMessage `json:"result"`
			Error  *string         `json:"error"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			l.log("extensionLifecycle", fmt.Sprintf("malformed extension frame: %v", err))
			continue
		}

		if env.ID != nil {
			l.resolvePending(*env.ID, env.Result, env.Error)
			continue
		}

		if env.Method == cdpmsg.MethodPong {
			l.setState(Ready)
			continue
		}

		if l.onUnsolicited != nil {
			l.onUnsolicited(env.Method, env.Params)
		}
	}
}

func (l *Link) resolvePending(id uint64, raw json.RawMessage, errMsg *string) {
	l.mu.Lock()
	p, ok := l.pending[id]
	if ok {
		delete(l.pending, id)
	}
	l.mu.Unlock()

	if !ok {
		l.log("extensionLifecycle", fmt.Sprintf("late/unmatched extension response for id=%d, discarded", id))
		return
	}

	if errMsg != nil {
		p.resultCh <- result{err: fmt.Errorf("%s", *errMsg)}
		return
	}
	p.resultCh <- result{raw: raw}
}

func (l *Link) keepaliveLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(l.keepaliveInterval)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.mu.Lock()
			state := l.state
			l.mu.Unlock()
			if state == Ready {
				missed = 0
			} else {
				missed++
			}
			if missed >= l.maxMissedPongs {
				l.log("extensionLifecycle", "extension missed too many keepalives, closing")
				_ = conn.Close()
				return
			}
			l.setState(Stale)
			frame, _ := json.Marshal(map[string]string{"method": "ping"})
			if err := l.writeMessage(conn, frame); err != nil {
				return
			}
		}
	}
}

// Call sends a command to the extension and blocks for its response or
// timeout (spec.md §4.3). Returns ErrExtensionAbsent immediately if there is
// no live connection.
func (l *Link) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	l.mu.Lock()
	conn := l.conn
	state := l.state
	if conn == nil || state == Absent {
		l.mu.Unlock()
		return nil, ErrExtensionAbsent
	}
	id := atomic.AddUint64(&l.nextID, 1)
	p := &pendingCmd{resultCh: make(chan result, 1)}
	l.pending[id] = p
	l.mu.Unlock()

	paramsRaw, err := json.Marshal(params)
	if err != nil {
		l.mu.Lock()
		delete(l.pending, id)
		l.mu.Unlock()
		return nil, fmt.Errorf("marshal params: %w", err)
	}

	cmd := cdpmsg.ExtensionCommand{ID: id, Method: method, Params: paramsRaw}
	data, err := json.Marshal(cmd)
	if err != nil {
		l.mu.Lock()
		delete(l.pending, id)
		l.mu.Unlock()
		return nil, fmt.Errorf("marshal command: %w", err)
	}

	l.log("toExtension", string(data))
	if err := l.writeMessage(conn, data); err != nil {
		l.mu.Lock()
		delete(l.pending, id)
		l.mu.Unlock()
		return nil, ErrExtensionAbsent
	}

	deadline := l.commandTimeout
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case r := <-p.resultCh:
		if r.err != nil {
			return nil, r.err
		}
		return r.raw, nil
	case <-timer.C:
		l.mu.Lock()
		delete(l.pending, id)
		l.mu.Unlock()
		return nil, ErrTimeout
	case <-ctx.Done():
		l.mu.Lock()
		delete(l.pending, id)
		l.mu.Unlock()
		return nil, ctx.Err()
	}
}
