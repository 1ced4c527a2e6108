// Package broker is the relay's core: it classifies inbound CDP frames,
// answers the Target/Browser surface locally against the target registry,
// forwards everything else to the extension link, and reproduces the two
// CDP quirks a real Chrome would otherwise paper over for us. It is
// transport-agnostic — callers hand it raw client frames and get back raw
// frames to write, keeping protocol logic out of the HTTP/WebSocket
// handlers entirely.
package broker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/browserforce/relay/internal/cdpmsg"
	"github.com/browserforce/relay/internal/extlink"
	"github.com/browserforce/relay/internal/logring"
	"github.com/browserforce/relay/internal/obslog"
	"github.com/browserforce/relay/internal/targets"
)

// runtimeEnableSettleDelay is how long the broker waits between issuing the
// best-effort Runtime.disable and re-forwarding Runtime.enable, giving
// Chrome's renderer time to tear down the old execution contexts before new
// ones are (re)created.
const runtimeEnableSettleDelay = 50 * time.Millisecond

// ClientSink is how the broker delivers frames to one connected CDP client.
// Implementations own the bounded outbound queue and the WebSocket write
// pump; the broker never blocks on a slow client.
type ClientSink interface {
	Send(frame []byte) bool
}

// Broker wires the extension link and target registry together and is the
// single entry point client sessions call into.
type Broker struct {
	ext    *extlink.Link
	reg    *targets.Registry
	ring   *logring.Ring
	sinks  sinkTable
	attach attachTable
}

// New builds a Broker. commandTimeout and keepalive parameters configure the
// underlying extlink.Link.
func New(keepaliveInterval time.Duration, maxMissedPongs int, commandTimeout time.Duration, ring *logring.Ring) *Broker {
	b := &Broker{
		ring:   ring,
		sinks:  newSinkTable(),
		attach: newAttachTable(),
	}
	b.ext = extlink.New(keepaliveInterval, maxMissedPongs, commandTimeout, b.handleUnsolicited, b.logExtension)
	b.reg = targets.New(b.emit)
	b.ext.OnDisconnect(b.reg.DetachAllAttached)
	return b
}

// ExtensionLink exposes the underlying link so the extension WebSocket
// handler can Attach/Close it.
func (b *Broker) ExtensionLink() *extlink.Link { return b.ext }

// Registry exposes the target registry for admin introspection.
func (b *Broker) Registry() *targets.Registry { return b.reg }

// ClientCount returns the number of currently connected CDP clients.
func (b *Broker) ClientCount() int { return b.sinks.count() }

// ClientSummaries returns a snapshot of every connected client's id and
// observability label, for the admin log-status surface.
func (b *Broker) ClientSummaries() []ClientSummary { return b.sinks.summaries() }

// RegisterClient associates clientID with sink for the duration of its
// connection. label is the client-supplied observability tag (spec.md §4.5).
func (b *Broker) RegisterClient(clientID, label string, sink ClientSink) {
	b.sinks.set(clientID, label, sink)
}

// UnregisterClient tears down everything the registry and auto-attach table
// know about clientID. Called when the client's socket closes.
func (b *Broker) UnregisterClient(clientID string) {
	b.sinks.delete(clientID)
	b.attach.delete(clientID)
	b.reg.DetachClient(clientID)
}

func (b *Broker) logClient(dir logring.Direction, clientID, label, message string) {
	if b.ring != nil {
		b.ring.Append(dir, clientID, label, message)
	}
}

func (b *Broker) logExtension(direction, message string) {
	if b.ring == nil {
		return
	}
	var dir logring.Direction
	switch direction {
	case "toExtension":
		dir = logring.ToExtension
	case "fromExtension":
		dir = logring.FromExtension
	default:
		dir = logring.ExtensionLifecycle
	}
	b.ring.Append(dir, "", "", message)
	switch message {
	case "superseded prior extension connection":
		b.ring.IncrExtensionReconnect()
		obslog.LogExtensionConnected(true)
	case "extension connected":
		obslog.LogExtensionConnected(false)
	case "extension disconnected":
		obslog.LogExtensionDisconnected()
	}
}

// LogBackpressureDrop records a client dropped for a full outbound queue
// (spec.md §7 Backpressure-drop) in the Log Ring and the drop counter.
func (b *Broker) LogBackpressureDrop(clientID, label string) {
	if b.ring != nil {
		b.ring.Append(logring.ClientLifecycle, clientID, label, "outbound queue full, client dropped")
		b.ring.IncrBackpressureDrop()
	}
	obslog.LogClientDropped(clientID)
}

func (b *Broker) emit(clientID string, ev cdpmsg.OutboundEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	b.logClient(logring.ToClient, clientID, "", string(data))
	if sink, ok := b.sinks.get(clientID); ok {
		sink.Send(data)
	}
}

// HandleClientFrame classifies and dispatches one frame received from
// clientID over /cdp. It never returns an error to the caller: frames that
// are not valid JSON or carry no id are dropped (the raw frame is still
// logged), and a method that is neither answered locally nor sent with a
// sessionId is answered with a CDP error response to the client itself.
func (b *Broker) HandleClientFrame(ctx context.Context, clientID, label string, raw []byte) {
	b.logClient(logring.FromClient, clientID, label, string(raw))

	var in cdpmsg.Inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		return
	}
	if in.ID == nil {
		return
	}

	if cdpmsg.IsLocalSynth(in.Method) {
		b.handleLocalSynth(ctx, clientID, in)
		return
	}

	if in.Method == cdpmsg.RuntimeEnable && in.SessionID != "" {
		go b.handleRuntimeEnableQuirk(ctx, clientID, in)
		return
	}

	if in.SessionID == "" {
		b.respond(clientID, *in.ID, "", nil, cdpmsg.NewError(cdpmsg.CodeUnknownMethod, "method not supported without a session: "+in.Method))
		return
	}

	go b.forward(ctx, clientID, in)
}

func (b *Broker) respond(clientID string, id int64, sessionID string, result any, cdpErr *cdpmsg.Error) {
	resp := cdpmsg.OutboundResponse{ID: id, SessionID: sessionID, Error: cdpErr}
	if cdpErr == nil {
		raw, err := json.Marshal(result)
		if err != nil {
			resp.Error = cdpmsg.NewError(cdpmsg.CodeGenericExtensionFailure, err.Error())
		} else {
			resp.Result = raw
		}
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	b.logClient(logring.ToClient, clientID, "", string(data))
	if sink, ok := b.sinks.get(clientID); ok {
		sink.Send(data)
	}
}

// forward sends a session-scoped command through to the extension as an
// opaque cdpCommand and relays its result back to the client verbatim.
func (b *Broker) forward(ctx context.Context, clientID string, in cdpmsg.Inbound) {
	tabID, ok := b.tabIDForSession(in.SessionID)
	if in.SessionID != "" && !ok {
		b.respond(clientID, *in.ID, in.SessionID, nil, cdpmsg.NewError(cdpmsg.CodeExtensionTimeoutOrGone, "unknown session"))
		return
	}

	result, err := b.callExtensionCDP(ctx, tabID, in.Method, in.Params)
	if err != nil {
		b.respond(clientID, *in.ID, in.SessionID, nil, mapExtensionError(err))
		return
	}
	b.respondRaw(clientID, *in.ID, in.SessionID, result)
}

func (b *Broker) respondRaw(clientID string, id int64, sessionID string, result json.RawMessage) {
	resp := cdpmsg.OutboundResponse{ID: id, SessionID: sessionID, Result: result}
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	b.logClient(logring.ToClient, clientID, "", string(data))
	if sink, ok := b.sinks.get(clientID); ok {
		sink.Send(data)
	}
}

func (b *Broker) tabIDForSession(sessionID string) (int, bool) {
	if sessionID == "" {
		return 0, true
	}
	sess, ok := b.reg.Session(sessionID)
	if !ok {
		return 0, false
	}
	return b.reg.TabIDFor(sess.TargetID)
}

type cdpCommandParams struct {
	TabID  int             `json:"tabId,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

func (b *Broker) callExtensionCDP(ctx context.Context, tabID int, method string, params json.RawMessage) (json.RawMessage, error) {
	return b.ext.Call(ctx, cdpmsg.ExtCDPCommand, cdpCommandParams{TabID: tabID, Method: method, Params: params})
}

func mapExtensionError(err error) *cdpmsg.Error {
	switch err {
	case extlink.ErrExtensionAbsent, extlink.ErrTimeout:
		return cdpmsg.NewError(cdpmsg.CodeExtensionTimeoutOrGone, err.Error())
	default:
		return cdpmsg.NewError(cdpmsg.CodeGenericExtensionFailure, err.Error())
	}
}

// handleRuntimeEnableQuirk reproduces a real Chrome's re-emission of
// Runtime.executionContextCreated: issuing Runtime.enable on a session that
// already has it enabled is a no-op in vanilla CDP, so the broker forces a
// disable/enable cycle before forwarding.
func (b *Broker) handleRuntimeEnableQuirk(ctx context.Context, clientID string, in cdpmsg.Inbound) {
	tabID, ok := b.tabIDForSession(in.SessionID)
	if !ok {
		b.respond(clientID, *in.ID, in.SessionID, nil, cdpmsg.NewError(cdpmsg.CodeExtensionTimeoutOrGone, "unknown session"))
		return
	}

	_, _ = b.callExtensionCDP(ctx, tabID, cdpmsg.RuntimeDisable, nil) // best-effort
	time.Sleep(runtimeEnableSettleDelay)

	result, err := b.callExtensionCDP(ctx, tabID, cdpmsg.RuntimeEnable, in.Params)
	if err != nil {
		b.respond(clientID, *in.ID, in.SessionID, nil, mapExtensionError(err))
		return
	}
	b.respondRaw(clientID, *in.ID, in.SessionID, result)
}

// handleUnsolicited dispatches an extension-pushed event that has no
// matching request: cdpEvent, tabDetached, tabUpdated.
func (b *Broker) handleUnsolicited(method string, params json.RawMessage) {
	switch method {
	case cdpmsg.MethodCDPEvent:
		b.handleCDPEvent(params)
	case cdpmsg.MethodTabUpdated:
		b.handleTabUpdated(params)
	case cdpmsg.MethodTabDetached:
		b.handleTabDetached(params)
	}
}

type cdpEventParams struct {
	TabID  int             `json:"tabId"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

func (b *Broker) handleCDPEvent(raw json.RawMessage) {
	var p cdpEventParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}
	sessions := b.reg.SessionsForTab(p.TabID)
	for _, s := range sessions {
		ev := cdpmsg.OutboundEvent{Method: p.Method, Params: p.Params, SessionID: s.SessionID}
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		b.logClient(logring.ToClient, s.ClientID, "", string(data))
		if sink, ok := b.sinks.get(s.ClientID); ok {
			sink.Send(data)
		}
	}
}

type tabUpdatedParams struct {
	TabID int    `json:"tabId"`
	URL   string `json:"url"`
	Title string `json:"title"`
}

func (b *Broker) handleTabUpdated(raw json.RawMessage) {
	var p tabUpdatedParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}
	b.reg.UpdateTab(targets.Tab{TabID: p.TabID, URL: p.URL, Title: p.Title})
}

type tabDetachedParams struct {
	TabID  int    `json:"tabId"`
	Reason string `json:"reason"`
}

// canceledByUser is the extension's reason string when the user dismisses
// Chrome's "a site is being controlled by automated software" banner,
// which detaches every automation-attached target at once.
const canceledByUser = "canceled_by_user"

func (b *Broker) handleTabDetached(raw json.RawMessage) {
	var p tabDetachedParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}
	if p.Reason == canceledByUser {
		b.reg.DetachAllAttached()
		return
	}
	b.destroyTargetForTab(p.TabID)
}

// destroyTargetForTab drops tabID's target from the registry and emits a
// synthetic Target.targetDestroyed to every client that had a session
// attached to it. Shared by the extension's unsolicited tabDetached and the
// broker's own Target.closeTarget synthesis (spec.md §4.6).
func (b *Broker) destroyTargetForTab(tabID int) {
	targetID, clientIDs, ok := b.reg.RemoveTarget(tabID)
	if !ok {
		return
	}
	for _, clientID := range clientIDs {
		params, _ := json.Marshal(map[string]string{"targetId": targetID})
		b.emit(clientID, cdpmsg.OutboundEvent{Method: cdpmsg.TargetDestroyed, Params: params})
	}
}

// Shutdown releases the extension connection, e.g. on process exit.
func (b *Broker) Shutdown() {
	b.ext.Close()
}
