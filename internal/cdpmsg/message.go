// Package cdpmsg defines the wire shapes exchanged with CDP clients and with
// the browser extension. Messages are kept as a thin discriminated envelope
// over opaque JSON: the broker parses deeply only for methods it classifies
// and otherwise forwards the raw bytes untouched.
package cdpmsg

import "encoding/json"

// Inbound is a frame received from a CDP client over /cdp.
//
//	{ id, method, params?, sessionId? }
type Inbound struct {
	ID        *int64          `json:"id"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

// OutboundResponse answers a client's Inbound by id.
//
//	{ id, result? } or { id, error? }
type OutboundResponse struct {
	ID        int64           `json:"id"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *Error          `json:"error,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

// OutboundEvent is an unsolicited notification sent to a CDP client.
//
//	{ method, params, sessionId? }
type OutboundEvent struct {
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

// Error is a CDP-shaped JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Standard CDP error codes the broker emits (spec.md §4.6 / §7).
const (
	CodeGenericExtensionFailure = -32000
	CodeUnknownMethod           = -32601
	CodeExtensionTimeoutOrGone  = -32603
)

func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// ExtensionCommand is a command the broker sends to the extension.
//
//	{ id, method, params? }
type ExtensionCommand struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ExtensionResponse is the extension's reply to an ExtensionCommand.
//
//	{ id, result? } or { id, error? }
type ExtensionResponse struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *string         `json:"error,omitempty"`
}

// ExtensionUnsolicited is an event pushed by the extension without a
// matching request: cdpEvent, tabDetached, tabUpdated, or a liveness pong.
//
//	{ method, params }
type ExtensionUnsolicited struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Extension-originated unsolicited method names.
const (
	MethodCDPEvent    = "cdpEvent"
	MethodTabDetached = "tabDetached"
	MethodTabUpdated  = "tabUpdated"
	MethodPong        = "pong"
)

// Methods the broker invokes on the extension (spec.md §6).
const (
	ExtListTabs         = "listTabs"
	ExtAttachTab        = "attachTab"
	ExtDetachTab        = "detachTab"
	ExtCreateTab        = "createTab"
	ExtCloseTab         = "closeTab"
	ExtCDPCommand       = "cdpCommand"
	ExtExtensionReload  = "extensionReload"
)

// CDP methods the broker answers locally rather than forwarding
// (spec.md §4.5, "Local-synth").
const (
	TargetSetDiscoverTargets = "Target.setDiscoverTargets"
	TargetSetAutoAttach      = "Target.setAutoAttach"
	TargetGetTargets         = "Target.getTargets"
	TargetAttachToTarget     = "Target.attachToTarget"
	TargetDetachFromTarget   = "Target.detachFromTarget"
	TargetCreateTarget       = "Target.createTarget"
	TargetCloseTarget        = "Target.closeTarget"
	BrowserGetVersion        = "Browser.getVersion"

	TargetCreated      = "Target.targetCreated"
	TargetInfoChanged  = "Target.targetInfoChanged"
	TargetDestroyed    = "Target.targetDestroyed"

	RuntimeEnable  = "Runtime.enable"
	RuntimeDisable = "Runtime.disable"
)

// IsLocalSynth reports whether method is answered directly by the broker
// instead of being forwarded as a session-scoped extension command.
func IsLocalSynth(method string) bool {
	switch method {
	case TargetSetDiscoverTargets, TargetSetAutoAttach, TargetGetTargets,
		TargetAttachToTarget, TargetDetachFromTarget,
		TargetCreateTarget, TargetCloseTarget, BrowserGetVersion:
		return true
	}
	return false
}
