package broker

import (
	"context"
	"encoding/json"

	"github.com/browserforce/relay/internal/cdpmsg"
	"github.com/browserforce/relay/internal/targets"
)

// handleLocalSynth answers one of the Target/Browser methods the broker
// never forwards to the extension as a raw CDP command.
func (b *Broker) handleLocalSynth(ctx context.Context, clientID string, in cdpmsg.Inbound) {
	switch in.Method {
	case cdpmsg.TargetSetDiscoverTargets:
		b.synthSetDiscoverTargets(clientID, in)
	case cdpmsg.TargetSetAutoAttach:
		b.synthSetAutoAttach(clientID, in)
	case cdpmsg.TargetGetTargets:
		b.synthGetTargets(ctx, clientID, in)
	case cdpmsg.TargetAttachToTarget:
		b.synthAttachToTarget(ctx, clientID, in)
	case cdpmsg.TargetDetachFromTarget:
		b.synthDetachFromTarget(ctx, clientID, in)
	case cdpmsg.TargetCreateTarget:
		b.synthCreateTarget(ctx, clientID, in)
	case cdpmsg.TargetCloseTarget:
		b.synthCloseTarget(ctx, clientID, in)
	case cdpmsg.BrowserGetVersion:
		b.synthBrowserGetVersion(clientID, in)
	}
}

type setDiscoverTargetsParams struct {
	Discover bool `json:"discover"`
}

func (b *Broker) synthSetDiscoverTargets(clientID string, in cdpmsg.Inbound) {
	var p setDiscoverTargetsParams
	_ = json.Unmarshal(in.Params, &p)
	b.reg.SetDiscover(clientID, p.Discover)
	b.respond(clientID, *in.ID, in.SessionID, struct{}{}, nil)
}

type setAutoAttachParams struct {
	AutoAttach bool `json:"autoAttach"`
}

func (b *Broker) synthSetAutoAttach(clientID string, in cdpmsg.Inbound) {
	var p setAutoAttachParams
	_ = json.Unmarshal(in.Params, &p)
	b.attach.set(clientID, p.AutoAttach)
	b.respond(clientID, *in.ID, in.SessionID, struct{}{}, nil)
}

type extListTabsResult struct {
	Tabs []extTab `json:"tabs"`
}

type extTab struct {
	TabID int    `json:"tabId"`
	URL   string `json:"url"`
	Title string `json:"title"`
}

type targetInfoWire struct {
	TargetID string `json:"targetId"`
	Type     string `json:"type"`
	Title    string `json:"title"`
	URL      string `json:"url"`
	Attached bool   `json:"attached"`
}

type getTargetsResult struct {
	TargetInfos []targetInfoWire `json:"targetInfos"`
}

func (b *Broker) synthGetTargets(ctx context.Context, clientID string, in cdpmsg.Inbound) {
	if raw, err := b.ext.Call(ctx, cdpmsg.ExtListTabs, struct{}{}); err == nil {
		var res extListTabsResult
		if json.Unmarshal(raw, &res) == nil {
			tabs := make([]targets.Tab, 0, len(res.Tabs))
			for _, t := range res.Tabs {
				tabs = append(tabs, targets.Tab{TabID: t.TabID, URL: t.URL, Title: t.Title})
			}
			b.reg.Sync(tabs)
		}
	}

	known := b.reg.GetTargets()
	out := getTargetsResult{TargetInfos: make([]targetInfoWire, 0, len(known))}
	for _, t := range known {
		out.TargetInfos = append(out.TargetInfos, targetInfoWire{
			TargetID: t.TargetID, Type: t.Type, Title: t.Title, URL: t.URL, Attached: t.Attached,
		})
	}
	b.respond(clientID, *in.ID, in.SessionID, out, nil)
}

type attachToTargetParams struct {
	TargetID string `json:"targetId"`
	Flatten  bool   `json:"flatten"`
}

type attachToTargetResult struct {
	SessionID string `json:"sessionId"`
}

type attachedToTargetEventParams struct {
	SessionID         string         `json:"sessionId"`
	TargetInfo        targetInfoWire `json:"targetInfo"`
	WaitingForDebugger bool          `json:"waitingForDebugger"`
}

func (b *Broker) synthAttachToTarget(ctx context.Context, clientID string, in cdpmsg.Inbound) {
	var p attachToTargetParams
	_ = json.Unmarshal(in.Params, &p)

	sess, err := b.reg.AttachToTarget(clientID, p.TargetID, p.Flatten)
	if err != nil {
		b.respond(clientID, *in.ID, in.SessionID, nil, cdpmsg.NewError(cdpmsg.CodeUnknownMethod, "no target with given id"))
		return
	}

	tabID, _ := b.reg.TabIDFor(p.TargetID)
	_, _ = b.ext.Call(ctx, cdpmsg.ExtAttachTab, map[string]int{"tabId": tabID}) // best-effort

	b.respond(clientID, *in.ID, in.SessionID, attachToTargetResult{SessionID: sess.SessionID}, nil)

	var info targetInfoWire
	for _, t := range b.reg.GetTargets() {
		if t.TargetID == p.TargetID {
			info = targetInfoWire{TargetID: t.TargetID, Type: t.Type, Title: t.Title, URL: t.URL, Attached: t.Attached}
			break
		}
	}
	params, _ := json.Marshal(attachedToTargetEventParams{SessionID: sess.SessionID, TargetInfo: info})
	b.emit(clientID, cdpmsg.OutboundEvent{Method: "Target.attachedToTarget", Params: params})
}

type detachFromTargetParams struct {
	SessionID string `json:"sessionId"`
}

func (b *Broker) synthDetachFromTarget(ctx context.Context, clientID string, in cdpmsg.Inbound) {
	var p detachFromTargetParams
	_ = json.Unmarshal(in.Params, &p)

	sess := b.reg.DetachSession(p.SessionID)
	if sess != nil {
		if tabID, ok := b.reg.TabIDFor(sess.TargetID); ok {
			_, _ = b.ext.Call(ctx, cdpmsg.ExtDetachTab, map[string]int{"tabId": tabID}) // best-effort
		}
	}
	b.respond(clientID, *in.ID, in.SessionID, struct{}{}, nil)
}

type createTargetParams struct {
	URL string `json:"url"`
}

type createTargetResult struct {
	TargetID string `json:"targetId"`
}

type createTabResult struct {
	TabID int `json:"tabId"`
}

func (b *Broker) synthCreateTarget(ctx context.Context, clientID string, in cdpmsg.Inbound) {
	var p createTargetParams
	_ = json.Unmarshal(in.Params, &p)

	raw, err := b.ext.Call(ctx, cdpmsg.ExtCreateTab, map[string]string{"url": p.URL})
	if err != nil {
		b.respond(clientID, *in.ID, in.SessionID, nil, mapExtensionError(err))
		return
	}
	var created createTabResult
	if err := json.Unmarshal(raw, &created); err != nil {
		b.respond(clientID, *in.ID, in.SessionID, nil, cdpmsg.NewError(cdpmsg.CodeGenericExtensionFailure, "malformed createTab result"))
		return
	}

	b.reg.UpdateTab(targets.Tab{TabID: created.TabID, URL: p.URL})
	targetID, _ := b.reg.TargetIDForTab(created.TabID)

	b.respond(clientID, *in.ID, in.SessionID, createTargetResult{TargetID: targetID}, nil)

	if b.attach.get(clientID) {
		if sess, err := b.reg.AttachToTarget(clientID, targetID, true); err == nil {
			var info targetInfoWire
			for _, t := range b.reg.GetTargets() {
				if t.TargetID == targetID {
					info = targetInfoWire{TargetID: t.TargetID, Type: t.Type, Title: t.Title, URL: t.URL, Attached: t.Attached}
					break
				}
			}
			params, _ := json.Marshal(attachedToTargetEventParams{SessionID: sess.SessionID, TargetInfo: info})
			b.emit(clientID, cdpmsg.OutboundEvent{Method: "Target.attachedToTarget", Params: params})
		}
	}
}

type closeTargetParams struct {
	TargetID string `json:"targetId"`
}

type closeTargetResult struct {
	Success bool `json:"success"`
}

func (b *Broker) synthCloseTarget(ctx context.Context, clientID string, in cdpmsg.Inbound) {
	var p closeTargetParams
	_ = json.Unmarshal(in.Params, &p)

	tabID, ok := b.reg.TabIDFor(p.TargetID)
	if !ok {
		b.respond(clientID, *in.ID, in.SessionID, closeTargetResult{Success: false}, nil)
		return
	}
	_, err := b.ext.Call(ctx, cdpmsg.ExtCloseTab, map[string]int{"tabId": tabID})
	if err == nil {
		b.destroyTargetForTab(tabID)
	}
	b.respond(clientID, *in.ID, in.SessionID, closeTargetResult{Success: err == nil}, nil)
}

type browserVersionResult struct {
	ProtocolVersion string `json:"protocolVersion"`
	Product         string `json:"product"`
	UserAgent       string `json:"userAgent"`
	JSVersion       string `json:"jsVersion"`
}

func (b *Broker) synthBrowserGetVersion(clientID string, in cdpmsg.Inbound) {
	b.respond(clientID, *in.ID, in.SessionID, browserVersionResult{
		ProtocolVersion: "1.3",
		Product:         "BrowserForce/1.0",
		UserAgent:       "BrowserforceRelay",
		JSVersion:       "0",
	}, nil)
}
