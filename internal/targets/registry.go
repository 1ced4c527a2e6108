// Package targets mirrors the extension's attached-tab set as CDP targets,
// mints per-client session ids, and fans out target/session lifecycle
// events. It is the source of truth for Target.getTargets and for the
// synthetic Target.targetCreated / targetInfoChanged / targetDestroyed
// events.
package targets

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/browserforce/relay/internal/cdpmsg"
)

// Target is a browser-side debuggable resource the registry tracks.
type Target struct {
	TargetID string
	TabID    int
	Type     string // "page" | "iframe"
	URL      string
	Title    string
	Attached bool
}

// Session is a per-client binding to a target.
type Session struct {
	SessionID string
	ClientID  string
	TargetID  string
	FlatMode  bool
}

// Emitter delivers a synthesized CDP event to one client's outbound queue.
// The registry never talks to a WebSocket directly; the broker wires this
// to the client session fan-out, avoiding a direct client-registry-client
// reference cycle.
type Emitter func(clientID string, ev cdpmsg.OutboundEvent)

// Registry is the instance-scoped target/session table.
type Registry struct {
	mu sync.Mutex

	targets map[string]*Target // targetID -> Target
	tabToID map[int]string     // tabID -> targetID

	sessions     map[string]*Session            // sessionID -> Session
	byClientTab  map[string]map[int]string       // clientID -> tabID -> sessionID
	byTarget     map[string]map[string]*Session // targetID -> sessionID -> Session

	discoverers map[string]bool // clientID -> subscribed to Target.setDiscoverTargets

	emit Emitter
}

// New creates an empty Registry. emit is called for every synthesized
// event; it must be non-blocking (the registry holds its lock while
// preparing fan-out but releases it before calling emit — see fanOut).
func New(emit Emitter) *Registry {
	return &Registry{
		targets:     make(map[string]*Target),
		tabToID:     make(map[int]string),
		sessions:    make(map[string]*Session),
		byClientTab: make(map[string]map[int]string),
		byTarget:    make(map[string]map[string]*Session),
		discoverers: make(map[string]bool),
		emit:        emit,
	}
}

// Tab describes one entry from the extension's listTabs result.
type Tab struct {
	TabID int
	URL   string
	Title string
}

// SetDiscover marks clientID as subscribed to target discovery and replays
// the current attached set as a burst of Target.targetCreated events so the
// client's world view starts consistent.
func (r *Registry) SetDiscover(clientID string, enabled bool) {
	r.mu.Lock()
	if enabled {
		r.discoverers[clientID] = true
	} else {
		delete(r.discoverers, clientID)
	}
	var burst []cdpmsg.OutboundEvent
	if enabled {
		for _, t := range r.targets {
			burst = append(burst, targetCreatedEvent(t))
		}
	}
	r.mu.Unlock()

	for _, ev := range burst {
		r.emit(clientID, ev)
	}
}

// Sync reconciles the discovered tab set reported by the extension,
// emitting targetCreated/targetInfoChanged/targetDestroyed to every
// discovering client as the set changes.
func (r *Registry) Sync(tabs []Tab) {
	r.mu.Lock()
	seen := make(map[string]bool, len(tabs))
	var created, changed []*Target
	for _, tab := range tabs {
		targetID, ok := r.tabToID[tab.TabID]
		if !ok {
			targetID = syntheticTargetID(tab.TabID)
			r.tabToID[tab.TabID] = targetID
		}
		seen[targetID] = true

		t, exists := r.targets[targetID]
		if !exists {
			t = &Target{TargetID: targetID, TabID: tab.TabID, Type: "page", URL: tab.URL, Title: tab.Title}
			r.targets[targetID] = t
			created = append(created, t)
			continue
		}
		if t.URL != tab.URL || t.Title != tab.Title {
			t.URL = tab.URL
			t.Title = tab.Title
			changed = append(changed, t)
		}
	}

	var destroyed []*Target
	for id, t := range r.targets {
		if !seen[id] {
			destroyed = append(destroyed, t)
			delete(r.targets, id)
			delete(r.tabToID, t.TabID)
		}
	}
	recipients := r.discovererList()
	r.mu.Unlock()

	for _, t := range created {
		r.fanOut(recipients, targetCreatedEvent(t))
	}
	for _, t := range changed {
		r.fanOut(recipients, targetInfoChangedEvent(t))
	}
	for _, t := range destroyed {
		r.fanOut(recipients, targetDestroyedEvent(t.TargetID))
	}
}

func (r *Registry) discovererList() []string {
	out := make([]string, 0, len(r.discoverers))
	for c := range r.discoverers {
		out = append(out, c)
	}
	return out
}

func (r *Registry) fanOut(clients []string, ev cdpmsg.OutboundEvent) {
	for _, c := range clients {
		r.emit(c, ev)
	}
}

// GetTargets returns a snapshot of all known targets.
func (r *Registry) GetTargets() []Target {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Target, 0, len(r.targets))
	for _, t := range r.targets {
		out = append(out, *t)
	}
	return out
}

// ErrUnknownTarget is returned when attaching to a targetID the registry
// has never seen.
var ErrUnknownTarget = fmt.Errorf("unknown target")

// AttachToTarget mints a fresh opaque sessionID for (clientID, targetID),
// idempotently: re-attaching the same (client, target) pair returns the
// existing session rather than minting a second one.
func (r *Registry) AttachToTarget(clientID, targetID string, flatten bool) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.targets[targetID]
	if !ok {
		return nil, ErrUnknownTarget
	}

	if byTab, ok := r.byClientTab[clientID]; ok {
		if existingSessionID, ok := byTab[t.TabID]; ok {
			return r.sessions[existingSessionID], nil
		}
	}

	sessionID := uuid.NewString()
	sess := &Session{SessionID: sessionID, ClientID: clientID, TargetID: targetID, FlatMode: flatten}
	r.sessions[sessionID] = sess

	if r.byClientTab[clientID] == nil {
		r.byClientTab[clientID] = make(map[int]string)
	}
	r.byClientTab[clientID][t.TabID] = sessionID

	if r.byTarget[targetID] == nil {
		r.byTarget[targetID] = make(map[string]*Session)
	}
	r.byTarget[targetID][sessionID] = sess

	t.Attached = true
	return sess, nil
}

// DetachSession removes a session. Returns the removed session, or nil if
// sessionID was unknown.
func (r *Registry) DetachSession(sessionID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.detachSessionLocked(sessionID)
}

func (r *Registry) detachSessionLocked(sessionID string) *Session {
	sess, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	delete(r.sessions, sessionID)
	if byTab, ok := r.byClientTab[sess.ClientID]; ok {
		if t, ok := r.targets[sess.TargetID]; ok {
			delete(byTab, t.TabID)
		}
	}
	if m, ok := r.byTarget[sess.TargetID]; ok {
		delete(m, sessionID)
		if len(m) == 0 {
			delete(r.byTarget, sess.TargetID)
			if t, ok := r.targets[sess.TargetID]; ok {
				t.Attached = false
			}
		}
	}
	return sess
}

// SessionsForTab returns every session currently attached to tabID, used to
// fan out one extension cdpEvent to every attached client.
func (r *Registry) SessionsForTab(tabID int) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	targetID, ok := r.tabToID[tabID]
	if !ok {
		return nil
	}
	m := r.byTarget[targetID]
	out := make([]*Session, 0, len(m))
	for _, s := range m {
		out = append(out, s)
	}
	return out
}

// Session looks up a session by id.
func (r *Registry) Session(sessionID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// TargetIDForTab returns the targetID backing tabID, if known.
func (r *Registry) TargetIDForTab(tabID int) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	targetID, ok := r.tabToID[tabID]
	return targetID, ok
}

// TabIDFor returns the tabID backing targetID.
func (r *Registry) TabIDFor(targetID string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.targets[targetID]
	if !ok {
		return 0, false
	}
	return t.TabID, true
}

// DetachClient tears down every session belonging to clientID, e.g. on
// socket close.
func (r *Registry) DetachClient(clientID string) {
	r.mu.Lock()
	byTab := r.byClientTab[clientID]
	var sessionIDs []string
	for _, sid := range byTab {
		sessionIDs = append(sessionIDs, sid)
	}
	delete(r.byClientTab, clientID)
	delete(r.discoverers, clientID)
	for _, sid := range sessionIDs {
		r.detachSessionLocked(sid)
	}
	r.mu.Unlock()
}

// DetachAllAttached implements the "user-canceled detach" quirk: every
// currently attached target is treated as detached and every session
// watching it receives Target.targetDestroyed, regardless of which tab the
// extension actually named.
func (r *Registry) DetachAllAttached() {
	r.mu.Lock()
	var toNotify []struct {
		clientID string
		targetID string
	}
	for targetID, sessions := range r.byTarget {
		for _, s := range sessions {
			toNotify = append(toNotify, struct {
				clientID string
				targetID string
			}{s.ClientID, targetID})
		}
	}
	for _, t := range r.targets {
		t.Attached = false
	}
	for sid := range r.sessions {
		delete(r.sessions, sid)
	}
	r.byTarget = make(map[string]map[string]*Session)
	r.byClientTab = make(map[string]map[int]string)
	r.mu.Unlock()

	for _, n := range toNotify {
		r.emit(n.clientID, targetDestroyedEvent(n.targetID))
	}
}

// UpdateTab upserts a single tab's url/title without touching any other
// known target, emitting targetInfoChanged to discovering clients when it
// changes something (tabUpdated is incremental, unlike Sync's full
// reconciliation).
func (r *Registry) UpdateTab(tab Tab) {
	r.mu.Lock()
	targetID, ok := r.tabToID[tab.TabID]
	if !ok {
		targetID = syntheticTargetID(tab.TabID)
		r.tabToID[tab.TabID] = targetID
	}
	t, exists := r.targets[targetID]
	if !exists {
		t = &Target{TargetID: targetID, TabID: tab.TabID, Type: "page", URL: tab.URL, Title: tab.Title}
		r.targets[targetID] = t
		recipients := r.discovererList()
		r.mu.Unlock()
		r.fanOut(recipients, targetCreatedEvent(t))
		return
	}
	changed := t.URL != tab.URL || t.Title != tab.Title
	t.URL = tab.URL
	t.Title = tab.Title
	recipients := r.discovererList()
	r.mu.Unlock()
	if changed {
		r.fanOut(recipients, targetInfoChangedEvent(t))
	}
}

// RemoveTarget drops a single tab's target (e.g. the extension reported it
// closed) and detaches every session watching it, returning the removed
// targetID and the set of clients that need a Target.targetDestroyed event.
// Returns ok=false if tabID was never known.
func (r *Registry) RemoveTarget(tabID int) (targetID string, clientIDs []string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	targetID, ok = r.tabToID[tabID]
	if !ok {
		return "", nil, false
	}
	if m, exists := r.byTarget[targetID]; exists {
		for _, s := range m {
			clientIDs = append(clientIDs, s.ClientID)
			delete(r.sessions, s.SessionID)
			if byTab, ok := r.byClientTab[s.ClientID]; ok {
				delete(byTab, tabID)
			}
		}
		delete(r.byTarget, targetID)
	}
	delete(r.targets, targetID)
	delete(r.tabToID, tabID)
	return targetID, clientIDs, true
}

func syntheticTargetID(tabID int) string {
	return fmt.Sprintf("tab-%d", tabID)
}

func targetCreatedEvent(t *Target) cdpmsg.OutboundEvent {
	params, _ := marshalTargetInfo(t)
	return cdpmsg.OutboundEvent{Method: cdpmsg.TargetCreated, Params: params}
}

func targetInfoChangedEvent(t *Target) cdpmsg.OutboundEvent {
	params, _ := marshalTargetInfo(t)
	return cdpmsg.OutboundEvent{Method: cdpmsg.TargetInfoChanged, Params: params}
}

func targetDestroyedEvent(targetID string) cdpmsg.OutboundEvent {
	params, _ := marshalJSON(map[string]string{"targetId": targetID})
	return cdpmsg.OutboundEvent{Method: cdpmsg.TargetDestroyed, Params: params}
}
