package targets

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/browserforce/relay/internal/cdpmsg"
)

type recordingEmitter struct {
	mu     sync.Mutex
	events map[string][]cdpmsg.OutboundEvent
}

func newRecordingEmitter() *recordingEmitter {
	return &recordingEmitter{events: make(map[string][]cdpmsg.OutboundEvent)}
}

func (e *recordingEmitter) emit(clientID string, ev cdpmsg.OutboundEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events[clientID] = append(e.events[clientID], ev)
}

func (e *recordingEmitter) methodsFor(clientID string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.events[clientID]))
	for _, ev := range e.events[clientID] {
		out = append(out, ev.Method)
	}
	return out
}

func TestSyncEmitsCreatedChangedDestroyed(t *testing.T) {
	rec := newRecordingEmitter()
	r := New(rec.emit)
	r.SetDiscover("client1", true)

	r.Sync([]Tab{{TabID: 1, URL: "https://a.test", Title: "A"}})
	require.Equal(t, []string{cdpmsg.TargetCreated}, rec.methodsFor("client1"))

	r.Sync([]Tab{{TabID: 1, URL: "https://a.test", Title: "A changed"}})
	require.Equal(t, []string{cdpmsg.TargetCreated, cdpmsg.TargetInfoChanged}, rec.methodsFor("client1"))

	r.Sync(nil)
	require.Equal(t, []string{cdpmsg.TargetCreated, cdpmsg.TargetInfoChanged, cdpmsg.TargetDestroyed}, rec.methodsFor("client1"))
}

func TestSetDiscoverReplaysCurrentAttachedSet(t *testing.T) {
	rec := newRecordingEmitter()
	r := New(rec.emit)
	r.Sync([]Tab{{TabID: 1, URL: "https://a.test"}, {TabID: 2, URL: "https://b.test"}})

	r.SetDiscover("late-joiner", true)
	require.Len(t, rec.methodsFor("late-joiner"), 2)
	for _, m := range rec.methodsFor("late-joiner") {
		require.Equal(t, cdpmsg.TargetCreated, m)
	}
}

func TestAttachToTargetIsIdempotentPerClientAndTab(t *testing.T) {
	rec := newRecordingEmitter()
	r := New(rec.emit)
	r.Sync([]Tab{{TabID: 1, URL: "https://a.test"}})
	targetID := r.GetTargets()[0].TargetID

	s1, err := r.AttachToTarget("client1", targetID, true)
	require.NoError(t, err)
	s2, err := r.AttachToTarget("client1", targetID, true)
	require.NoError(t, err)
	require.Equal(t, s1.SessionID, s2.SessionID)
}

func TestAttachToUnknownTargetFails(t *testing.T) {
	r := New(func(string, cdpmsg.OutboundEvent) {})
	_, err := r.AttachToTarget("client1", "no-such-target", true)
	require.ErrorIs(t, err, ErrUnknownTarget)
}

func TestDetachSessionClearsAttachedWhenNoSessionsRemain(t *testing.T) {
	r := New(func(string, cdpmsg.OutboundEvent) {})
	r.Sync([]Tab{{TabID: 1, URL: "https://a.test"}})
	targetID := r.GetTargets()[0].TargetID

	sess, err := r.AttachToTarget("client1", targetID, true)
	require.NoError(t, err)
	require.True(t, r.GetTargets()[0].Attached)

	r.DetachSession(sess.SessionID)
	require.False(t, r.GetTargets()[0].Attached)
	_, ok := r.Session(sess.SessionID)
	require.False(t, ok)
}

func TestSessionsForTabFansOutToAllAttachedClients(t *testing.T) {
	r := New(func(string, cdpmsg.OutboundEvent) {})
	r.Sync([]Tab{{TabID: 1, URL: "https://a.test"}})
	targetID := r.GetTargets()[0].TargetID

	_, err := r.AttachToTarget("client1", targetID, true)
	require.NoError(t, err)
	_, err = r.AttachToTarget("client2", targetID, true)
	require.NoError(t, err)

	sessions := r.SessionsForTab(1)
	require.Len(t, sessions, 2)
}

func TestDetachAllAttachedDestroysEveryAttachedTarget(t *testing.T) {
	rec := newRecordingEmitter()
	r := New(rec.emit)
	r.Sync([]Tab{{TabID: 1, URL: "https://a.test"}, {TabID: 2, URL: "https://b.test"}})
	targets := r.GetTargets()

	_, err := r.AttachToTarget("client1", targets[0].TargetID, true)
	require.NoError(t, err)
	_, err = r.AttachToTarget("client1", targets[1].TargetID, true)
	require.NoError(t, err)

	r.DetachAllAttached()

	for _, ev := range rec.events["client1"] {
		_ = ev
	}
	require.Len(t, rec.methodsFor("client1"), 2)
	for _, m := range rec.methodsFor("client1") {
		require.Equal(t, cdpmsg.TargetDestroyed, m)
	}
	for _, tgt := range r.GetTargets() {
		require.False(t, tgt.Attached)
	}
}

func TestDetachClientRemovesOnlyItsSessions(t *testing.T) {
	r := New(func(string, cdpmsg.OutboundEvent) {})
	r.Sync([]Tab{{TabID: 1, URL: "https://a.test"}})
	targetID := r.GetTargets()[0].TargetID

	s1, err := r.AttachToTarget("client1", targetID, true)
	require.NoError(t, err)
	s2, err := r.AttachToTarget("client2", targetID, true)
	require.NoError(t, err)

	r.DetachClient("client1")

	_, ok := r.Session(s1.SessionID)
	require.False(t, ok)
	_, ok = r.Session(s2.SessionID)
	require.True(t, ok)
	require.True(t, r.GetTargets()[0].Attached)
}
