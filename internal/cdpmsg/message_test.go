package cdpmsg

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsLocalSynthClassifiesTargetAndBrowserMethods(t *testing.T) {
	for _, m := range []string{
		TargetSetDiscoverTargets, TargetSetAutoAttach, TargetGetTargets,
		TargetAttachToTarget, TargetDetachFromTarget, TargetCreateTarget,
		TargetCloseTarget, BrowserGetVersion,
	} {
		require.True(t, IsLocalSynth(m), m)
	}
}

func TestIsLocalSynthRejectsForwardedMethods(t *testing.T) {
	for _, m := range []string{"Page.navigate", "Runtime.enable", "DOM.getDocument", ""} {
		require.False(t, IsLocalSynth(m), m)
	}
}

func TestInboundRoundTripsSessionAndParams(t *testing.T) {
	raw := []byte(`{"id":5,"method":"Page.navigate","params":{"url":"https://a.test"},"sessionId":"s1"}`)
	var in Inbound
	require.NoError(t, json.Unmarshal(raw, &in))
	require.NotNil(t, in.ID)
	require.Equal(t, int64(5), *in.ID)
	require.Equal(t, "s1", in.SessionID)
	require.JSONEq(t, `{"url":"https://a.test"}`, string(in.Params))
}

func TestOutboundResponseOmitsErrorWhenNil(t *testing.T) {
	resp := OutboundResponse{ID: 1, Result: json.RawMessage(`{}`)}
	data, err := json.Marshal(resp)
	require.NoError(t, err)
	require.JSONEq(t, `{"id":1,"result":{}}`, string(data))
}

func TestOutboundResponseCarriesErrorCode(t *testing.T) {
	resp := OutboundResponse{ID: 2, Error: NewError(CodeUnknownMethod, "nope")}
	data, err := json.Marshal(resp)
	require.NoError(t, err)
	require.JSONEq(t, `{"id":2,"error":{"code":-32601,"message":"nope"}}`, string(data))
}
