package adminhttp

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/browserforce/relay/internal/broker"
	"github.com/browserforce/relay/internal/logring"
	"github.com/browserforce/relay/internal/plugins"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	b := broker.New(5*time.Second, 2, time.Second, logring.New(1000))
	mgr, err := plugins.New(filepath.Join(t.TempDir(), "plugins"))
	require.NoError(t, err)
	return New(b, logring.New(1000), mgr, "secret-token")
}

func TestStatusEndpointIsUnauthenticated(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "ok", body["status"])
	require.Equal(t, false, body["extension"])
}

func TestExtensionReloadRequiresBearerToken(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/extension/reload", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestExtensionReloadWithBearerTokenReachesBroker(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/extension/reload", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer secret-token")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	// No extension connected, so this fails upstream but must not be 401/404.
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestPluginsInstallListRemove(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/plugins/install",
		strings.NewReader(`{"name":"selector-helper","version":"1.0.0"}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer secret-token")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	listResp, err := http.Get(srv.URL + "/plugins")
	require.NoError(t, err)
	defer listResp.Body.Close()
	var list []plugins.Manifest
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&list))
	require.Len(t, list, 1)

	delReq, err := http.NewRequest(http.MethodDelete, srv.URL+"/plugins/selector-helper", nil)
	require.NoError(t, err)
	delReq.Header.Set("Authorization", "Bearer secret-token")
	delResp, err := http.DefaultClient.Do(delReq)
	require.NoError(t, err)
	defer delResp.Body.Close()
	require.Equal(t, http.StatusOK, delResp.StatusCode)
}
