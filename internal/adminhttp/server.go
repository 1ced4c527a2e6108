// Package adminhttp exposes the broker's read-only status/log surface and a
// small set of bearer-authenticated mutation endpoints (extension reload,
// plugin management) on the same loopback-only listener as /cdp and
// /extension. Routing and middleware composition follow a chi-based relay
// handler pattern, adapted from a single-process CDP relay into a dedicated
// admin surface that never forwards CDP traffic itself.
package adminhttp

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/browserforce/relay/internal/broker"
	"github.com/browserforce/relay/internal/cdpmsg"
	"github.com/browserforce/relay/internal/extlink"
	"github.com/browserforce/relay/internal/logring"
	"github.com/browserforce/relay/internal/plugins"
)

// extensionReloadTimeout bounds how long a POST /extension/reload waits on
// the extension before reporting failure.
const extensionReloadTimeout = 5 * time.Second

// Server builds the admin HTTP router.
type Server struct {
	broker  *broker.Broker
	ring    *logring.Ring
	plugins *plugins.Manager
	token   string
}

// New builds an adminhttp Server. token gates every mutating endpoint via
// a bearer Authorization header; read endpoints are open on loopback but
// never echo the token back.
func New(b *broker.Broker, ring *logring.Ring, pluginMgr *plugins.Manager, token string) *Server {
	return &Server{broker: b, ring: ring, plugins: pluginMgr, token: token}
}

// Handler returns the mountable admin router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleStatus)
	r.Get("/logs/status", s.handleLogsStatus)
	r.Get("/logs/cdp", s.handleLogsCDP)
	r.Get("/agent-preferences", s.handleAgentPreferences)
	r.Get("/restrictions", s.handleRestrictions)
	r.Get("/plugins", s.handlePluginsList)

	r.Group(func(r chi.Router) {
		r.Use(s.requireBearer)
		r.Post("/extension/reload", s.handleExtensionReload)
		r.Post("/plugins/install", s.handlePluginsInstall)
		r.Delete("/plugins/{name}", s.handlePluginsRemove)
	})

	return r
}

func (s *Server) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const prefix = "Bearer "
		h := r.Header.Get("Authorization")
		if !strings.HasPrefix(h, prefix) || strings.TrimPrefix(h, prefix) != s.token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type statusResponse struct {
	Status    string `json:"status"`
	Extension bool   `json:"extension"`
	Targets   int    `json:"targets"`
	Clients   int    `json:"clients"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Status:    "ok",
		Extension: s.broker.ExtensionLink().State() == extlink.Ready,
		Targets:   len(s.broker.Registry().GetTargets()),
		Clients:   s.broker.ClientCount(),
	})
}

func (s *Server) handleLogsStatus(w http.ResponseWriter, r *http.Request) {
	counts := s.ring.Counts()
	strCounts := make(map[string]uint64, len(counts))
	for k, v := range counts {
		strCounts[string(k)] = v
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"counts":              strCounts,
		"clients":             s.broker.ClientSummaries(),
		"extensionState":      s.broker.ExtensionLink().State().String(),
		"backpressureDrops":   s.ring.BackpressureDrops(),
		"extensionReconnects": s.ring.ExtensionReconnects(),
	})
}

func (s *Server) handleLogsCDP(w http.ResponseWriter, r *http.Request) {
	var after uint64
	if v := r.URL.Query().Get("after"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			after = n
		}
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	writeJSON(w, http.StatusOK, s.ring.Since(after, limit))
}

func (s *Server) handleExtensionReload(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), extensionReloadTimeout)
	defer cancel()
	_, err := s.broker.ExtensionLink().Call(ctx, cdpmsg.ExtExtensionReload, struct{}{})
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]bool{"reloaded": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"reloaded": true})
}

// agentPreferences is a static, non-configurable description of what the
// relay allows an automation client to do, exposed so a driving agent can
// introspect capability boundaries rather than discovering them by probing.
func (s *Server) handleAgentPreferences(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"allowMultipleTargets": true,
		"allowTargetCreation":  true,
		"singleExtensionOnly":  true,
	})
}

func (s *Server) handleRestrictions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"loopbackOnly":        true,
		"requiresSharedToken": true,
		"maxClients":          0, // 0 == unbounded beyond OS fd limits
	})
}

func (s *Server) handlePluginsList(w http.ResponseWriter, r *http.Request) {
	list, err := s.plugins.List()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handlePluginsInstall(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read request body"})
		return
	}
	man, err := s.plugins.Install(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, man)
}

func (s *Server) handlePluginsRemove(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.plugins.Remove(name); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
