package extlink

import (
	"log"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

// allowedOriginSchemes lists the browser-extension origin schemes the
// extension socket accepts; anything else is rejected (spec.md §4.3).
var allowedOriginSchemes = []string{"chrome-extension://", "moz-extension://", "extension://"}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return false
		}
		for _, scheme := range allowedOriginSchemes {
			if strings.HasPrefix(origin, scheme) {
				return true
			}
		}
		return false
	},
}

// Handler serves the /extension WebSocket endpoint the browser extension
// dials into. Only one extension connection is meaningful at a time; a
// second one supersedes the first (spec.md §4.3).
type Handler struct {
	link  *Link
	token string
}

// NewHandler builds an extlink Handler bound to link and the expected
// shared-secret token.
func NewHandler(link *Link, token string) *Handler {
	return &Handler{link: link, token: token}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("token") != h.token {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("relay: extension websocket upgrade rejected (bad origin or handshake): %v", err)
		return
	}
	h.link.Attach(conn)
}
