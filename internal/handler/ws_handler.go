package handler

import (
	"log"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/hybridcore/dispatchd/internal/auth"
	"github.com/hybridcore/dispatchd/internal/push"
)

// WSHandler upgrades authenticated connections onto the push hub.
type WSHandler struct {
	mgr *auth.Manager
	hub *push.Hub

	upgrader websocket.Upgrader
}

// NewWSHandler creates the websocket handler.
func NewWSHandler(mgr *auth.Manager, hub *push.Hub) *WSHandler {
	return &WSHandler{
		mgr: mgr,
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Token auth gates the socket; origin stays open for mobile
			// clients that send none.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Connect handles GET /ws?token=...
//
// The access token rides in the `token` query parameter because browser
// websocket clients cannot set an Authorization header; a header is
// accepted too. The upgraded client lands in its principal group and
// may subscribe to job groups over the socket.
func (h *WSHandler) Connect(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		if v := r.Header.Get("Authorization"); strings.HasPrefix(v, "Bearer ") {
			token = strings.TrimPrefix(v, "Bearer ")
		}
	}
	if token == "" {
		writeJSON(w, http.StatusUnauthorized, errorBody("unauthorized", "Missing token."))
		return
	}

	principal, err := h.mgr.Verify(token, auth.TypeAccess)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, errorBody("unauthorized", "Invalid or expired token."))
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade writes its own error response.
		log.Printf("[ws] upgrade for %s failed: %v", principal.ID, err)
		return
	}

	h.hub.Register(push.NewClient(h.hub, conn, principal.ID, principal.Role))
}
