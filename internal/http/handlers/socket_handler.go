package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/tbourn/chat-transport/internal/socket"
)

// SocketHandlers exposes the websocket upgrade endpoint.
type SocketHandlers struct {
	Manager  *socket.Manager
	upgrader websocket.Upgrader
}

// NewSocketHandlers constructs a SocketHandlers bound to manager.
// CheckOrigin is left permissive here; an operator fronting this with a
// browser client should tighten it via a reverse proxy or by wrapping
// Connect with its own origin check before this handler is reached.
func NewSocketHandlers(manager *socket.Manager) *SocketHandlers {
	return &SocketHandlers{
		Manager:  manager,
		upgrader: websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
	}
}

// Connect handles GET /ws: upgrades to a websocket connection and hands
// it to the socket manager for the lifetime of the connection. The
// handler blocks until the connection closes, per net/http's contract
// that a hijacked connection's handler owns it until it returns.
func (h *SocketHandlers) Connect(c *gin.Context) {
	userID := senderID(c)
	if userID == "" {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "missing sender identity")
		return
	}

	var conversationIDs []string
	if raw := c.Query("conversation_ids"); raw != "" {
		for _, id := range strings.Split(raw, ",") {
			if id = strings.TrimSpace(id); id != "" {
				conversationIDs = append(conversationIDs, id)
			}
		}
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return // Upgrade already wrote the error response.
	}
	h.Manager.Accept(c.Request.Context(), conn, userID, conversationIDs)
}
