package websocket

import (
	"net/http"

	ws "github.com/coder/websocket"
)

// Authenticator resolves the user behind an upgrade request.
type Authenticator func(r *http.Request) (userID string, err error)

// HandleWebSocket returns an HTTP handler that authenticates the request,
// upgrades it to WebSocket and runs it as a Hub client.
func HandleWebSocket(hub *Hub, authenticate Authenticator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := authenticate(r)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		conn, err := ws.Accept(w, r, &ws.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			hub.logger.Warn("websocket accept", "error", err)
			return
		}
		defer conn.CloseNow()

		client := NewClient(hub, conn, userID)
		client.Run(r.Context())
	}
}
