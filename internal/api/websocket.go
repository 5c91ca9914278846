package api

import (
	"net/http"

	"botpipe/internal/auth"
	"botpipe/internal/ws"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browser clients connect from arbitrary origins; auth happens at the
	// token level, not the origin level.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsHandler upgrades the request and hands the connection to the hub.
func (d Dependencies) wsHandler(w http.ResponseWriter, r *http.Request) {
	userID := auth.GetUserID(r.Context())
	if userID == "" {
		userID = "anonymous"
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		d.Log.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := ws.NewConn(conn, d.Hub, userID)
	d.Hub.Register(client)

	go client.WritePump()
	go client.ReadPump()
}
