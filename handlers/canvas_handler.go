package handlers

import (
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"lancanvas/services"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// LAN-only deployment, any origin on the network may connect.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type CanvasHandler struct {
	hub *services.CanvasHub
}

func NewCanvasHandler(hub *services.CanvasHub) *CanvasHandler {
	return &CanvasHandler{
		hub: hub,
	}
}

// JoinCanvas upgrades the request to a websocket session and hands it to the
// hub. The client stays unidentified until it claims a nickname or
// re-identifies.
func (h *CanvasHandler) JoinCanvas(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Could not upgrade connection: %v", err)
		return
	}

	client := h.hub.NewClient(conn)

	h.hub.Register <- client
	go client.WritePump()
	go client.ReadPump()
}
