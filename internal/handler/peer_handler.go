package handler

import (
	"log"
	"net/http"

	"sketch-sync/internal/middleware"
	"sketch-sync/internal/transport"

	"github.com/gorilla/websocket"
)

type PeerHandler struct {
	link     *transport.Link
	upgrader websocket.Upgrader
}

func NewPeerHandler(link *transport.Link) *PeerHandler {
	return &PeerHandler{
		link: link,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// HandleConnection upgrades an authenticated peer and serves it until the
// connection closes.
func (h *PeerHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	peerID := middleware.GetPeerDeviceID(r)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[PeerLink] failed to upgrade connection from %s: %v", peerID, err)
		return
	}

	log.Printf("[PeerLink] accepted connection from %s", peerID)
	h.link.Accept(conn)
}
