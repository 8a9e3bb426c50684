package httpapi

import (
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/example/carpool-matching/internal/models"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn serializes writes to one websocket; gorilla connections allow
// only a single concurrent writer.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

// handleRosterWS streams the passenger-facing roster: the full filtered
// snapshot on every change to any visible offer.
func (s *Server) handleRosterWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	h := s.projector.SubscribeRoster()
	defer h.Cancel()
	go discardReads(conn, h.Cancel)

	wc := &wsConn{conn: conn}
	for snap := range h.C() {
		if snap == nil {
			snap = []models.Offer{}
		}
		if err := wc.writeJSON(snap); err != nil {
			return
		}
	}
}

// handleOfferWS streams one driver's offer; "offer": null tells the
// client the offer was deleted or never existed.
func (s *Server) handleOfferWS(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	h := s.projector.SubscribeOffer(driverID)
	defer h.Cancel()
	go discardReads(conn, h.Cancel)

	wc := &wsConn{conn: conn}
	for ev := range h.C() {
		if err := wc.writeJSON(map[string]*models.Offer{"offer": ev}); err != nil {
			return
		}
	}
}

// discardReads drains the client side of the socket so close frames are
// noticed and the subscription torn down.
func discardReads(conn *websocket.Conn, cancel func()) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			cancel()
			return
		}
	}
}
