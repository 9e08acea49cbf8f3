package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/flexype/flashsale/reservation"
	"github.com/flexype/flashsale/store"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Cross-origin storefronts subscribe directly; the token is the gate.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleInventoryStream upgrades the connection and relays availability
// snapshots for one SKU until either side goes away.
func (s *Server) handleInventoryStream(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeUnauthorized(w, r, "missing bearer token")
		return
	}
	if _, err := s.cfg.Auth.Verify(token); err != nil {
		writeUnauthorized(w, r, "invalid or expired token")
		return
	}

	sku, err := store.NormalizeSKU(chi.URLParam(r, "sku"))
	if err != nil {
		writeError(w, r, &reservation.ValidationError{Field: "sku", Message: err.Error()})
		return
	}

	availability, err := s.cfg.Reservations.Status(r.Context(), sku)
	if err != nil {
		writeError(w, r, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the handshake failure.
		s.logger.Warn("websocket upgrade failed", "sku", sku, "error", err)
		return
	}

	sub := s.cfg.Hub.Subscribe(sku, availability.Available, availability.Total())
	defer sub.Close()
	defer conn.Close()

	// Drain the client side so close frames and pongs are processed; inbound
	// payloads are ignored.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case snap, ok := <-sub.C():
			if !ok {
				// Dropped by the hub for falling behind.
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(snap); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}
