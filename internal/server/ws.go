package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/bryan-buckman/feedsync/internal/feed"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const wsWriteTimeout = 10 * time.Second

// stateEvent is pushed to websocket clients on every controller change.
type stateEvent struct {
	Event string     `json:"event"`
	State feed.State `json:"state"`
}

// handleFeedWS streams controller snapshots. The client gets the current
// state on connect, then the latest state after each change; intermediate
// states may be coalesced when the client reads slowly.
func (s *Server) handleFeedWS(w http.ResponseWriter, r *http.Request) {
	fc, ok := s.controller(w, r)
	if !ok {
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Errorf("WebSocket upgrade error: %v", err)
		return
	}
	defer conn.Close()

	var mu sync.Mutex
	var latest feed.State
	signal := make(chan struct{}, 1)
	unsubscribe := fc.Subscribe(func(st feed.State) {
		mu.Lock()
		latest = st
		mu.Unlock()
		select {
		case signal <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	// Incoming messages are ignored; reading detects the close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(st feed.State) bool {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(stateEvent{Event: "state", State: st}); err != nil {
			log.WithField("category", st.Category.String()).Debugf("WebSocket write error: %v", err)
			return false
		}
		return true
	}

	if !send(fc.State()) {
		return
	}
	for {
		select {
		case <-signal:
			mu.Lock()
			st := latest
			mu.Unlock()
			if !send(st) {
				return
			}
		case <-closed:
			return
		}
	}
}
