package main

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	streamReadWait  = 60 * time.Second
	streamPingEvery = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Dashboards connect cross-origin; the bearer key is the gate.
		return true
	},
}

// handleStream upgrades to a websocket and registers the connection
// with the hub, which scopes broadcasts to the caller's organization.
// The handler only reads; every data frame is written by the hub.
func (a *API) handleStream(w http.ResponseWriter, r *http.Request) {
	org := orgFrom(w, r)
	if org == nil {
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[api] stream upgrade: %v", err)
		return
	}
	a.hub.Register(conn, org.ID)
	defer a.hub.Unregister(conn)

	conn.SetReadDeadline(time.Now().Add(streamReadWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(streamReadWait))
		return nil
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(streamPingEvery)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				// WriteControl may run alongside the hub's data writes.
				deadline := time.Now().Add(5 * time.Second)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					return
				}
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("[api] stream read: %v", err)
			}
			return
		}
	}
}
