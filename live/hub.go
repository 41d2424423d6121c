// Copyright 2015 Comcast Cable Communications Management, LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// End Copyright

// Package live is the publish side of the WebSocket push channel:
// engine calls Hub.Broadcast after it finalizes an attempt (the event
// moving to processed, failed, or back to pending), and every connected
// /ws client gets a best-effort copy. Claims, ingest, replay, and
// stuck-lease recovery do not broadcast.
// There are no ordering, delivery, or backpressure guarantees — a slow
// or gone client is dropped rather than allowed to stall a broadcast.
// The console/browser consumer is an external collaborator and out of
// scope here.
package live

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/eventcore/rulesengine/core"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Update is the message pushed to every connected client.
type Update struct {
	EventID int64     `json:"event_id"`
	At      time.Time `json:"at"`
}

const clientSendBuffer = 16

// Hub fans out Updates to every connected client. The zero value is
// not usable; construct with New.
type Hub struct {
	mu      sync.Mutex
	clients map[chan Update]struct{}
}

// New builds an empty Hub.
func New() *Hub {
	return &Hub{clients: make(map[chan Update]struct{})}
}

// Broadcast publishes one event's state change to every connected
// client. Never blocks on a slow client: a client whose send buffer
// is full is dropped.
func (h *Hub) Broadcast(eventID int64) {
	update := Update{EventID: eventID, At: time.Now().UTC()}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c <- update:
		default:
			delete(h.clients, c)
			close(c)
		}
	}
}

func (h *Hub) register() chan Update {
	c := make(chan Update, clientSendBuffer)
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *Hub) unregister(c chan Update) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c)
	}
	h.mu.Unlock()
}

// ClientCount reports the number of currently connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request to a WebSocket and streams Updates
// to it until the connection closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		core.Log(core.WARN|core.HTTPAPI, nil, "live.ServeHTTP", "err", err)
		return
	}
	defer conn.Close()

	updates := h.register()
	defer h.unregister(updates)

	go h.drainReads(conn)

	for update := range updates {
		body, err := json.Marshal(update)
		if err != nil {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
			return
		}
	}
}

// drainReads discards any client-sent frames. This channel is
// publish-only; reading is only done so gorilla/websocket notices a
// client-initiated close.
func (h *Hub) drainReads(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
