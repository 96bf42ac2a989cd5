// Copyright 2025 Tom Barlow
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

// Package hub implements the Gateway-to-browser Subscription hub, per
// spec.md §4.4: an in-memory run_id -> set<viewer> map guarded by one
// mutex, publishing freshly committed Events to live subscribers.
// Backfill is the viewer's job (list_events over HTTP, then
// subscribe) — the hub never replays history.
package hub

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tombee/remoterun/internal/store"
)

// pingInterval is how often the hub pings idle viewer sockets.
const pingInterval = 30 * time.Second

// pongWait is the read deadline refreshed on every pong; it tolerates
// up to one missed pong before the next is due, so two consecutive
// misses cross it and the connection is torn down.
const pongWait = 2*pingInterval + 10*time.Second

// sendBufferSize bounds how far a viewer may lag before being
// dropped, per spec.md §4.4's "slow subscribers are dropped rather
// than backpressuring the ingest path."
const sendBufferSize = 64

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub tracks live viewer connections per run and fans out published
// Events to them.
type Hub struct {
	logger *slog.Logger

	mu      sync.Mutex
	viewers map[string]map[*viewer]struct{}
}

// New constructs an empty Hub.
func New(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{logger: logger, viewers: make(map[string]map[*viewer]struct{})}
}

// viewer is one subscribed browser WebSocket connection.
type viewer struct {
	conn *websocket.Conn
	send chan []byte

	mu      sync.Mutex
	runID   string
	closeOnce sync.Once
}

func (v *viewer) close() {
	v.closeOnce.Do(func() {
		close(v.send)
		v.conn.Close()
	})
}

// ServeWS upgrades r to a WebSocket and runs the viewer's read/write
// pumps until the connection closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	v := &viewer{conn: conn, send: make(chan []byte, sendBufferSize)}
	go h.writePump(v)
	h.readPump(v)
}

func (h *Hub) readPump(v *viewer) {
	defer func() {
		h.unsubscribe(v)
		v.close()
	}()

	v.conn.SetReadDeadline(time.Now().Add(pongWait))
	v.conn.SetPongHandler(func(string) error {
		v.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := v.conn.ReadMessage()
		if err != nil {
			return
		}
		h.handleFrame(v, raw)
	}
}

type clientFrame struct {
	Type  string `json:"type"`
	RunID string `json:"runId"`
}

func (h *Hub) handleFrame(v *viewer, raw []byte) {
	var f clientFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		v.enqueue(map[string]any{"type": "error", "message": "malformed frame"})
		return
	}

	switch f.Type {
	case "subscribe":
		if f.RunID == "" {
			v.enqueue(map[string]any{"type": "error", "message": "runId is required"})
			return
		}
		h.subscribe(v, f.RunID)
		v.enqueue(map[string]any{"type": "subscribed", "runId": f.RunID})
	case "unsubscribe":
		h.unsubscribe(v)
		v.enqueue(map[string]any{"type": "unsubscribed"})
	case "ping":
		v.enqueue(map[string]any{"type": "pong"})
	default:
		v.enqueue(map[string]any{"type": "error", "message": "unknown frame type"})
	}
}

func (h *Hub) writePump(v *viewer) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		v.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-v.send:
			if !ok {
				v.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := v.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := v.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}

// enqueue attempts a non-blocking send and reports whether it
// succeeded. A full buffer means the viewer is too slow to keep up;
// the caller drops it rather than blocking the publisher.
func (v *viewer) enqueue(payload any) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		return true
	}
	select {
	case v.send <- data:
		return true
	default:
		return false
	}
}

func (h *Hub) subscribe(v *viewer, runID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.unsubscribeLocked(v)

	v.mu.Lock()
	v.runID = runID
	v.mu.Unlock()

	set, ok := h.viewers[runID]
	if !ok {
		set = make(map[*viewer]struct{})
		h.viewers[runID] = set
	}
	set[v] = struct{}{}
}

func (h *Hub) unsubscribe(v *viewer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubscribeLocked(v)
}

func (h *Hub) unsubscribeLocked(v *viewer) {
	v.mu.Lock()
	runID := v.runID
	v.runID = ""
	v.mu.Unlock()

	if runID == "" {
		return
	}
	if set, ok := h.viewers[runID]; ok {
		delete(set, v)
		if len(set) == 0 {
			delete(h.viewers, runID)
		}
	}
}

// Publish hands event to every viewer currently subscribed to runID.
// It implements ingest.Publisher.
func (h *Hub) Publish(runID string, event store.Event) {
	h.broadcast(runID, map[string]any{
		"type":        "event",
		"eventId":     event.ID,
		"eventType":   event.Type,
		"data":        string(event.Data),
		"timestamp":   event.CreatedAt,
		"producerSeq": event.ProducerSeq,
	})
}

// BroadcastCommandCompleted notifies a run's viewers that a Command
// finished, per spec.md §4.4's {type:"command_completed", ...} frame.
func (h *Hub) BroadcastCommandCompleted(runID, commandID, result string) {
	h.broadcast(runID, map[string]any{
		"type":      "command_completed",
		"commandId": commandID,
		"result":    result,
	})
}

// BroadcastAlert notifies a run's viewers of a new operator alert.
func (h *Hub) BroadcastAlert(runID string, alert any) {
	h.broadcast(runID, map[string]any{"type": "new_alert", "alert": alert})
}

func (h *Hub) broadcast(runID string, payload map[string]any) {
	h.mu.Lock()
	set := h.viewers[runID]
	targets := make([]*viewer, 0, len(set))
	for v := range set {
		targets = append(targets, v)
	}
	h.mu.Unlock()

	for _, v := range targets {
		if !v.enqueue(payload) {
			h.unsubscribe(v)
			v.close()
		}
	}
}

// ViewerCount returns the number of live viewer connections across
// all runs, for the health endpoint's gauge (spec.md §5 supplement).
func (h *Hub) ViewerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	total := 0
	for _, set := range h.viewers {
		total += len(set)
	}
	return total
}

// RunsWithViewers returns the number of distinct Runs that currently
// have at least one subscribed viewer, for the metrics gauge.
func (h *Hub) RunsWithViewers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.viewers)
}
