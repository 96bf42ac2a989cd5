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

// Package tunnel implements the remote-framebuffer broker, per
// spec.md §4.6: at most one Tunnel per run, pairing a Runner-side and
// a viewer-side WebSocket and forwarding opaque binary frames
// verbatim between them.
package tunnel

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

// pingInterval is how often each attached side is pinged to detect a
// half-open connection before its next data frame.
const pingInterval = 30 * time.Second

// MaxFrameBytes caps one forwarded frame, per spec.md §4.6.
const MaxFrameBytes = 1 << 20

// Role distinguishes the two ends of a Tunnel.
type Role int

const (
	RoleRunner Role = iota
	RoleViewer
)

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  MaxFrameBytes,
	WriteBufferSize: MaxFrameBytes,
}

// Broker owns at most one Tunnel per run.
type Broker struct {
	logger *slog.Logger

	mu      sync.Mutex
	tunnels map[string]*Tunnel
	total   int64
}

// New constructs an empty Broker.
func New(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{logger: logger, tunnels: make(map[string]*Tunnel)}
}

// DetectRole distinguishes Runner from viewer by the X-VNC-Client
// header, falling back to a user-agent sniff, per spec.md §4.6 and
// §8 scenario 6: "Runner connects with header X-VNC-Client: true".
func DetectRole(r *http.Request) Role {
	if strings.EqualFold(r.Header.Get("X-VNC-Client"), "true") {
		return RoleRunner
	}
	if strings.Contains(strings.ToLower(r.UserAgent()), "python") {
		return RoleRunner
	}
	return RoleViewer
}

// ServeWS upgrades r to a WebSocket and attaches it to the named
// run's Tunnel as the role DetectRole identifies, blocking until the
// connection closes.
func (b *Broker) ServeWS(w http.ResponseWriter, r *http.Request, runID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("tunnel websocket upgrade failed", "error", err, "run_id", runID)
		return
	}

	role := DetectRole(r)
	t, ok := b.attach(runID, role, conn)
	if !ok {
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "role already attached"))
		conn.Close()
		return
	}
	t.run(role)
}

func (b *Broker) attach(runID string, role Role, conn *websocket.Conn) (*Tunnel, bool) {
	b.mu.Lock()
	t, ok := b.tunnels[runID]
	if !ok {
		t = newTunnel(runID, b)
		b.tunnels[runID] = t
		b.total++
	}
	b.mu.Unlock()

	return t, t.attach(role, conn)
}

func (b *Broker) remove(runID string) {
	b.mu.Lock()
	delete(b.tunnels, runID)
	b.mu.Unlock()
}

// TotalTunnels returns the count of Tunnels ever created.
func (b *Broker) TotalTunnels() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

// Stats is one Tunnel's point-in-time connection and byte-count view.
type Stats struct {
	RunID               string
	RunnerConnected     bool
	ViewerConnected     bool
	RunnerConnectedAt   time.Time
	ViewerConnectedAt   time.Time
	RunnerToViewerBytes int64
	ViewerToRunnerBytes int64
}

// Stats returns a snapshot of every live Tunnel, for the operator
// console's connection view.
func (b *Broker) Stats() []Stats {
	b.mu.Lock()
	tunnels := make([]*Tunnel, 0, len(b.tunnels))
	for _, t := range b.tunnels {
		tunnels = append(tunnels, t)
	}
	b.mu.Unlock()

	out := make([]Stats, 0, len(tunnels))
	for _, t := range tunnels {
		out = append(out, t.stats())
	}
	return out
}

// side is one attached end of a Tunnel.
type side struct {
	conn        *websocket.Conn
	connectedAt time.Time
	writeMu     sync.Mutex
}

func (s *side) write(messageType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(messageType, data)
}

// Tunnel pairs at most one Runner-side and one viewer-side
// connection for a single run and forwards frames between them.
type Tunnel struct {
	runID  string
	broker *Broker

	mu     sync.Mutex
	runner *side
	viewer *side

	// pending holds frames received before the peer attached, flushed
	// the instant the peer arrives, per spec.md §4.6.
	pendingToRunner [][]byte
	pendingToViewer [][]byte

	runnerToViewerBytes int64
	viewerToRunnerBytes int64

	closeOnce sync.Once
	done      chan struct{}
}

func newTunnel(runID string, b *Broker) *Tunnel {
	return &Tunnel{runID: runID, broker: b, done: make(chan struct{})}
}

// attach binds conn as role's side. It fails if that role already has
// a live connection, per spec.md §4.6's one-per-role invariant.
func (t *Tunnel) attach(role Role, conn *websocket.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := &side{conn: conn, connectedAt: time.Now()}
	switch role {
	case RoleRunner:
		if t.runner != nil {
			return false
		}
		t.runner = s
		t.flushLocked(t.pendingToRunner, s)
		t.pendingToRunner = nil
	case RoleViewer:
		if t.viewer != nil {
			return false
		}
		t.viewer = s
		t.flushLocked(t.pendingToViewer, s)
		t.pendingToViewer = nil
	}
	return true
}

func (t *Tunnel) flushLocked(queued [][]byte, dest *side) {
	for _, frame := range queued {
		dest.write(websocket.BinaryMessage, frame)
	}
}

// run reads frames from role's side until the connection closes, then
// tears the whole Tunnel down: either side closing closes both, per
// spec.md §4.6.
func (t *Tunnel) run(role Role) {
	defer t.closeBoth()

	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		return t.readLoop(role)
	})
	g.Go(func() error {
		return t.pingLoop(ctx, role)
	})
	_ = g.Wait()
}

// pingLoop keeps role's side alive with periodic control pings and
// exits as soon as readLoop's goroutine ends, via ctx.
func (t *Tunnel) pingLoop(ctx context.Context, role Role) error {
	t.mu.Lock()
	var s *side
	if role == RoleRunner {
		s = t.runner
	} else {
		s = t.viewer
	}
	t.mu.Unlock()
	if s == nil {
		return nil
	}

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.done:
			return nil
		case <-ticker.C:
			if err := s.write(websocket.PingMessage, nil); err != nil {
				return err
			}
		}
	}
}

func (t *Tunnel) readLoop(role Role) error {
	t.mu.Lock()
	var s *side
	if role == RoleRunner {
		s = t.runner
	} else {
		s = t.viewer
	}
	t.mu.Unlock()
	if s == nil {
		return nil
	}

	for {
		select {
		case <-t.done:
			return nil
		default:
		}

		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			return err
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		if len(data) > MaxFrameBytes {
			continue
		}
		t.forward(role, data)
	}
}

func (t *Tunnel) forward(from Role, data []byte) {
	t.mu.Lock()
	var peer *side
	if from == RoleRunner {
		atomic.AddInt64(&t.runnerToViewerBytes, int64(len(data)))
		peer = t.viewer
		if peer == nil {
			t.pendingToViewer = append(t.pendingToViewer, data)
			t.mu.Unlock()
			return
		}
	} else {
		atomic.AddInt64(&t.viewerToRunnerBytes, int64(len(data)))
		peer = t.runner
		if peer == nil {
			t.pendingToRunner = append(t.pendingToRunner, data)
			t.mu.Unlock()
			return
		}
	}
	t.mu.Unlock()

	peer.write(websocket.BinaryMessage, data)
}

func (t *Tunnel) closeBoth() {
	t.closeOnce.Do(func() {
		close(t.done)
		t.mu.Lock()
		runner, viewer := t.runner, t.viewer
		t.mu.Unlock()
		if runner != nil {
			runner.conn.Close()
		}
		if viewer != nil {
			viewer.conn.Close()
		}
		t.broker.remove(t.runID)
	})
}

func (t *Tunnel) stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Stats{
		RunID:               t.runID,
		RunnerConnected:     t.runner != nil,
		ViewerConnected:     t.viewer != nil,
		RunnerToViewerBytes: atomic.LoadInt64(&t.runnerToViewerBytes),
		ViewerToRunnerBytes: atomic.LoadInt64(&t.viewerToRunnerBytes),
	}
	if t.runner != nil {
		s.RunnerConnectedAt = t.runner.connectedAt
	}
	if t.viewer != nil {
		s.ViewerConnectedAt = t.viewer.connectedAt
	}
	return s
}
