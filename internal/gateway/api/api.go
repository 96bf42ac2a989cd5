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

// Package api implements the operator-console-facing HTTP surface:
// unsigned read/write endpoints over Runs, Events, and Alerts, per
// spec.md §6's HTTP surface table. Console write endpoints never
// touch a Run's state directly — they enqueue a Command for the
// owning Runner to carry out, per spec.md §4.5.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/tombee/remoterun/internal/apperr"
	"github.com/tombee/remoterun/internal/gateway/hub"
	"github.com/tombee/remoterun/internal/gateway/httputil"
	"github.com/tombee/remoterun/internal/gateway/tunnel"
	"github.com/tombee/remoterun/internal/signing"
	"github.com/tombee/remoterun/internal/store"
	"github.com/tombee/remoterun/internal/tracing/storage"
)

// Reserved Command payload tokens, per spec.md §4.5.
const (
	tokenStop  = "__STOP__"
	tokenHalt  = "__HALT__"
	tokenEsc   = "__ESCAPE__"
	escapeByte = "\x03"
)

// Handler serves the console-facing API.
type Handler struct {
	Store  *store.Store
	Hub    *hub.Hub
	Tunnel *tunnel.Broker

	// TraceStore backs GET /api/runs/{id}/trace. Nil when tracing is
	// disabled, in which case that route reports 404.
	TraceStore *storage.SQLiteStore
}

// NewHandler constructs a Handler.
func NewHandler(s *store.Store, h *hub.Hub, t *tunnel.Broker) *Handler {
	return &Handler{Store: s, Hub: h, Tunnel: t}
}

// RegisterRoutes registers every console-facing route on mux. Unlike
// the Runner-facing ingest/commands routes, these are not wrapped in
// the signed-request middleware — operator-console authentication
// beyond the capability-token scheme is explicitly out of scope
// (spec.md §1 Non-goals).
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/runs", h.handleListRuns)
	mux.HandleFunc("POST /api/runs", h.handleCreateRun)
	mux.HandleFunc("GET /api/runs/{id}", h.handleGetRun)
	mux.HandleFunc("GET /api/runs/{id}/events", h.handleListEvents)
	mux.HandleFunc("GET /api/runs/{id}/trace", h.handleGetTrace)
	mux.HandleFunc("POST /api/runs/{id}/stop", h.handleStop)
	mux.HandleFunc("POST /api/runs/{id}/halt", h.handleHalt)
	mux.HandleFunc("POST /api/runs/{id}/restart", h.handleRestart)
	mux.HandleFunc("POST /api/runs/{id}/input", h.handleInput)
	mux.HandleFunc("POST /api/runs/{id}/escape", h.handleEscape)
	mux.HandleFunc("GET /api/alerts", h.handleListAlerts)
	mux.HandleFunc("POST /api/alerts/{id}/acknowledge", h.handleAcknowledgeAlert)
	mux.HandleFunc("GET /api/health", h.handleHealth)
}

func (h *Handler) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	runs, err := h.Store.ListRuns(r.Context(), limit)
	if err != nil {
		httputil.WriteAppError(w, apperr.Wrap(apperr.Internal, err, "listing runs"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

type createRunRequest struct {
	WorkerType     string            `json:"workerType"`
	Model          string            `json:"model,omitempty"`
	InitialCommand string            `json:"initialCommand,omitempty"`
	WorkingDir     string            `json:"workingDir"`
	ClientID       string            `json:"clientId"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

var validWorkerTypes = map[store.WorkerType]bool{
	store.WorkerClaude:       true,
	store.WorkerCodex:        true,
	store.WorkerGemini:       true,
	store.WorkerOllamaLaunch: true,
	store.WorkerRev:          true,
	store.WorkerVNC:          true,
	store.WorkerHandsOn:      true,
}

func (h *Handler) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteAppError(w, apperr.New(apperr.ValidationBadShape, "malformed run body"))
		return
	}
	if !validWorkerTypes[store.WorkerType(req.WorkerType)] {
		httputil.WriteAppError(w, apperr.WithFields(apperr.ValidationBadShape, "unknown worker type", "workerType"))
		return
	}
	if req.WorkingDir == "" {
		httputil.WriteAppError(w, apperr.WithFields(apperr.ValidationBadShape, "workingDir is required", "workingDir"))
		return
	}

	token, err := signing.GenerateCapabilityToken()
	if err != nil {
		httputil.WriteAppError(w, apperr.Wrap(apperr.Internal, err, "generating capability token"))
		return
	}

	run := store.Run{
		ID:              uuid.NewString(),
		Status:          store.RunPending,
		WorkerType:      store.WorkerType(req.WorkerType),
		Model:           req.Model,
		InitialCommand:  req.InitialCommand,
		WorkingDir:      req.WorkingDir,
		ClientID:        req.ClientID,
		CapabilityToken: token,
		Metadata:        req.Metadata,
	}
	if err := h.Store.InsertRun(r.Context(), run); err != nil {
		httputil.WriteAppError(w, apperr.Wrap(apperr.Internal, err, "creating run"))
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, run)
}

func (h *Handler) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.Store.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, run)
}

// handleGetTrace serves GET /api/runs/{id}/trace: the spans recorded
// for this run's HTTP activity, read back from the Gateway's own
// trace store (wired up only when tracing is enabled).
func (h *Handler) handleGetTrace(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if _, err := h.Store.GetRun(r.Context(), runID); err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	if h.TraceStore == nil {
		httputil.WriteAppError(w, apperr.New(apperr.NotFoundRun, "tracing is not enabled on this gateway"))
		return
	}

	traceID, err := h.TraceStore.GetTraceByRunID(r.Context(), runID)
	if err != nil {
		httputil.WriteAppError(w, apperr.Wrap(apperr.Internal, err, "looking up trace"))
		return
	}
	if traceID == "" {
		httputil.WriteJSON(w, http.StatusOK, map[string]any{"traceId": "", "spans": []any{}})
		return
	}

	spans, err := h.TraceStore.GetTraceSpans(r.Context(), traceID)
	if err != nil {
		httputil.WriteAppError(w, apperr.Wrap(apperr.Internal, err, "loading trace spans"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"traceId": traceID, "spans": spans})
}

func (h *Handler) handleListEvents(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if _, err := h.Store.GetRun(r.Context(), runID); err != nil {
		httputil.WriteAppError(w, err)
		return
	}

	var after int64
	if v := r.URL.Query().Get("after"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			after = n
		}
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}

	events, err := h.Store.ListEvents(r.Context(), runID, after, limit)
	if err != nil {
		httputil.WriteAppError(w, apperr.Wrap(apperr.Internal, err, "listing events"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"events": events})
}

// enqueue inserts a Command for runID after confirming the Run
// exists, and writes the created Command back to the caller.
func (h *Handler) enqueue(w http.ResponseWriter, r *http.Request, runID, payload string) {
	if _, err := h.Store.GetRun(r.Context(), runID); err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	cmd := store.Command{ID: uuid.NewString(), RunID: runID, Payload: payload}
	if err := h.Store.InsertCommand(r.Context(), cmd); err != nil {
		httputil.WriteAppError(w, apperr.Wrap(apperr.Internal, err, "enqueueing command"))
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, cmd)
}

func (h *Handler) handleStop(w http.ResponseWriter, r *http.Request) {
	h.enqueue(w, r, r.PathValue("id"), tokenStop)
}

func (h *Handler) handleHalt(w http.ResponseWriter, r *http.Request) {
	h.enqueue(w, r, r.PathValue("id"), tokenHalt)
}

func (h *Handler) handleEscape(w http.ResponseWriter, r *http.Request) {
	h.enqueue(w, r, r.PathValue("id"), tokenEsc)
}

type inputRequest struct {
	Text        string `json:"text"`
	EscapeFirst bool   `json:"escapeFirst,omitempty"`
}

func (h *Handler) handleInput(w http.ResponseWriter, r *http.Request) {
	var req inputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteAppError(w, apperr.New(apperr.ValidationBadShape, "malformed input body"))
		return
	}
	if req.Text == "" {
		httputil.WriteAppError(w, apperr.WithFields(apperr.ValidationBadShape, "text is required", "text"))
		return
	}
	text := req.Text
	if req.EscapeFirst {
		text = escapeByte + text
	}
	h.enqueue(w, r, r.PathValue("id"), "__INPUT__:"+text)
}

// handleRestart stops the named Run and starts a fresh one cloning
// its worker configuration, giving the operator console a single
// call for "stop this and run it again" rather than composing stop +
// create itself.
func (h *Handler) handleRestart(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	old, err := h.Store.GetRun(r.Context(), runID)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}

	stopCmd := store.Command{ID: uuid.NewString(), RunID: runID, Payload: tokenStop}
	if err := h.Store.InsertCommand(r.Context(), stopCmd); err != nil {
		httputil.WriteAppError(w, apperr.Wrap(apperr.Internal, err, "enqueueing stop command"))
		return
	}

	token, err := signing.GenerateCapabilityToken()
	if err != nil {
		httputil.WriteAppError(w, apperr.Wrap(apperr.Internal, err, "generating capability token"))
		return
	}
	next := store.Run{
		ID:              uuid.NewString(),
		Status:          store.RunPending,
		WorkerType:      old.WorkerType,
		Model:           old.Model,
		InitialCommand:  old.InitialCommand,
		WorkingDir:      old.WorkingDir,
		ClientID:        old.ClientID,
		CapabilityToken: token,
		Metadata:        old.Metadata,
	}
	if err := h.Store.InsertRun(r.Context(), next); err != nil {
		httputil.WriteAppError(w, apperr.Wrap(apperr.Internal, err, "creating restarted run"))
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, next)
}

func (h *Handler) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := h.Store.ListAlerts(r.Context(), r.URL.Query().Get("runId"))
	if err != nil {
		httputil.WriteAppError(w, apperr.Wrap(apperr.Internal, err, "listing alerts"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

func (h *Handler) handleAcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.AcknowledgeAlert(r.Context(), r.PathValue("id")); err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}

// handleHealth reports liveness plus the connection-level detail
// spec.md §5's supplemented health endpoint calls for: Subscription
// hub viewer count, Tunnel broker active-tunnel count, and Store
// connectivity.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	storeOK := true
	if err := h.Store.Ping(r.Context()); err != nil {
		status = "degraded"
		storeOK = false
	}

	body := map[string]any{
		"status":  status,
		"store":   storeOK,
		"viewers": 0,
		"tunnels": 0,
	}
	if h.Hub != nil {
		body["viewers"] = h.Hub.ViewerCount()
	}
	if h.Tunnel != nil {
		body["tunnels"] = len(h.Tunnel.Stats())
		body["tunnelsTotal"] = h.Tunnel.TotalTunnels()
	}
	httputil.WriteJSON(w, http.StatusOK, body)
}
