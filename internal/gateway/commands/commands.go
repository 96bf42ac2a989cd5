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

// Package commands serves the Runner-facing side of the Command
// outbox, per spec.md §4.5: a signed poll for the pending tail and a
// signed, idempotent ack.
package commands

import (
	"encoding/json"
	"net/http"

	"github.com/tombee/remoterun/internal/apperr"
	"github.com/tombee/remoterun/internal/gateway/auth"
	"github.com/tombee/remoterun/internal/gateway/httputil"
	"github.com/tombee/remoterun/internal/signing"
	"github.com/tombee/remoterun/internal/store"
)

// Completer notifies a run's viewers that a Command finished, per
// spec.md §8 scenario 4. Implemented by *hub.Hub.
type Completer interface {
	BroadcastCommandCompleted(runID, commandID, result string)
}

// Handler serves the Runner-facing command endpoints.
type Handler struct {
	Store *store.Store
	Hub   Completer
}

// NewHandler constructs a Handler.
func NewHandler(s *store.Store, hub Completer) *Handler {
	return &Handler{Store: s, Hub: hub}
}

// RegisterRoutes registers the Runner-facing command routes, wrapped
// in the signed-request middleware.
func (h *Handler) RegisterRoutes(mux *http.ServeMux, mw *auth.Middleware) {
	mux.HandleFunc("GET /api/runs/{id}/commands", mw.Wrap(h.handlePending))
	mux.HandleFunc("POST /api/runs/{id}/commands/{cmdId}/ack", mw.Wrap(h.handleAck))
}

// handlePending handles GET /api/runs/{id}/commands, returning the
// pending tail, FIFO by creation time. The same set is returned on
// every poll until acked — the Runner owns dedup (spec.md §4.7).
func (h *Handler) handlePending(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if err := authorizeRun(r, runID); err != nil {
		httputil.WriteAppError(w, err)
		return
	}

	run, err := h.Store.GetRun(r.Context(), runID)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	if err := checkCapabilityToken(run, r); err != nil {
		httputil.WriteAppError(w, err)
		return
	}

	cmds, err := h.Store.NextPendingCommands(r.Context(), runID, 0)
	if err != nil {
		httputil.WriteAppError(w, apperr.Wrap(apperr.Internal, err, "listing pending commands"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"commands": cmds})
}

type ackRequest struct {
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// handleAck handles POST /api/runs/{id}/commands/{cmdId}/ack. A
// second ack for an already-acked command returns success without
// further state change, per spec.md §4.5's idempotency rule.
func (h *Handler) handleAck(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	cmdID := r.PathValue("cmdId")
	if err := authorizeRun(r, runID); err != nil {
		httputil.WriteAppError(w, err)
		return
	}

	run, err := h.Store.GetRun(r.Context(), runID)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	if err := checkCapabilityToken(run, r); err != nil {
		httputil.WriteAppError(w, err)
		return
	}

	cmd, err := h.Store.GetCommand(r.Context(), cmdID)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	if cmd.RunID != runID {
		httputil.WriteAppError(w, apperr.New(apperr.NotFoundCommand, cmdID))
		return
	}

	var req ackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteAppError(w, apperr.New(apperr.ValidationBadShape, "malformed ack body"))
		return
	}

	result := store.TruncateResult(req.Result)
	if _, err := h.Store.AckCommand(r.Context(), cmdID, result, req.Error); err != nil {
		httputil.WriteAppError(w, apperr.Wrap(apperr.Internal, err, "acking command"))
		return
	}
	if h.Hub != nil {
		h.Hub.BroadcastCommandCompleted(runID, cmdID, result)
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "acked"})
}

// authorizeRun confirms the signed request's run id header matches
// the path's run id; a signed request for a different run is a
// spec.md §4.3 403, not a 401 (the signature itself is valid).
func authorizeRun(r *http.Request, pathRunID string) error {
	headerRunID := auth.RunIDFromContext(r.Context())
	if headerRunID == "" || headerRunID != pathRunID {
		return apperr.New(apperr.AuthRunTokenMismatch, "signed run id does not match path")
	}
	return nil
}

func checkCapabilityToken(run store.Run, r *http.Request) error {
	token := r.Header.Get(signing.HeaderCapToken)
	if token == "" || token != run.CapabilityToken {
		return apperr.New(apperr.AuthRunTokenMismatch, "capability token mismatch for run "+run.ID)
	}
	return nil
}
