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

// Package ingest implements the Runner-facing write path, per
// spec.md §4.3: signed event and artifact uploads, authenticated by
// both the request signature and a (run_id, capability_token) pair
// that must match the stored Run.
package ingest

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/tombee/remoterun/internal/apperr"
	"github.com/tombee/remoterun/internal/gateway/auth"
	"github.com/tombee/remoterun/internal/gateway/httputil"
	"github.com/tombee/remoterun/internal/signing"
	"github.com/tombee/remoterun/internal/store"
)

// MaxArtifactBytes is the default per-upload cap spec.md §9 names for
// artifact storage.
const MaxArtifactBytes = 50 << 20

// Publisher hands a freshly committed Event to the Subscription hub.
// Defined here, implemented by internal/gateway/hub, so ingest does
// not import hub.
type Publisher interface {
	Publish(runID string, event store.Event)
}

// Handler serves the ingest endpoints.
type Handler struct {
	Store            *store.Store
	Hub              Publisher
	ArtifactDir      string
	MaxArtifactBytes int64
}

// NewHandler constructs a Handler with spec.md's default artifact cap.
func NewHandler(s *store.Store, hub Publisher, artifactDir string) *Handler {
	return &Handler{Store: s, Hub: hub, ArtifactDir: artifactDir, MaxArtifactBytes: MaxArtifactBytes}
}

// RegisterRoutes registers the ingest routes on mux, wrapping each
// with the signed-request middleware.
func (h *Handler) RegisterRoutes(mux *http.ServeMux, mw *auth.Middleware) {
	mux.HandleFunc("POST /api/ingest/event", mw.Wrap(h.handleEvent))
	mux.HandleFunc("POST /api/ingest/artifact", mw.Wrap(h.handleArtifact))
}

type eventRequest struct {
	Type     string  `json:"type"`
	Data     string  `json:"data"`
	Sequence *int64  `json:"sequence,omitempty"`
}

// handleEvent handles POST /api/ingest/event.
func (h *Handler) handleEvent(w http.ResponseWriter, r *http.Request) {
	runID := auth.RunIDFromContext(r.Context())
	if runID == "" {
		httputil.WriteAppError(w, apperr.New(apperr.AuthRunTokenMismatch, "request carries no run id"))
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

	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteAppError(w, apperr.New(apperr.ValidationBadShape, "malformed event body"))
		return
	}
	if req.Type == "" {
		httputil.WriteAppError(w, apperr.WithFields(apperr.ValidationBadShape, "type is required", "type"))
		return
	}
	if !store.EventType(req.Type).Valid() {
		httputil.WriteAppError(w, apperr.WithFields(apperr.ValidationBadShape, "unknown event type: "+req.Type, "type"))
		return
	}
	if len(req.Data) > store.MaxEventPayloadBytes {
		httputil.WriteAppError(w, apperr.New(apperr.PayloadTooLarge, "event payload exceeds the 1 MiB cap"))
		return
	}

	id, err := h.Store.AppendEvent(r.Context(), runID, store.EventType(req.Type), []byte(req.Data), req.Sequence)
	if err != nil {
		httputil.WriteAppError(w, apperr.Wrap(apperr.Internal, err, "appending event"))
		return
	}

	event := store.Event{ID: id, RunID: runID, Type: store.EventType(req.Type), Data: []byte(req.Data), ProducerSeq: req.Sequence}
	if h.Hub != nil {
		h.Hub.Publish(runID, event)
	}

	httputil.WriteJSON(w, http.StatusAccepted, map[string]any{"eventId": id})
}

// handleArtifact handles POST /api/ingest/artifact: a streaming
// multipart upload capped at MaxArtifactBytes, written to a
// per-run directory and recorded as an Artifact row.
func (h *Handler) handleArtifact(w http.ResponseWriter, r *http.Request) {
	runID := auth.RunIDFromContext(r.Context())
	if runID == "" {
		httputil.WriteAppError(w, apperr.New(apperr.AuthRunTokenMismatch, "request carries no run id"))
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

	r.Body = http.MaxBytesReader(w, r.Body, h.MaxArtifactBytes)
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		httputil.WriteAppError(w, apperr.New(apperr.PayloadTooLarge, "artifact exceeds the configured upload cap"))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		httputil.WriteAppError(w, apperr.New(apperr.ValidationBadShape, "multipart field \"file\" is required"))
		return
	}
	defer file.Close()

	runDir := filepath.Join(h.ArtifactDir, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		httputil.WriteAppError(w, apperr.Wrap(apperr.Internal, err, "creating artifact directory"))
		return
	}

	artifactID := uuid.NewString()
	destPath := filepath.Join(runDir, artifactID+"-"+filepath.Base(header.Filename))

	dest, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		httputil.WriteAppError(w, apperr.Wrap(apperr.Internal, err, "creating artifact file"))
		return
	}
	defer dest.Close()

	written, err := io.Copy(dest, file)
	if err != nil {
		os.Remove(destPath)
		httputil.WriteAppError(w, apperr.New(apperr.PayloadTooLarge, "artifact exceeds the configured upload cap"))
		return
	}

	artifact := store.Artifact{
		ID:       artifactID,
		RunID:    runID,
		Name:     header.Filename,
		MimeType: header.Header.Get("Content-Type"),
		ByteSize: written,
		Path:     destPath,
	}
	if err := h.Store.InsertArtifact(r.Context(), artifact); err != nil {
		os.Remove(destPath)
		httputil.WriteAppError(w, apperr.Wrap(apperr.Internal, err, "recording artifact"))
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, map[string]any{"artifactId": artifactID, "byteSize": written})
}

// checkCapabilityToken compares the X-Capability-Token header against
// the Run's stored token, in constant time via signing's own
// comparison semantics — a mismatch is spec.md §4.3's 403 case.
func checkCapabilityToken(run store.Run, r *http.Request) error {
	token := r.Header.Get(signing.HeaderCapToken)
	if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(run.CapabilityToken)) != 1 {
		return apperr.New(apperr.AuthRunTokenMismatch, fmt.Sprintf("capability token mismatch for run %s", run.ID))
	}
	return nil
}
