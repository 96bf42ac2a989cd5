package client

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tombee/remoterun/internal/signing"
)

func newTestServer(t *testing.T, secret []byte, handler func(w http.ResponseWriter, r *http.Request, body []byte)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		sig := r.Header.Get(signing.HeaderSignature)
		tsStr := r.Header.Get(signing.HeaderTimestamp)
		ts, err := strconv.ParseInt(tsStr, 10, 64)
		require.NoError(t, err)

		fields := signing.Fields{
			Method:          r.Method,
			Path:            r.URL.Path,
			Body:            body,
			Timestamp:       ts,
			Nonce:           r.Header.Get(signing.HeaderNonce),
			RunID:           r.Header.Get(signing.HeaderRunID),
			CapabilityToken: r.Header.Get(signing.HeaderCapToken),
		}
		require.True(t, signing.Verify(secret, fields, sig))

		handler(w, r, body)
	}))
}

func TestIngestEventSignsRequest(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")
	var gotBody map[string]any

	srv := newTestServer(t, secret, func(w http.ResponseWriter, r *http.Request, body []byte) {
		require.Equal(t, "/api/ingest/event", r.URL.Path)
		require.NoError(t, json.Unmarshal(body, &gotBody))
		w.WriteHeader(http.StatusOK)
	})
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Secret: secret, RunID: "run-1", CapabilityToken: "tok-1"})
	err := c.IngestEvent(t.Context(), EventPayload{Type: "stdout", Data: "hello\n"})
	require.NoError(t, err)
	require.Equal(t, "stdout", gotBody["type"])
	require.Equal(t, "hello\n", gotBody["data"])
}

func TestPendingCommandsDecodesResponse(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")

	srv := newTestServer(t, secret, func(w http.ResponseWriter, r *http.Request, body []byte) {
		require.Equal(t, http.MethodGet, r.Method)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"commands": []Command{{ID: "c1", RunID: "run-1", Payload: "__STOP__"}},
		})
	})
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Secret: secret, RunID: "run-1"})
	cmds, err := c.PendingCommands(t.Context())
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	require.Equal(t, "__STOP__", cmds[0].Payload)
}

func TestAckCommandSendsResultBody(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")
	var gotBody map[string]any

	srv := newTestServer(t, secret, func(w http.ResponseWriter, r *http.Request, body []byte) {
		require.Equal(t, "/api/runs/run-1/commands/c1/ack", r.URL.Path)
		require.NoError(t, json.Unmarshal(body, &gotBody))
		w.WriteHeader(http.StatusOK)
	})
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Secret: secret, RunID: "run-1"})
	err := c.AckCommand(t.Context(), "c1", AckPayload{Result: "done"})
	require.NoError(t, err)
	require.Equal(t, "done", gotBody["result"])
}

func TestErrorResponseSurfacesStatusAndBody(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")

	srv := newTestServer(t, secret, func(w http.ResponseWriter, r *http.Request, body []byte) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("run token mismatch"))
	})
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Secret: secret, RunID: "run-1"})
	err := c.Heartbeat(t.Context())
	require.Error(t, err)
	require.Contains(t, err.Error(), "403")
	require.Contains(t, err.Error(), "run token mismatch")
}

func TestHeartbeatUsesCurrentTimestamp(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")
	before := time.Now().Unix()

	srv := newTestServer(t, secret, func(w http.ResponseWriter, r *http.Request, body []byte) {
		ts, err := strconv.ParseInt(r.Header.Get(signing.HeaderTimestamp), 10, 64)
		require.NoError(t, err)
		require.GreaterOrEqual(t, ts, before)
		w.WriteHeader(http.StatusOK)
	})
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Secret: secret, RunID: "run-1"})
	require.NoError(t, c.Heartbeat(t.Context()))
}
