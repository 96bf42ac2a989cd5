package auth

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tombee/remoterun/internal/signing"
)

type fakeNonces struct {
	seen map[string]bool
}

func (f *fakeNonces) ConsumeNonce(ctx context.Context, nonce string, now time.Time) (bool, error) {
	if f.seen == nil {
		f.seen = make(map[string]bool)
	}
	if f.seen[nonce] {
		return true, nil
	}
	f.seen[nonce] = true
	return false, nil
}

func signedRequest(t *testing.T, secret []byte, method, path string, body []byte, ts int64, nonce, runID string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, path, io.NopCloser(bytes.NewReader(body)))
	fields := signing.Fields{Method: method, Path: path, Body: body, Timestamp: ts, Nonce: nonce, RunID: runID}
	sig := signing.Sign(secret, fields)
	req.Header.Set(signing.HeaderSignature, sig)
	req.Header.Set(signing.HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(signing.HeaderNonce, nonce)
	if runID != "" {
		req.Header.Set(signing.HeaderRunID, runID)
	}
	return req
}

func TestWrapAcceptsValidSignature(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")
	verifier := signing.NewVerifier(secret, &fakeNonces{})
	mw := NewMiddleware(verifier, 100, 100)

	called := false
	handler := mw.Wrap(func(w http.ResponseWriter, r *http.Request) {
		called = true
		require.Equal(t, "run-1", RunIDFromContext(r.Context()))
		w.WriteHeader(http.StatusOK)
	})

	req := signedRequest(t, secret, http.MethodPost, "/api/ingest/event", []byte(`{"type":"stdout"}`), time.Now().Unix(), "nonce-1", "run-1")
	rec := httptest.NewRecorder()
	handler(rec, req)

	require.True(t, called)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestWrapRejectsBadSignature(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")
	verifier := signing.NewVerifier(secret, &fakeNonces{})
	mw := NewMiddleware(verifier, 100, 100)

	handler := mw.Wrap(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	})

	req := signedRequest(t, secret, http.MethodPost, "/api/ingest/event", []byte(`{}`), time.Now().Unix(), "nonce-2", "run-1")
	req.Header.Set(signing.HeaderSignature, "deadbeef")
	rec := httptest.NewRecorder()
	handler(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWrapRejectsReplayedNonce(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")
	verifier := signing.NewVerifier(secret, &fakeNonces{})
	mw := NewMiddleware(verifier, 100, 100)

	handler := mw.Wrap(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	req1 := signedRequest(t, secret, http.MethodPost, "/api/ingest/event", []byte(`{}`), time.Now().Unix(), "nonce-3", "run-1")
	rec1 := httptest.NewRecorder()
	handler(rec1, req1)
	require.Equal(t, http.StatusOK, rec1.Code)

	req2 := signedRequest(t, secret, http.MethodPost, "/api/ingest/event", []byte(`{}`), time.Now().Unix(), "nonce-3", "run-1")
	rec2 := httptest.NewRecorder()
	handler(rec2, req2)
	require.Equal(t, http.StatusUnauthorized, rec2.Code)
}

func TestWrapRateLimitsPerRunID(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")
	verifier := signing.NewVerifier(secret, &fakeNonces{})
	mw := NewMiddleware(verifier, 1, 1)

	handler := mw.Wrap(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	req1 := signedRequest(t, secret, http.MethodPost, "/api/ingest/event", []byte(`{}`), time.Now().Unix(), "nonce-4", "run-1")
	rec1 := httptest.NewRecorder()
	handler(rec1, req1)
	require.Equal(t, http.StatusOK, rec1.Code)

	req2 := signedRequest(t, secret, http.MethodPost, "/api/ingest/event", []byte(`{}`), time.Now().Unix(), "nonce-5", "run-1")
	rec2 := httptest.NewRecorder()
	handler(rec2, req2)
	require.Equal(t, http.StatusTooManyRequests, rec2.Code)
}
