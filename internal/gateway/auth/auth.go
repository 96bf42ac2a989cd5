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

// Package auth wraps Gateway HTTP handlers with the signed-request
// verifier from internal/signing, per spec.md §4.1, and a per-client
// rate limiter to keep one noisy Runner from starving others.
package auth

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tombee/remoterun/internal/apperr"
	"github.com/tombee/remoterun/internal/gateway/httputil"
	"github.com/tombee/remoterun/internal/signing"
)

// MaxRequestBodyBytes caps how much of a request body the verifier
// will hash. It equals the 50 MiB artifact cap, the larger of spec.md
// §6's two upload caps; the event endpoint applies its own 1 MiB cap
// to the decoded payload.
const MaxRequestBodyBytes = 50 << 20

type contextKey int

const runIDContextKey contextKey = iota

// RunIDFromContext returns the run id a signed request carried, if
// any.
func RunIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(runIDContextKey).(string)
	return id
}

// Middleware verifies every request's signature, clock skew, and
// nonce freshness before calling the wrapped handler.
type Middleware struct {
	verifier *signing.Verifier
	limiters *perKeyLimiters
}

// NewMiddleware constructs a Middleware around verifier, rate
// limiting each run id (or the remote address for unsigned-origin
// requests) to rps requests per second with the given burst.
func NewMiddleware(verifier *signing.Verifier, rps float64, burst int) *Middleware {
	return &Middleware{
		verifier: verifier,
		limiters: newPerKeyLimiters(rps, burst),
	}
}

// Wrap returns next guarded by signature verification and rate
// limiting.
func (m *Middleware) Wrap(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestBodyBytes))
		if err != nil {
			httputil.WriteError(w, http.StatusBadRequest, "failed to read request body")
			return
		}
		r.Body.Close()

		runID := r.Header.Get(signing.HeaderRunID)

		key := runID
		if key == "" {
			key = r.RemoteAddr
		}
		if !m.limiters.allow(key) {
			httputil.WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		ts, err := strconv.ParseInt(r.Header.Get(signing.HeaderTimestamp), 10, 64)
		if err != nil {
			httputil.WriteAppError(w, apperr.New(apperr.AuthSignatureInvalid, "missing or malformed timestamp header"))
			return
		}

		fields := signing.Fields{
			Method:          r.Method,
			Path:            r.URL.Path,
			Body:            body,
			Timestamp:       ts,
			Nonce:           r.Header.Get(signing.HeaderNonce),
			RunID:           runID,
			CapabilityToken: r.Header.Get(signing.HeaderCapToken),
		}
		sig := r.Header.Get(signing.HeaderSignature)

		if err := m.verifier.VerifyRequest(r.Context(), fields, sig, time.Now()); err != nil {
			httputil.WriteAppError(w, err)
			return
		}

		ctx := context.WithValue(r.Context(), runIDContextKey, runID)
		r = r.WithContext(ctx)
		r.Body = io.NopCloser(bytes.NewReader(body))
		next(w, r)
	}
}

// perKeyLimiters holds one token-bucket rate.Limiter per key (a Run
// id or, for console-originated requests, a remote address).
type perKeyLimiters struct {
	mu       sync.Mutex
	byKey    map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func newPerKeyLimiters(rps float64, burst int) *perKeyLimiters {
	if rps <= 0 {
		rps = 20
	}
	if burst <= 0 {
		burst = 40
	}
	return &perKeyLimiters{byKey: make(map[string]*rate.Limiter), rps: rate.Limit(rps), burst: burst}
}

func (p *perKeyLimiters) allow(key string) bool {
	p.mu.Lock()
	l, ok := p.byKey[key]
	if !ok {
		l = rate.NewLimiter(p.rps, p.burst)
		p.byKey[key] = l
	}
	p.mu.Unlock()
	return l.Allow()
}
