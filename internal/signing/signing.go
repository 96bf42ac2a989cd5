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

// Package signing implements the HMAC-SHA256 request-signing primitive
// shared by the Gateway and every Runner. It has no knowledge of HTTP,
// storage, or replay state — Sign and Verify are pure functions of
// their inputs so they can run without a suspension point.
package signing

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// MinSecretLen is the minimum accepted length, in bytes, of a signing
// secret. The Gateway refuses to start with a configured secret
// shorter than this.
const MinSecretLen = 32

// Fields is the exact set of values folded into a signature. All
// fields are mandatory in the tuple even when empty (RunID and
// CapabilityToken are empty for console-originated requests).
type Fields struct {
	Method          string
	Path            string
	Body            []byte
	Timestamp       int64
	Nonce           string
	RunID           string
	CapabilityToken string
}

// canonical builds the newline-joined tuple that gets HMAC'd:
//
//	UPPER(method) \n path \n hex(sha256(body)) \n ascii(timestamp) \n nonce \n run_id \n capability_token
func canonical(f Fields) []byte {
	bodyHash := sha256.Sum256(f.Body)
	parts := []string{
		strings.ToUpper(f.Method),
		f.Path,
		hex.EncodeToString(bodyHash[:]),
		strconv.FormatInt(f.Timestamp, 10),
		f.Nonce,
		f.RunID,
		f.CapabilityToken,
	}
	return []byte(strings.Join(parts, "\n"))
}

// Sign returns the hex-encoded HMAC-SHA256 of the canonical tuple for
// f, keyed by secret.
func Sign(secret []byte, f Fields) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(canonical(f))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether sig is the correct signature for f under
// secret, using a constant-time comparison to avoid timing side
// channels.
func Verify(secret []byte, f Fields, sig string) bool {
	want := Sign(secret, f)
	return subtle.ConstantTimeCompare([]byte(want), []byte(sig)) == 1
}

// GenerateSecret returns a fresh random secret of MinSecretLen bytes,
// suitable for HMAC_SECRET. The Gateway's own ephemeral-secret path
// uses GenerateCapabilityToken, not this function, and the Gateway has
// no mode that refuses to start without a configured secret.
func GenerateSecret() ([]byte, error) {
	b := make([]byte, MinSecretLen)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generating signing secret: %w", err)
	}
	return b, nil
}

// GenerateNonce returns a fresh random nonce, hex-encoded.
func GenerateNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// GenerateCapabilityToken returns a fresh 32-byte random capability
// token, hex-encoded, per spec.md §3's Run.capability_token field.
func GenerateCapabilityToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating capability token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
