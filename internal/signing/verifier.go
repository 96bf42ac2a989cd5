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

package signing

import (
	"context"
	"time"

	"github.com/tombee/remoterun/internal/apperr"
)

// NonceChecker is the replay guard's contract: ConsumeNonce must
// atomically test-and-insert nonce, returning replay=true if it was
// already present. Implemented by internal/store.
type NonceChecker interface {
	ConsumeNonce(ctx context.Context, nonce string, now time.Time) (replay bool, err error)
}

// Verifier ties the pure Sign/Verify primitive to the replay guard and
// clock-skew policy spec.md §4.1 describes. It holds the process-wide
// signing secret; construct one per process, not per request.
type Verifier struct {
	Secret    []byte
	Nonces    NonceChecker
	SkewTolerance time.Duration
}

// DefaultSkewTolerance is the clock-skew window spec.md §4.1 names.
const DefaultSkewTolerance = 300 * time.Second

// NewVerifier constructs a Verifier with the default skew tolerance.
func NewVerifier(secret []byte, nonces NonceChecker) *Verifier {
	return &Verifier{Secret: secret, Nonces: nonces, SkewTolerance: DefaultSkewTolerance}
}

// VerifyRequest checks signature correctness, clock skew, and replay,
// in that order, and inserts the nonce into the replay guard only on
// full acceptance. It returns an *apperr.Error with the exact Kind
// spec.md §7 assigns to each failure mode.
func (v *Verifier) VerifyRequest(ctx context.Context, f Fields, sig string, now time.Time) error {
	if !Verify(v.Secret, f, sig) {
		return apperr.New(apperr.AuthSignatureInvalid, "signature does not match request")
	}

	skew := now.Unix() - f.Timestamp
	if skew < 0 {
		skew = -skew
	}
	if time.Duration(skew)*time.Second > v.SkewTolerance {
		return apperr.New(apperr.AuthClockSkew, "timestamp outside clock-skew tolerance")
	}

	replay, err := v.Nonces.ConsumeNonce(ctx, f.Nonce, now)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "consuming nonce")
	}
	if replay {
		return apperr.New(apperr.AuthNonceReplay, "nonce already consumed")
	}

	return nil
}
