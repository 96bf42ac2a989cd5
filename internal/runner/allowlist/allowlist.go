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

// Package allowlist classifies Command payloads into the reserved
// control tokens spec.md §4.5 defines, and checks everything else
// against the operator-configured allowlist of plain shell commands a
// Runner may execute outside the agent.
package allowlist

import (
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/tombee/remoterun/internal/apperr"
)

// Reserved command payload tokens, per spec.md §4.5.
const (
	TokenStop        = "__STOP__"
	TokenHalt        = "__HALT__"
	TokenEscape      = "__ESCAPE__"
	inputPrefix      = "__INPUT__:"
	handsOnPrefix    = "__LAUNCH_HANDS_ON__:"
)

// Kind identifies what a Command payload means to the Runner.
type Kind int

const (
	KindPlain Kind = iota
	KindStop
	KindHalt
	KindEscape
	KindInput
	KindHandsOn
)

// Classified is the result of parsing a Command payload.
type Classified struct {
	Kind Kind
	// Arg holds the text after "__INPUT__:" for KindInput, or the
	// reason after "__LAUNCH_HANDS_ON__:" for KindHandsOn.
	Arg string
}

// Classify identifies which reserved token, if any, payload is.
func Classify(payload string) Classified {
	switch {
	case payload == TokenStop:
		return Classified{Kind: KindStop}
	case payload == TokenHalt:
		return Classified{Kind: KindHalt}
	case payload == TokenEscape:
		return Classified{Kind: KindEscape}
	case strings.HasPrefix(payload, inputPrefix):
		return Classified{Kind: KindInput, Arg: strings.TrimPrefix(payload, inputPrefix)}
	case strings.HasPrefix(payload, handsOnPrefix):
		return Classified{Kind: KindHandsOn, Arg: strings.TrimPrefix(payload, handsOnPrefix)}
	default:
		return Classified{Kind: KindPlain}
	}
}

// forbiddenChars are always rejected in a plain command, regardless
// of allowlist membership, per spec.md §4.5 and §8.
var forbiddenChars = []string{";", "&", "|", "`", "$", "("}

// ContainsForbidden reports whether command contains a shell
// metacharacter or a "../" path-escape sequence that spec.md §8
// requires the allowlist check to reject unconditionally.
func ContainsForbidden(command string) bool {
	if strings.Contains(command, "../") {
		return true
	}
	for _, ch := range forbiddenChars {
		if strings.Contains(command, ch) {
			return true
		}
	}
	return false
}

// Allowlist holds the set of plain commands (or command-prefixes /
// glob patterns) operators may dispatch to a Runner outside the
// agent. Guarded by one mutex per spec.md §9's "shared maps" design
// note, so EXTRA_ALLOWED_COMMANDS can be hot-reloaded from a watched
// file without restarting the Runner.
type Allowlist struct {
	mu      sync.RWMutex
	entries []string
}

// New builds an Allowlist from the given entries (exact strings,
// prefixes, or doublestar glob patterns).
func New(entries []string) *Allowlist {
	a := &Allowlist{}
	a.SetEntries(entries)
	return a
}

// SetEntries atomically replaces the allowlist contents.
func (a *Allowlist) SetEntries(entries []string) {
	cp := make([]string, len(entries))
	copy(cp, entries)
	a.mu.Lock()
	a.entries = cp
	a.mu.Unlock()
}

// Entries returns a snapshot of the current allowlist.
func (a *Allowlist) Entries() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	cp := make([]string, len(a.entries))
	copy(cp, a.entries)
	return cp
}

// Check reports whether command may be executed. A command is
// allowed if it exactly equals an allowlist entry, starts with an
// entry followed by a space, or matches an entry as a doublestar
// glob pattern — unless it contains a forbidden shell metacharacter
// or a "../" escape, which is always rejected regardless of
// allowlist membership.
func (a *Allowlist) Check(command string) error {
	if ContainsForbidden(command) {
		return apperr.WithFields(apperr.ValidationBadShape, "command contains forbidden characters", "payload")
	}

	a.mu.RLock()
	entries := a.entries
	a.mu.RUnlock()

	for _, entry := range entries {
		if command == entry || strings.HasPrefix(command, entry+" ") {
			return nil
		}
		if ok, _ := doublestar.Match(entry, command); ok {
			return nil
		}
	}
	return apperr.WithFields(apperr.ValidationBadShape, "command not in allowlist", "payload")
}
