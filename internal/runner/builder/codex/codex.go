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

// Package codex builds argv for the Codex CLI.
package codex

import (
	"strings"

	"github.com/tombee/remoterun/internal/runner/builder"
)

// Binary is the CLI executable name the supervisor looks up on PATH.
const Binary = "codex"

// Build constructs argv for one Codex turn, using "resume --last"
// instead of "exec" when input.Resuming is set.
func Build(input builder.Input, autonomous bool) (argv []string, display string) {
	parts := []string{Binary}

	if input.Resuming {
		argv = []string{"resume", "--last"}
		parts = append(parts, "resume", "--last")
	} else {
		argv = []string{"exec"}
		parts = append(parts, "exec")
	}

	if input.Prompt != "" {
		argv = append(argv, input.Prompt)
		parts = append(parts, input.Prompt)
	}

	return argv, strings.Join(parts, " ")
}
