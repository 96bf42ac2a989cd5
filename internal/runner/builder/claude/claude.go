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

// Package claude builds argv for the Claude Code CLI, spawned fresh
// per input turn per spec.md §4.8 (stdin is not kept open between
// turns; each Build call produces one headless invocation).
package claude

import (
	"strings"

	"github.com/tombee/remoterun/internal/runner/builder"
)

// Binary is the CLI executable name the supervisor looks up on PATH.
const Binary = "claude"

// Build constructs argv for one headless Claude Code turn.
func Build(input builder.Input, autonomous bool) (argv []string, display string) {
	argv = []string{"--print", "--permission-mode", "acceptEdits"}

	parts := []string{Binary, "--print"}

	if input.Model != "" {
		argv = append(argv, "--model", input.Model)
		parts = append(parts, "--model", input.Model)
	}

	if input.Prompt != "" {
		argv = append(argv, input.Prompt)
		parts = append(parts, truncatedForDisplay(input.Prompt))
	}

	return argv, strings.Join(parts, " ")
}

func truncatedForDisplay(prompt string) string {
	const max = 60
	if len(prompt) <= max {
		return prompt
	}
	return prompt[:max] + "..."
}
