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

// Package ollama builds argv for ollama-launch, which starts one of a
// fixed set of coding-agent integrations against a local model.
package ollama

import (
	"strings"

	"github.com/tombee/remoterun/internal/runner/builder"
)

// Binary is the CLI executable name the supervisor looks up on PATH.
const Binary = "ollama"

// Integrations lists the sub-tools ollama-launch accepts, per
// spec.md §4.8. The Runner CLI maps both worker names "ollama" and
// "ollama-launch" to this builder.
var Integrations = []string{"claude", "opencode", "codex", "droid"}

// DefaultIntegration is used when Input.Integration is empty.
const DefaultIntegration = "claude"

// Build constructs argv for one ollama-launch invocation.
func Build(input builder.Input, autonomous bool) (argv []string, display string) {
	integration := input.Integration
	if integration == "" {
		integration = DefaultIntegration
	}

	argv = []string{"launch", integration}
	if input.Model != "" {
		argv = append(argv, "--model", input.Model)
	}
	if input.Prompt != "" {
		argv = append(argv, input.Prompt)
	}

	return argv, strings.Join(append([]string{Binary}, argv...), " ")
}

// IsKnownIntegration reports whether name is one of the fixed
// integrations ollama-launch supports.
func IsKnownIntegration(name string) bool {
	for _, i := range Integrations {
		if i == name {
			return true
		}
	}
	return false
}
