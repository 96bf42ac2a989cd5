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

// Package gemini builds argv for the Gemini CLI.
package gemini

import (
	"strings"

	"github.com/tombee/remoterun/internal/runner/builder"
)

// Binary is the CLI executable name the supervisor looks up on PATH.
const Binary = "gemini"

// defaultOutputFormat is used when Input leaves OutputFormat empty;
// the approval-mode default is chosen in Build.
const (
	defaultOutputFormat = "json"
)

// Build constructs argv for one Gemini turn. approvalMode defaults to
// "auto_edit" when autonomous and "default" otherwise, unless the
// caller overrides it via Input.ApprovalMode.
func Build(input builder.Input, autonomous bool) (argv []string, display string) {
	format := input.OutputFormat
	if format == "" {
		format = defaultOutputFormat
	}

	mode := input.ApprovalMode
	if mode == "" {
		if autonomous {
			mode = "auto_edit"
		} else {
			mode = "default"
		}
	}

	argv = []string{"--output-format", format}
	if input.Model != "" {
		argv = append(argv, "--model", input.Model)
	}
	if input.Prompt != "" {
		argv = append(argv, "--prompt", input.Prompt)
	}
	argv = append(argv, "--approval-mode", mode)

	return argv, strings.Join(append([]string{Binary}, argv...), " ")
}
