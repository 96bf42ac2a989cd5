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

// Package builder defines the shared Input a per-worker command
// builder consumes, per spec.md §4.8. Each worker family's Build
// function is a pure function of (Input, autonomous): no I/O, no
// environment reads — the supervisor applies environment variables
// and spawns the process.
package builder

// Input carries everything a builder needs to produce an argv and a
// human-readable display string for one launch of a worker.
type Input struct {
	// Prompt is the text handed to the agent for this turn, if any.
	Prompt string
	// Model selects a specific model identifier, if the worker
	// supports one. Empty means "let the CLI pick its default."
	Model string
	// Resuming is true when this launch should continue a prior
	// session instead of starting fresh.
	Resuming bool
	// OutputFormat selects the worker's structured-output mode
	// (gemini's --output-format), if applicable.
	OutputFormat string
	// ApprovalMode selects the worker's autonomy/approval mode
	// (gemini's --approval-mode), if applicable.
	ApprovalMode string
	// Integration names the sub-tool ollama-launch should start
	// (claude, opencode, codex, droid).
	Integration string
	// ShellCommand is the argv the hands-on worker execs as the
	// operator's interactive shell.
	ShellCommand []string
	// Shell is the resolved $SHELL the Runner CLI passes in, used when
	// ShellCommand is empty, since builders themselves never read the
	// environment.
	Shell string
}

// Build is the capability every worker family implements: a pure
// function from (Input, autonomous) to the argv to exec and a short
// display string describing the launch.
type Build func(input Input, autonomous bool) (argv []string, display string)
