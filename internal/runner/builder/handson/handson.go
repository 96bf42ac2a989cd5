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

// Package handson builds argv for the hands-on worker: the operator's
// own shell, started interactively. Only argv is built here; the
// supervisor spawns the shell like every other worker, with stdin,
// stdout and stderr piped, so the shell does not read from the
// Runner's controlling terminal.
package handson

import (
	"strings"

	"github.com/tombee/remoterun/internal/runner/builder"
)

// DefaultShell is used when neither Input.ShellCommand nor Input.Shell
// is set.
const DefaultShell = "/bin/sh"

// Build returns the interactive shell argv. If input.ShellCommand is
// set it is used verbatim; otherwise input.Shell (resolved by the
// Runner CLI from $SHELL, falling back to DefaultShell) is started
// with "-i".
func Build(input builder.Input, autonomous bool) (argv []string, display string) {
	if len(input.ShellCommand) > 0 {
		return input.ShellCommand, strings.Join(input.ShellCommand, " ")
	}

	shell := input.Shell
	if shell == "" {
		shell = DefaultShell
	}
	argv = []string{shell, "-i"}
	return argv, strings.Join(argv, " ")
}
