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

// Package rev builds argv for the Rev CLI agent. Rev takes its
// initial command as-is, with no flag translation, per spec.md §4.8's
// "passthrough" argv shape.
package rev

import (
	"strings"

	"github.com/tombee/remoterun/internal/runner/builder"
)

// Binary is the CLI executable name the supervisor looks up on PATH.
const Binary = "rev"

// Build passes input.Prompt straight through as the sole argument.
func Build(input builder.Input, autonomous bool) (argv []string, display string) {
	if input.Prompt == "" {
		return nil, Binary
	}
	argv = []string{input.Prompt}
	return argv, strings.Join([]string{Binary, input.Prompt}, " ")
}
