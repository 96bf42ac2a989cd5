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

// Package redact scrubs likely secrets out of child-process output
// before it is shipped to the Gateway as a stdout/stderr Event, per
// spec.md §4.7's stream-capture step. The raw, unredacted bytes are
// still appended to the Runner's on-disk log file.
package redact

import "regexp"

var patterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|secret|password|token|auth|bearer|credential)\s*[:=]\s*\S+`),
	regexp.MustCompile(`(?i)bearer\s+\S+`),
	regexp.MustCompile(`sk-[A-Za-z0-9]{10,}`),
	regexp.MustCompile(`ghp_[A-Za-z0-9]{10,}`),
	regexp.MustCompile(`ghs_[A-Za-z0-9]{10,}`),
	regexp.MustCompile(`npm_[A-Za-z0-9]{10,}`),
	regexp.MustCompile(`(?s)-----BEGIN [A-Z ]*PRIVATE KEY-----.*?-----END [A-Z ]*PRIVATE KEY-----`),
}

const mask = "[REDACTED]"

// Redact returns chunk with every matched secret pattern replaced by
// a fixed mask. It never changes chunk's length-independence: callers
// must not assume the output is the same length as the input.
func Redact(chunk []byte) []byte {
	out := chunk
	for _, p := range patterns {
		out = p.ReplaceAll(out, []byte(mask))
	}
	return out
}

// RedactString is a string convenience wrapper around Redact.
func RedactString(s string) string {
	return string(Redact([]byte(s)))
}
