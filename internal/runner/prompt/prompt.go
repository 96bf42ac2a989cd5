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

// Package prompt detects when a wrapped agent's output is a blocking
// interactive prompt, per spec.md §4.7, so the Runner can surface a
// prompt_waiting Event instead of silently stalling.
package prompt

import (
	"regexp"
	"strings"
)

type signature struct {
	label   string
	pattern *regexp.Regexp
}

var signatures = []signature{
	{"yn_bracket", regexp.MustCompile(`\[[Yy]/[Nn]\]`)},
	{"yn_paren", regexp.MustCompile(`\(y/N\)`)},
	{"trailing_question", regexp.MustCompile(`\?\s*$`)},
	{"continue", regexp.MustCompile(`(?i)continue\?`)},
	{"press_enter", regexp.MustCompile(`(?i)press enter to continue`)},
	{"type_yes", regexp.MustCompile(`(?i)type '?\[?yes\]?'? to continue`)},
	{"are_you_sure", regexp.MustCompile(`(?i)are you sure`)},
	{"would_you_like", regexp.MustCompile(`(?i)would you like`)},
	{"should_i", regexp.MustCompile(`(?i)should i`)},
	{"do_you_want", regexp.MustCompile(`(?i)do you want me to`)},
	{"confirm_proceed", regexp.MustCompile(`(?i)(confirm|allow|proceed) with`)},
}

// Detect reports whether chunk looks like a blocking prompt, and if
// so returns a short type label (carried on the prompt_waiting Event)
// describing which pattern matched.
func Detect(chunk string) (promptType string, waiting bool) {
	trimmed := strings.TrimRight(chunk, "\n\r \t")
	for _, sig := range signatures {
		if sig.pattern.MatchString(trimmed) {
			return sig.label, true
		}
	}
	return "", false
}
