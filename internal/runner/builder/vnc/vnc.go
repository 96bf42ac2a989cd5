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

// Package vnc builds argv for the VNC worker, which starts a
// framebuffer server with no stdin; its video frames flow through the
// Tunnel broker instead of the Event log. x11vnc is preferred over
// vncserver when both are installed.
package vnc

import "github.com/tombee/remoterun/internal/runner/builder"

// Binaries lists the servers Build will try, in preference order.
// The Runner CLI is responsible for PATH lookup and falling back to
// the next entry.
var Binaries = []string{"x11vnc", "vncserver"}

// Build returns argv for the preferred binary. The caller resolves
// which of Binaries is actually present; bin is the one it picked.
func Build(bin string, input builder.Input, autonomous bool) (argv []string, display string) {
	switch bin {
	case "x11vnc":
		argv = []string{"-forever", "-shared", "-rfbport", "5900"}
	case "vncserver":
		argv = []string{":1"}
	default:
		argv = nil
	}
	return argv, bin
}
