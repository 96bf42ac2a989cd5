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

package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/remoterun/internal/lifecycle"
)

func newStopCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop RUN_ID",
		Short: "Signal a locally running \"runner start\" to stop gracefully",
		Long: `stop reads the pid file a "runner start" or "runner resume" wrote
for RUN_ID under --data-dir and sends it SIGTERM, which the Runner
handles the same way as an operator's Ctrl-C (SIGINT). This is for stopping a Runner process on
the host it's running on; stopping a Run remotely from the operator
console goes through the Gateway's POST /api/runs/{id}/stop instead,
which this process's own poll loop picks up and applies identically.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := args[0]
			dataDir, _ := cmd.Flags().GetString("data-dir")
			if dataDir == "" {
				dataDir = defaultDataDir
			}
			return stopLocalRunner(dataDir, runID)
		},
	}

	return cmd
}

func stopLocalRunner(dataDir, runID string) error {
	pidMgr := lifecycle.NewPIDFileManager(pidFilePath(dataDir, runID))
	pid, err := pidMgr.Read()
	if err != nil {
		return fmt.Errorf("cli: no running runner found for %q: %w", runID, err)
	}
	if !lifecycle.IsRunnerProcess(pid) {
		_ = pidMgr.Remove()
		return fmt.Errorf("cli: pid %d in stale pid file for %q is not a runner process, removed it", pid, runID)
	}
	if err := lifecycle.GracefulShutdown(pid, 10*time.Second, false); err != nil {
		return fmt.Errorf("cli: stop process %d: %w", pid, err)
	}
	return nil
}
