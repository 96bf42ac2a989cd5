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
	"github.com/spf13/cobra"
)

func newStartCommand() *cobra.Command {
	var p launchParams

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Launch a fresh worker and stream its output to the Gateway",
		Long: `start spawns the local CLI agent named by --worker, wrapping it so
every line of output becomes an Event on the Gateway and every queued
Command (stop, halt, input, escape, or a plain allowlisted shell
command) is polled and applied. It blocks until the worker exits or a
SIGINT/SIGTERM is received.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			p.configPath, _ = cmd.Flags().GetString("config")
			p.dataDir, _ = cmd.Flags().GetString("data-dir")
			p.gatewayOverride, _ = cmd.Flags().GetString("gateway")
			return runWorker(p)
		},
	}

	registerLaunchFlags(cmd, &p)
	cmd.MarkFlagRequired("run-id")
	cmd.MarkFlagRequired("token")
	cmd.MarkFlagRequired("worker")

	return cmd
}

func newResumeCommand() *cobra.Command {
	var p launchParams
	p.resuming = true

	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume a worker from its last saved checkpoint",
		Long: `resume reloads the working directory, worker type, model, and
autonomy mode a prior "start" last checkpointed for --run-id, then
launches the worker again with Resuming set. Only the codex builder
acts on it (codex resume --last); the other worker families start a
fresh session. Any of
--worker, --working-dir, or --model given on the command line override
the checkpointed value.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			p.configPath, _ = cmd.Flags().GetString("config")
			p.dataDir, _ = cmd.Flags().GetString("data-dir")
			p.gatewayOverride, _ = cmd.Flags().GetString("gateway")
			return runWorker(p)
		},
	}

	registerLaunchFlags(cmd, &p)
	cmd.MarkFlagRequired("run-id")
	cmd.MarkFlagRequired("token")

	return cmd
}

func registerLaunchFlags(cmd *cobra.Command, p *launchParams) {
	cmd.Flags().StringVar(&p.runID, "run-id", "", "The Run id the Gateway assigned when the console created this Run")
	cmd.Flags().StringVar(&p.capabilityToken, "token", "", "The capability token the Gateway returned alongside the Run id")
	cmd.Flags().StringVar(&p.workerType, "worker", "", "Worker family: claude, codex, gemini, ollama, rev, vnc, or handson")
	cmd.Flags().StringVar(&p.model, "model", "", "Model identifier, if the worker family supports one")
	cmd.Flags().StringVar(&p.prompt, "prompt", "", "Initial prompt text handed to the worker")
	cmd.Flags().StringVar(&p.workingDir, "working-dir", "", "Directory to launch the worker in (default: current directory)")
	cmd.Flags().BoolVar(&p.autonomous, "autonomous", false, "Launch in autonomous (non-interactive) mode")
	cmd.Flags().StringVar(&p.vncBin, "vnc-bin", "", "Preferred VNC server binary (x11vnc or vncserver), worker=vnc only")
}
