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

// Package cli implements the Runner's command-line surface: start a
// fresh worker, resume one from its last checkpoint, or stop one
// already running on this host, per SUPPLEMENTED FEATURES' Runner CLI
// subcommands.
package cli

import (
	"github.com/spf13/cobra"
)

// Options carries build-time values shown on "runner version".
type Options struct {
	Version   string
	Commit    string
	BuildDate string
}

var opts Options

// SetVersion records build-time version info for the version command.
func SetVersion(o Options) {
	opts = o
}

// NewRootCommand builds the "runner" root command and attaches every
// subcommand.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "runner",
		Short:         "Runner wraps a local CLI agent and streams its output to a Gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().String("config", "", "Path to a Runner config YAML file")
	root.PersistentFlags().String("data-dir", "", "Directory for state checkpoints, logs, and the pid file (default: ./.remoterun)")
	root.PersistentFlags().String("gateway", "", "Override the Gateway base URL")

	root.AddCommand(newStartCommand())
	root.AddCommand(newResumeCommand())
	root.AddCommand(newStopCommand())
	root.AddCommand(newVersionCommand())

	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.Printf("runner %s (commit: %s, built: %s)\n", opts.Version, opts.Commit, opts.BuildDate)
			return nil
		},
	}
}
