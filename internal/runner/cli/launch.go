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
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tombee/remoterun/internal/config"
	"github.com/tombee/remoterun/internal/lifecycle"
	internallog "github.com/tombee/remoterun/internal/log"
	pkgerrors "github.com/tombee/remoterun/pkg/errors"
	"github.com/tombee/remoterun/internal/runner/allowlist"
	"github.com/tombee/remoterun/internal/runner/builder"
	"github.com/tombee/remoterun/internal/runner/builder/claude"
	"github.com/tombee/remoterun/internal/runner/builder/codex"
	"github.com/tombee/remoterun/internal/runner/builder/gemini"
	"github.com/tombee/remoterun/internal/runner/builder/handson"
	"github.com/tombee/remoterun/internal/runner/builder/ollama"
	"github.com/tombee/remoterun/internal/runner/builder/rev"
	"github.com/tombee/remoterun/internal/runner/builder/vnc"
	"github.com/tombee/remoterun/internal/runner/client"
	"github.com/tombee/remoterun/internal/runner/poll"
	"github.com/tombee/remoterun/internal/runner/state"
	"github.com/tombee/remoterun/internal/runner/supervisor"
)

// launchParams carries every flag/env value a start or resume needs.
type launchParams struct {
	configPath      string
	dataDir         string
	gatewayOverride string

	runID           string
	capabilityToken string
	workerType      string
	model           string
	prompt          string
	workingDir      string
	autonomous      bool
	vncBin          string

	resuming bool
}

// defaultDataDir is used when --data-dir is empty.
const defaultDataDir = ".remoterun"

func resolveBuild(workerType, vncBin string) (builder.Build, error) {
	switch workerType {
	case "claude":
		return claude.Build, nil
	case "codex":
		return codex.Build, nil
	case "gemini":
		return gemini.Build, nil
	case "ollama", "ollama-launch":
		return ollama.Build, nil
	case "rev":
		return rev.Build, nil
	case "handson":
		return handson.Build, nil
	case "vnc":
		bin := vncBin
		if bin == "" {
			bin = vnc.Binaries[0]
			for _, candidate := range vnc.Binaries {
				if _, err := exec.LookPath(candidate); err == nil {
					bin = candidate
					break
				}
			}
		}
		return func(input builder.Input, autonomous bool) ([]string, string) {
			return vnc.Build(bin, input, autonomous)
		}, nil
	default:
		return nil, &pkgerrors.ProviderError{
			Provider:   workerType,
			Message:    "unrecognized worker family",
			Suggestion: "use one of: claude, codex, gemini, ollama, rev, handson, vnc",
		}
	}
}

// runWorker loads configuration, builds the Supervisor and poll Loop,
// and drives them both to completion, per spec.md §4.7's concurrent
// stdout/stderr capture alongside the §4.5 command poll loop.
func runWorker(p launchParams) error {
	cfg, err := config.LoadRunner(p.configPath)
	if err != nil {
		return &pkgerrors.ConfigError{Key: p.configPath, Reason: "could not be loaded", Cause: err}
	}
	if p.gatewayOverride != "" {
		cfg.Gateway.BaseURL = p.gatewayOverride
	}
	if cfg.Gateway.BaseURL == "" {
		return &pkgerrors.ConfigError{Key: "gateway.base_url", Reason: "not set (use --gateway, GATEWAY_BASE_URL, or gateway.base_url in config)"}
	}

	secret := os.Getenv("HMAC_SECRET")
	if secret == "" {
		return fmt.Errorf("cli: HMAC_SECRET is required to sign requests to the Gateway")
	}

	logger := internallog.WithComponent(internallog.New(&cfg.Log), "runner")

	dataDir := p.dataDir
	if dataDir == "" {
		dataDir = defaultDataDir
	}

	workerType := p.workerType
	workingDir := p.workingDir
	model := p.model
	autonomous := p.autonomous

	states, err := state.NewStore(filepath.Join(dataDir, "state"))
	if err != nil {
		return fmt.Errorf("cli: open state store: %w", err)
	}

	if p.resuming {
		cp, err := states.Load(p.runID)
		if err != nil {
			return fmt.Errorf("cli: load checkpoint for resume: %w", err)
		}
		if workerType == "" {
			workerType = cp.WorkerType
		}
		if workingDir == "" {
			workingDir = cp.WorkingDir
		}
		if model == "" {
			model = cp.Model
		}
		autonomous = cp.Autonomous
	}
	if workerType == "" {
		return fmt.Errorf("cli: --worker is required")
	}
	if workingDir == "" {
		workingDir, err = os.Getwd()
		if err != nil {
			return fmt.Errorf("cli: resolve working directory: %w", err)
		}
	}

	build, err := resolveBuild(workerType, p.vncBin)
	if err != nil {
		return err
	}

	apiClient := client.New(client.Config{
		BaseURL:         cfg.Gateway.BaseURL,
		Secret:          []byte(secret),
		RunID:           p.runID,
		CapabilityToken: p.capabilityToken,
		AllowSelfSigned: cfg.Gateway.AllowSelfSigned,
	})

	al := allowlist.New(cfg.Shell.AllowedCommands)

	if err := os.MkdirAll(filepath.Join(dataDir, "logs"), 0o755); err != nil {
		return fmt.Errorf("cli: create log dir: %w", err)
	}

	lifecycleLog := lifecycle.NewLifecycleLogger(filepath.Join(dataDir, "logs", "lifecycle.log"))
	_ = lifecycleLog.LogStart(opts.Version, os.Args[1:], p.configPath)

	healthChecker := lifecycle.NewHealthChecker(cfg.Gateway.BaseURL + "/api/health")
	if err := healthChecker.WaitUntilHealthy(30 * time.Second); err != nil {
		_ = lifecycleLog.LogHealthCheckFailed(cfg.Gateway.BaseURL+"/api/health", 0, 0, err)
		return fmt.Errorf("cli: gateway did not become healthy: %w", err)
	}

	sup := supervisor.New(supervisor.Config{
		RunID:      p.runID,
		WorkingDir: workingDir,
		Autonomous: autonomous,
		WorkerType: workerType,
		Model:      model,
		Build:      build,
		BuildInput: builder.Input{
			Prompt:   p.prompt,
			Model:    model,
			Resuming: p.resuming,
			Shell:    os.Getenv("SHELL"),
		},
		Client:  apiClient,
		States:  states,
		LogPath: filepath.Join(dataDir, "logs", p.runID+".log"),
		Logger:  logger,
	})

	pidMgr := lifecycle.NewPIDFileManager(pidFilePath(dataDir, p.runID))
	if err := pidMgr.Create(os.Getpid()); err != nil {
		logger.Warn("failed to write pid file, stop subcommand will not find this run", "error", err)
	} else {
		defer pidMgr.Remove()
	}

	start := time.Now()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		if _, ok := <-sigCh; ok {
			logger.Info("received shutdown signal, stopping worker")
			_ = lifecycleLog.LogStop(os.Getpid(), false)
			cancel()
		}
	}()

	loop := poll.NewLoop(apiClient, sup, al, workingDir, logger)
	if cfg.Poll.CommandInterval > 0 {
		loop.Interval = cfg.Poll.CommandInterval
	}

	var g errgroup.Group
	g.Go(func() error {
		_, err := sup.Run(ctx)
		cancel() // the poll loop has nothing left to dispatch to once the worker exits
		return err
	})
	g.Go(func() error {
		loop.Run(ctx)
		return nil
	})

	err = g.Wait()
	if err != nil {
		_ = lifecycleLog.LogStopFailure(os.Getpid(), err)
	} else {
		_ = lifecycleLog.LogStopSuccess(os.Getpid(), time.Since(start))
	}
	return err
}

// pidFilePath is shared with the stop subcommand, which reads the same
// path to find a running Runner's pid without holding its lock.
func pidFilePath(dataDir, runID string) string {
	return filepath.Join(dataDir, "pid", runID+".pid")
}
