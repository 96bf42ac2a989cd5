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

// Package supervisor runs the Runner's state machine for one child
// agent process, per spec.md §4.7: spawn, stream capture with
// redaction and prompt detection, state checkpointing, and
// graceful/forced termination. It sends no heartbeats to the Gateway.
package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/tombee/remoterun/internal/apperr"
	"github.com/tombee/remoterun/internal/runner/builder"
	"github.com/tombee/remoterun/internal/runner/client"
	"github.com/tombee/remoterun/internal/runner/process"
	"github.com/tombee/remoterun/internal/runner/prompt"
	"github.com/tombee/remoterun/internal/runner/redact"
	"github.com/tombee/remoterun/internal/runner/state"
	"github.com/tombee/remoterun/internal/store"
)

// Status is the supervisor's run state machine, per spec.md §4.7.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
)

// knownAPIKeyEnvVars are blanked in the child's environment so an
// accidentally-inherited secret cannot leak into the wrapped agent,
// per spec.md §4.7's curated-environment rule.
var knownAPIKeyEnvVars = []string{
	"ANTHROPIC_API_KEY",
	"OPENAI_API_KEY",
	"GOOGLE_API_KEY",
	"GEMINI_API_KEY",
	"GITHUB_TOKEN",
	"NPM_TOKEN",
}

// Config configures one Supervisor run.
type Config struct {
	RunID      string
	WorkingDir string
	Autonomous bool
	WorkerType string
	Model      string
	Build      builder.Build
	BuildInput builder.Input

	Client     *client.Client
	States     *state.Store
	LogPath    string
	Logger     *slog.Logger
	GraceWindow time.Duration
}

// Supervisor owns one child process's full lifecycle.
type Supervisor struct {
	cfg    Config
	proc   *process.Process
	logger *slog.Logger

	mu       sync.Mutex
	status   Status
	sequence int64
	logFile  *os.File
}

// New constructs a Supervisor. Call Run to spawn and drive the child
// to completion.
func New(cfg Config) *Supervisor {
	if cfg.GraceWindow == 0 {
		cfg.GraceWindow = process.DefaultGraceWindow
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{cfg: cfg, proc: process.New(), logger: logger, status: StatusStarting}
}

// Status returns the current run state.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Supervisor) setStatus(status Status) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// Run spawns the child, streams its output until it exits or ctx is
// canceled, and returns the exit result. It blocks for the lifetime
// of the run.
func (s *Supervisor) Run(ctx context.Context) (process.ExitResult, error) {
	argv, display := s.cfg.Build(s.cfg.BuildInput, s.cfg.Autonomous)
	s.logger.Info("spawning worker", "run_id", s.cfg.RunID, "worker", s.cfg.WorkerType, "display", display)

	if s.cfg.LogPath != "" {
		f, err := os.OpenFile(s.cfg.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return process.ExitResult{}, fmt.Errorf("supervisor: open log file: %w", err)
		}
		s.logFile = f
		defer f.Close()
	}

	env := s.childEnv()
	stdout, stderr, err := s.proc.Start(ctx, argv, s.cfg.WorkingDir, env)
	if err != nil {
		spawnErr := apperr.Wrap(apperr.RunnerChildSpawnFail, err, "starting "+s.cfg.WorkerType)
		s.emitEvent(ctx, string(store.EventError), spawnErr.Error())
		s.emitMarker(ctx, "finished", map[string]any{"reason": "spawn_failed"})
		return process.ExitResult{}, spawnErr
	}
	s.setStatus(StatusRunning)
	s.saveCheckpoint()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.pump(ctx, "stdout", stdout)
	}()
	go func() {
		defer wg.Done()
		s.pump(ctx, "stderr", stderr)
	}()

	result, waitErr := s.proc.Wait(ctx)
	wg.Wait()
	s.setStatus(StatusStopped)

	switch {
	case waitErr != nil:
		crashErr := apperr.Wrap(apperr.RunnerChildCrashed, waitErr, "waiting on "+s.cfg.WorkerType)
		s.emitEvent(ctx, string(store.EventError), crashErr.Error())
		s.emitFinished(ctx, result)
		return result, crashErr
	case result.Signaled:
		crashErr := apperr.New(apperr.RunnerChildCrashed, fmt.Sprintf("%s terminated by signal %s", s.cfg.WorkerType, result.Signal))
		s.emitEvent(ctx, string(store.EventError), crashErr.Error())
		s.emitFinished(ctx, result)
		return result, nil
	default:
		s.emitFinished(ctx, result)
		return result, nil
	}
}

// childEnv builds the curated environment spec.md §4.7 describes:
// OS env, a TERM tuned for autonomous vs cooperative mode, unbuffered
// Python output, and blanked known API-key variables.
func (s *Supervisor) childEnv() []string {
	env := os.Environ()
	term := "TERM=dumb"
	if s.cfg.Autonomous {
		term = "TERM=xterm-256color"
	}
	env = append(env, term, "PYTHONUNBUFFERED=1")
	for _, name := range knownAPIKeyEnvVars {
		env = append(env, name+"=")
	}
	return env
}

// pump reads chunks from src (stdout or stderr), redacts secrets,
// detects blocking prompts, appends the raw chunk to the on-disk log,
// and ingests a stdout/stderr event for each line.
func (s *Supervisor) pump(ctx context.Context, stream string, src *bufio.Scanner) {
	for src.Scan() {
		line := src.Text()

		if s.logFile != nil {
			fmt.Fprintln(s.logFile, line)
		}

		redacted := redact.RedactString(line)
		s.emitEvent(ctx, stream, redacted)

		if promptType, waiting := prompt.Detect(line); waiting {
			s.emitEvent(ctx, "prompt_waiting", promptType)
		}
	}
}

func (s *Supervisor) emitEvent(ctx context.Context, eventType, data string) {
	s.mu.Lock()
	s.sequence++
	seq := s.sequence
	s.mu.Unlock()

	if s.cfg.Client == nil {
		return
	}
	if err := s.cfg.Client.IngestEvent(ctx, client.EventPayload{Type: eventType, Data: data, Sequence: seq}); err != nil {
		s.logger.Warn("failed to ingest event", "run_id", s.cfg.RunID, "type", eventType, "error", err)
	}
}

// emitFinished sends the finished marker spec.md §4.7 and §7 require
// on every child exit: a marker-typed Event encoding the exit code and
// signal, never a bespoke event type.
func (s *Supervisor) emitFinished(ctx context.Context, result process.ExitResult) {
	s.emitMarker(ctx, "finished", map[string]any{
		"exit_code": result.ExitCode,
		"signaled":  result.Signaled,
		"signal":    result.Signal,
	})
}

// emitMarker emits a store.EventMarker Event whose data is a small
// JSON envelope: {"state": state, ...fields}.
func (s *Supervisor) emitMarker(ctx context.Context, state string, fields map[string]any) {
	payload := map[string]any{"state": state}
	for k, v := range fields {
		payload[k] = v
	}
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("failed to encode marker", "run_id", s.cfg.RunID, "state", state, "error", err)
		return
	}
	s.emitEvent(ctx, string(store.EventMarker), string(data))
}

// saveCheckpoint persists the Runner's resumable state. Run calls it
// once, right after the child has spawned.
func (s *Supervisor) saveCheckpoint() {
	if s.cfg.States == nil {
		return
	}
	s.mu.Lock()
	seq := s.sequence
	s.mu.Unlock()

	cp := state.Checkpoint{
		RunID:      s.cfg.RunID,
		Sequence:   seq,
		WorkingDir: s.cfg.WorkingDir,
		Autonomous: s.cfg.Autonomous,
		WorkerType: s.cfg.WorkerType,
		Model:      s.cfg.Model,
		SavedAt:    time.Now(),
	}
	if err := s.cfg.States.Save(cp); err != nil {
		s.logger.Warn("failed to save checkpoint", "run_id", s.cfg.RunID, "error", err)
	}
}

// WriteInput sends text to the child's stdin and emits a
// prompt_resolved event.
func (s *Supervisor) WriteInput(ctx context.Context, text string) error {
	if err := s.proc.WriteStdin(text); err != nil {
		return err
	}
	s.emitEvent(ctx, "prompt_resolved", text)
	return nil
}

// Escape injects a cancel byte (0x03) into the child's stdin, per the
// __ESCAPE__ token.
func (s *Supervisor) Escape() error {
	return s.proc.WriteEscape()
}

// Stop transitions to stopping and sends the cooperative termination
// signal, force-killing after the configured grace window.
func (s *Supervisor) Stop(ctx context.Context) (process.ExitResult, error) {
	s.setStatus(StatusStopping)
	return s.proc.Stop(ctx, s.cfg.GraceWindow)
}

// Halt immediately force-kills the child, per the __HALT__ token.
func (s *Supervisor) Halt(ctx context.Context) (process.ExitResult, error) {
	s.setStatus(StatusStopping)
	return s.proc.Kill(ctx)
}

// HandsOff emits a hand-off marker and terminates the child through
// the same cooperative path Stop uses, per the __LAUNCH_HANDS_ON__
// token's "Runner acks then exits with a hand-off marker" rule
// (spec.md §4.5).
func (s *Supervisor) HandsOff(ctx context.Context, reason string) (process.ExitResult, error) {
	s.emitMarker(ctx, "hand_off", map[string]any{"reason": reason})
	return s.Stop(ctx)
}
