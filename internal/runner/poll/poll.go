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

// Package poll runs the Runner's command poll-and-ack loop against
// the Gateway, per spec.md §4.5 and §4.7: fetch the pending tail,
// dedup against an in-memory processed-set, dispatch on the reserved
// tokens, and ack.
package poll

import (
	"context"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/tombee/remoterun/internal/runner/allowlist"
	"github.com/tombee/remoterun/internal/runner/client"
	"github.com/tombee/remoterun/internal/runner/process"
)

// DefaultInterval is the poll cadence spec.md §4.5 names as the
// default.
const DefaultInterval = 2 * time.Second

// DedupWindow is how long an acked command id is remembered to
// suppress re-execution, per spec.md §4.7.
const DedupWindow = 30 * time.Minute

// Dispatcher is the subset of supervisor.Supervisor the poll loop
// drives. Defined here so poll does not import supervisor, avoiding a
// cycle (supervisor may one day want to start a poll loop itself).
type Dispatcher interface {
	Stop(ctx context.Context) (process.ExitResult, error)
	Halt(ctx context.Context) (process.ExitResult, error)
	WriteInput(ctx context.Context, text string) error
	Escape() error
	HandsOff(ctx context.Context, reason string) (process.ExitResult, error)
}

// Loop polls for pending Commands and dispatches them to a Dispatcher.
type Loop struct {
	Client     *client.Client
	Dispatcher Dispatcher
	Allowlist  *allowlist.Allowlist
	WorkingDir string
	Interval   time.Duration
	Logger     *slog.Logger

	mu       sync.Mutex
	seen     map[string]time.Time
}

// NewLoop constructs a Loop with spec.md §4.5's default interval.
func NewLoop(c *client.Client, d Dispatcher, al *allowlist.Allowlist, workingDir string, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		Client:     c,
		Dispatcher: d,
		Allowlist:  al,
		WorkingDir: workingDir,
		Interval:   DefaultInterval,
		Logger:     logger,
		seen:       make(map[string]time.Time),
	}
}

// Run polls until ctx is canceled.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.Interval)
	defer ticker.Stop()
	sweepTicker := time.NewTicker(DedupWindow)
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweepTicker.C:
			l.sweep(time.Now())
		case <-ticker.C:
			l.pollOnce(ctx)
		}
	}
}

func (l *Loop) pollOnce(ctx context.Context) {
	cmds, err := l.Client.PendingCommands(ctx)
	if err != nil {
		l.Logger.Warn("poll failed", "error", err)
		return
	}
	for _, cmd := range cmds {
		if l.alreadyProcessed(cmd.ID) {
			continue
		}
		result, ackErr := l.dispatch(ctx, cmd)
		l.markProcessed(cmd.ID)

		ack := client.AckPayload{Result: result}
		if ackErr != nil {
			ack = client.AckPayload{Error: ackErr.Error()}
		}
		if err := l.Client.AckCommand(ctx, cmd.ID, ack); err != nil {
			l.Logger.Warn("ack failed, will re-poll", "command_id", cmd.ID, "error", err)
			l.unmarkProcessed(cmd.ID)
		}
	}
}

func (l *Loop) alreadyProcessed(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.seen[id]
	return ok
}

func (l *Loop) markProcessed(id string) {
	l.mu.Lock()
	l.seen[id] = time.Now()
	l.mu.Unlock()
}

func (l *Loop) unmarkProcessed(id string) {
	l.mu.Lock()
	delete(l.seen, id)
	l.mu.Unlock()
}

func (l *Loop) sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, seenAt := range l.seen {
		if now.Sub(seenAt) > DedupWindow {
			delete(l.seen, id)
		}
	}
}

// dispatch branches on the reserved tokens spec.md §4.5 defines, and
// otherwise runs the payload as a short-lived allowlisted subprocess.
func (l *Loop) dispatch(ctx context.Context, cmd client.Command) (result string, err error) {
	classified := allowlist.Classify(cmd.Payload)

	switch classified.Kind {
	case allowlist.KindStop:
		_, stopErr := l.Dispatcher.Stop(ctx)
		return "stopping", stopErr
	case allowlist.KindHalt:
		_, haltErr := l.Dispatcher.Halt(ctx)
		return "halted", haltErr
	case allowlist.KindEscape:
		return "escaped", l.Dispatcher.Escape()
	case allowlist.KindInput:
		return "input written", l.Dispatcher.WriteInput(ctx, classified.Arg)
	case allowlist.KindHandsOn:
		_, handsOffErr := l.Dispatcher.HandsOff(ctx, classified.Arg)
		return "hands-on requested: " + classified.Arg, handsOffErr
	default:
		return l.runPlainCommand(ctx, cmd.Payload)
	}
}

// runPlainCommand executes an allowlisted shell command in the
// working directory as a short-lived subprocess (not fed to the
// agent), returning its combined output for the ack.
func (l *Loop) runPlainCommand(ctx context.Context, command string) (string, error) {
	if l.Allowlist != nil {
		if err := l.Allowlist.Check(command); err != nil {
			return "", err
		}
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = l.WorkingDir
	out, err := cmd.CombinedOutput()
	return string(out), err
}
