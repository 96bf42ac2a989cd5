package process

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// skipOnSpawnError skips the test when the sandbox blocks fork/exec,
// matching the teacher's convention for environments without it.
func skipOnSpawnError(t *testing.T, err error) {
	t.Helper()
	if err != nil && strings.Contains(err.Error(), "operation not permitted") {
		t.Skipf("spawn not permitted in this environment: %v", err)
	}
}

func TestStartCapturesStdout(t *testing.T) {
	if os.Getenv("SKIP_SPAWN_TESTS") != "" {
		t.Skip("SKIP_SPAWN_TESTS is set")
	}

	p := New()
	ctx := context.Background()
	stdout, _, err := p.Start(ctx, []string{"sh", "-c", "echo hello; echo world"}, "", os.Environ())
	skipOnSpawnError(t, err)
	require.NoError(t, err)

	var lines []string
	for stdout.Scan() {
		lines = append(lines, stdout.Text())
	}
	require.Equal(t, []string{"hello", "world"}, lines)

	result, err := p.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, result.ExitCode)
}

func TestStartTwiceReturnsAlreadyRunning(t *testing.T) {
	if os.Getenv("SKIP_SPAWN_TESTS") != "" {
		t.Skip("SKIP_SPAWN_TESTS is set")
	}

	p := New()
	ctx := context.Background()
	_, _, err := p.Start(ctx, []string{"sh", "-c", "sleep 1"}, "", os.Environ())
	skipOnSpawnError(t, err)
	require.NoError(t, err)

	_, _, err = p.Start(ctx, []string{"sh", "-c", "sleep 1"}, "", os.Environ())
	require.ErrorIs(t, err, ErrAlreadyRunning)

	_, _ = p.Kill(ctx)
}

func TestWriteStdinBeforeStartReturnsNotRunning(t *testing.T) {
	p := New()
	err := p.WriteStdin("hi\n")
	require.ErrorIs(t, err, ErrNotRunning)
}

func TestStopSendsSigintThenLetsChildExit(t *testing.T) {
	if os.Getenv("SKIP_SPAWN_TESTS") != "" {
		t.Skip("SKIP_SPAWN_TESTS is set")
	}

	p := New()
	ctx := context.Background()
	script := `trap 'exit 0' INT; while true; do sleep 0.05; done`
	_, _, err := p.Start(ctx, []string{"sh", "-c", script}, "", os.Environ())
	skipOnSpawnError(t, err)
	require.NoError(t, err)

	result, err := p.Stop(ctx, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, 0, result.ExitCode)
}

func TestStopForceKillsAfterGraceWindow(t *testing.T) {
	if os.Getenv("SKIP_SPAWN_TESTS") != "" {
		t.Skip("SKIP_SPAWN_TESTS is set")
	}

	p := New()
	ctx := context.Background()
	script := `trap '' INT; while true; do sleep 0.05; done`
	_, _, err := p.Start(ctx, []string{"sh", "-c", script}, "", os.Environ())
	skipOnSpawnError(t, err)
	require.NoError(t, err)

	result, err := p.Stop(ctx, 200*time.Millisecond)
	require.NoError(t, err)
	require.True(t, result.Signaled)
}

func TestIsRunningFalseForInvalidPID(t *testing.T) {
	require.False(t, IsRunning(-1))
}
