package handson

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tombee/remoterun/internal/runner/builder"
)

func TestBuildUsesResolvedShell(t *testing.T) {
	argv, _ := Build(builder.Input{Shell: "/bin/zsh"}, false)
	assert.Equal(t, []string{"/bin/zsh", "-i"}, argv)
}

func TestBuildFallsBackToDefaultShell(t *testing.T) {
	argv, _ := Build(builder.Input{}, false)
	assert.Equal(t, []string{DefaultShell, "-i"}, argv)
}

func TestBuildHonorsExplicitShellCommand(t *testing.T) {
	argv, display := Build(builder.Input{ShellCommand: []string{"bash", "-l"}}, false)
	assert.Equal(t, []string{"bash", "-l"}, argv)
	assert.Equal(t, "bash -l", display)
}
