package claude

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tombee/remoterun/internal/runner/builder"
)

func TestBuildIncludesPermissionModeAndPrompt(t *testing.T) {
	argv, display := Build(builder.Input{Prompt: "fix the failing test"}, true)
	assert.Equal(t, []string{"--print", "--permission-mode", "acceptEdits", "fix the failing test"}, argv)
	assert.Contains(t, display, "claude")
}

func TestBuildIncludesModelWhenSet(t *testing.T) {
	argv, _ := Build(builder.Input{Model: "claude-opus", Prompt: "hi"}, false)
	assert.Equal(t, []string{"--print", "--permission-mode", "acceptEdits", "--model", "claude-opus", "hi"}, argv)
}

func TestBuildOmitsPromptWhenEmpty(t *testing.T) {
	argv, _ := Build(builder.Input{}, true)
	assert.Equal(t, []string{"--print", "--permission-mode", "acceptEdits"}, argv)
}
