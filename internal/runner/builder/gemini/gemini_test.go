package gemini

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tombee/remoterun/internal/runner/builder"
)

func TestBuildDefaultsApprovalModeByAutonomy(t *testing.T) {
	argv, _ := Build(builder.Input{Prompt: "add a test"}, true)
	assert.Equal(t, []string{"--output-format", "json", "--prompt", "add a test", "--approval-mode", "auto_edit"}, argv)

	argv, _ = Build(builder.Input{Prompt: "add a test"}, false)
	assert.Equal(t, []string{"--output-format", "json", "--prompt", "add a test", "--approval-mode", "default"}, argv)
}

func TestBuildHonorsExplicitOverrides(t *testing.T) {
	argv, _ := Build(builder.Input{
		Prompt:       "add a test",
		Model:        "gemini-2.5-pro",
		OutputFormat: "text",
		ApprovalMode: "yolo",
	}, false)
	assert.Equal(t, []string{"--output-format", "text", "--model", "gemini-2.5-pro", "--prompt", "add a test", "--approval-mode", "yolo"}, argv)
}
