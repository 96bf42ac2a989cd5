package codex

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tombee/remoterun/internal/runner/builder"
)

func TestBuildFreshUsesExec(t *testing.T) {
	argv, _ := Build(builder.Input{Prompt: "run the migration"}, true)
	assert.Equal(t, []string{"exec", "run the migration"}, argv)
}

func TestBuildResumingUsesResumeLast(t *testing.T) {
	argv, _ := Build(builder.Input{Prompt: "continue", Resuming: true}, true)
	assert.Equal(t, []string{"resume", "--last", "continue"}, argv)
}
