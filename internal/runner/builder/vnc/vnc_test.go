package vnc

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tombee/remoterun/internal/runner/builder"
)

func TestBuildX11VNC(t *testing.T) {
	argv, bin := Build("x11vnc", builder.Input{}, false)
	assert.Equal(t, []string{"-forever", "-shared", "-rfbport", "5900"}, argv)
	assert.Equal(t, "x11vnc", bin)
}

func TestBuildVNCServer(t *testing.T) {
	argv, bin := Build("vncserver", builder.Input{}, false)
	assert.Equal(t, []string{":1"}, argv)
	assert.Equal(t, "vncserver", bin)
}

func TestBuildUnknownBinary(t *testing.T) {
	argv, _ := Build("unknown", builder.Input{}, false)
	assert.Nil(t, argv)
}
