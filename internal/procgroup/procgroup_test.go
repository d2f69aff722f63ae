//go:build !windows

package procgroup

import (
	"os/exec"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetach(t *testing.T) {
	cmd := exec.Command("true")
	Detach(cmd)
	require.NotNil(t, cmd.SysProcAttr)
	assert.True(t, cmd.SysProcAttr.Setpgid)
}

func TestDetachKeepsAttributes(t *testing.T) {
	cmd := exec.Command("true")
	cmd.SysProcAttr = &syscall.SysProcAttr{Noctty: true}
	Detach(cmd)
	assert.True(t, cmd.SysProcAttr.Noctty)
	assert.True(t, cmd.SysProcAttr.Setpgid)
}
