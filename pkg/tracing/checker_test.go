package tracing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubescape/pidtrap/pkg/process"
)

func TestChecker(t *testing.T) {
	proc := newFakeProcRoot(t)
	proc.add(10, 1, "S", 100, "/usr/bin/app")
	proc.add(11, 1, "Z", 100, "/usr/bin/app")
	proc.add(12, 1, "R", 100, "/usr/bin/app")

	c, err := NewChecker(proc.root)
	require.NoError(t, err)

	assert.NoError(t, c.Alive(10))
	assert.NoError(t, c.Alive(12))
	assert.ErrorIs(t, c.Alive(11), process.ErrExiting)
	assert.ErrorIs(t, c.Alive(13), process.ErrNoProcess)
}

func TestCheckerIdentify(t *testing.T) {
	proc := newFakeProcRoot(t)
	proc.add(10, 1, "S", 100, "/usr/bin/app")
	proc.add(11, 1, "Z", 100, "/usr/bin/app")

	c, err := NewChecker(proc.root)
	require.NoError(t, err)

	id, err := c.Identify(10)
	require.NoError(t, err)
	assert.Equal(t, process.Identity{Start: 100, Exe: "/usr/bin/app"}, id)

	_, err = c.Identify(11)
	assert.ErrorIs(t, err, process.ErrExiting)
	_, err = c.Identify(12)
	assert.ErrorIs(t, err, process.ErrNoProcess)

	proc.add(10, 1, "S", 100, "/usr/bin/other")
	id, err = c.Identify(10)
	require.NoError(t, err)
	assert.Equal(t, "/usr/bin/other", id.Exe)
}
