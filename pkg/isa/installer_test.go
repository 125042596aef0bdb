package isa

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/procfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubescape/pidtrap/pkg/process"
	"github.com/kubescape/pidtrap/pkg/tracepoint"
)

const testMaps = `00400000-00452000 r-xp 00000000 fd:01 1234 /usr/bin/app
00651000-00652000 rw-p 00051000 fd:01 1234 /usr/bin/app
7f0000000000-7f0000021000 r-xp 00000000 00:00 0 [vdso]
`

func fakeProc(t *testing.T) (string, *Installer) {
	root := t.TempDir()
	dir := filepath.Join(root, "42")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "maps"), []byte(testMaps), 0o644))

	mem, err := os.Create(filepath.Join(dir, "mem"))
	require.NoError(t, err)
	_, err = mem.WriteAt([]byte{0x55, 0x48, 0x89, 0xe5}, 0x401000)
	require.NoError(t, err)
	require.NoError(t, mem.Close())

	pfs, err := procfs.NewFS(root)
	require.NoError(t, err)
	return root, newInstaller(root, pfs, nil)
}

func TestInit(t *testing.T) {
	root, inst := fakeProc(t)

	tp := tracepoint.NewProbe(42, tracepoint.Slots(tracepoint.Return, 0x401000)).Tracepoint(0)
	require.NoError(t, inst.Init(tp, tracepoint.Return))
	assert.Equal(t, []byte{0x55, 0x48, 0x89, 0xe5}, tp.Instr)

	st, ok := tp.Arch.(*state)
	require.True(t, ok)
	assert.Equal(t, uint64(0x1000), st.offset)
	assert.Equal(t, filepath.Join(root, "42", "root", "usr", "bin", "app"), st.path)
	assert.Equal(t, tracepoint.Return, st.kind)

	// Nothing was attached, so there is nothing to detach.
	assert.NoError(t, inst.Remove(42, tp))
}

func TestInitErrors(t *testing.T) {
	_, inst := fakeProc(t)

	for name, tc := range map[string]struct {
		pid  int32
		addr uint64
	}{
		"data mapping": {42, 0x651000},
		"unmapped":     {42, 0x900000},
		"anonymous":    {42, 0x7f0000000100},
	} {
		t.Run(name, func(t *testing.T) {
			tp := tracepoint.Orphan(tc.pid, tc.addr, nil)
			assert.Error(t, inst.Init(tp, tracepoint.Entry))
			assert.Nil(t, tp.Arch)
		})
	}

	err := inst.Init(tracepoint.Orphan(43, 0x401000, nil), tracepoint.Entry)
	assert.ErrorIs(t, err, process.ErrNoProcess)
}

func TestRemoveRestoresOrphan(t *testing.T) {
	root, inst := fakeProc(t)
	memPath := filepath.Join(root, "42", "mem")

	// A previous run left a breakpoint behind.
	mem, err := os.OpenFile(memPath, os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = mem.WriteAt([]byte{0xcc}, 0x401000)
	require.NoError(t, err)
	require.NoError(t, mem.Close())

	require.NoError(t, inst.Remove(42, tracepoint.Orphan(42, 0x401000, []byte{0x55})))
	text, err := readText(memPath, 0x401000, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x55, 0x48, 0x89, 0xe5}, text)

	assert.NoError(t, inst.Remove(43, tracepoint.Orphan(42, 0x401000, []byte{0x55})), "children have nothing to remove")
}

func TestRemoveOrphanOfExitedProcess(t *testing.T) {
	_, inst := fakeProc(t)
	err := inst.Remove(43, tracepoint.Orphan(43, 0x401000, []byte{0x55}))
	assert.ErrorIs(t, err, process.ErrNoProcess)
}
