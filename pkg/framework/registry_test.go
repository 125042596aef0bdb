package framework

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingOps struct {
	enabled   map[ProbeID]bool
	destroyed []ProbeID
	failWith  error
}

func newRecordingOps() *recordingOps {
	return &recordingOps{enabled: map[ProbeID]bool{}}
}

func (o *recordingOps) Provide(string, string, string) {}

func (o *recordingOps) Enable(id ProbeID, _ interface{}) error {
	if o.failWith != nil {
		return o.failWith
	}
	o.enabled[id] = true
	return nil
}

func (o *recordingOps) Disable(id ProbeID, _ interface{}) {
	delete(o.enabled, id)
}

func (o *recordingOps) GetArgDesc(_ ProbeID, arg interface{}, index int) (ArgDesc, bool) {
	types, _ := arg.([]string)
	if index >= len(types) {
		return ArgDesc{}, false
	}
	return ArgDesc{Index: index, NativeType: types[index]}, true
}

func (o *recordingOps) Destroy(id ProbeID, _ interface{}) {
	o.destroyed = append(o.destroyed, id)
}

func TestUnregisterRefusesWhileEnabled(t *testing.T) {
	r := NewRegistry()
	ops := newRecordingOps()

	h, err := r.Register("pid42", Attributes{}, ops)
	require.NoError(t, err)
	id, err := r.CreateProbe(h, "a.out", "main", "entry", 0, nil)
	require.NoError(t, err)

	require.NoError(t, r.Enable(id))
	assert.True(t, ops.enabled[id])
	assert.ErrorIs(t, r.Unregister(h), ErrBusy)

	require.NoError(t, r.Disable(id))
	require.NoError(t, r.Unregister(h))
	assert.Equal(t, []ProbeID{id}, ops.destroyed)
	assert.Empty(t, r.Providers())
	assert.ErrorIs(t, r.Unregister(h), ErrUnknownProvider)
}

func TestRegisterTwice(t *testing.T) {
	r := NewRegistry()
	old, err := r.Register("pid42", Attributes{}, newRecordingOps())
	require.NoError(t, err)
	_, err = r.CreateProbe(old, "a.out", "main", "entry", 0, nil)
	require.NoError(t, err)

	fresh, err := r.Register("pid42", Attributes{}, newRecordingOps())
	require.NoError(t, err)
	assert.NotEqual(t, old, fresh)
	_, ok := r.Lookup("pid42", "a.out", "main", "entry")
	assert.False(t, ok, "the name resolves to the newest provider")

	require.NoError(t, r.Unregister(old))
	assert.Equal(t, []string{"pid42"}, r.Providers())
}

func TestLookupAndCondense(t *testing.T) {
	r := NewRegistry()
	ops := newRecordingOps()
	h, err := r.Register("pid42", Attributes{}, ops)
	require.NoError(t, err)

	a, err := r.CreateProbe(h, "a.out", "main", "entry", 0, nil)
	require.NoError(t, err)
	b, err := r.CreateProbe(h, "a.out", "main", "return", 0, nil)
	require.NoError(t, err)
	_, err = r.CreateProbe(h, "a.out", "main", "entry", 0, nil)
	assert.ErrorIs(t, err, ErrExists)

	got, ok := r.LookupProbe(h, "a.out", "main", "entry")
	require.True(t, ok)
	assert.Equal(t, a, got)
	got, ok = r.Lookup("pid42", "a.out", "main", "return")
	require.True(t, ok)
	assert.Equal(t, b, got)

	require.NoError(t, r.Enable(a))
	require.NoError(t, r.Condense(h))
	assert.Equal(t, []ProbeID{b}, ops.destroyed)

	probes := r.Probes("pid42")
	require.Len(t, probes, 1)
	assert.Equal(t, a, probes[0].ID)
	assert.True(t, probes[0].Enabled)
}

func TestInvalidatedProviderRefusesEnable(t *testing.T) {
	r := NewRegistry()
	h, err := r.Register("pid42", Attributes{}, newRecordingOps())
	require.NoError(t, err)
	id, err := r.CreateProbe(h, "a.out", "main", "entry", 0, nil)
	require.NoError(t, err)

	r.Invalidate(h)
	assert.Error(t, r.Enable(id))
}

func TestEnableErrorIsWrapped(t *testing.T) {
	r := NewRegistry()
	ops := newRecordingOps()
	ops.failWith = errors.New("no such process")
	h, err := r.Register("pid42", Attributes{}, ops)
	require.NoError(t, err)
	id, err := r.CreateProbe(h, "a.out", "main", "entry", 0, []string{"int", "char *"})
	require.NoError(t, err)

	assert.ErrorIs(t, r.Enable(id), ops.failWith)
	assert.Empty(t, ops.enabled)

	desc, ok := r.ArgDesc(id, 1)
	require.True(t, ok)
	assert.Equal(t, "char *", desc.NativeType)
	_, ok = r.ArgDesc(id, 2)
	assert.False(t, ok)
}
