package process

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRegistry(t *testing.T) *Registry {
	r, err := NewRegistry(16)
	require.NoError(t, err)
	return r
}

func TestLookupSharesLiveRecord(t *testing.T) {
	r := newRegistry(t)

	p1 := r.Lookup(42)
	p2 := r.Lookup(42)
	assert.Same(t, p1, p2)

	total, active := p1.Refs()
	assert.Equal(t, uint64(2), total)
	assert.Equal(t, uint64(2), active)
	assert.Equal(t, []int32{42}, r.Pids())
}

func TestRetiredRecordIsNotReused(t *testing.T) {
	r := newRegistry(t)

	old := r.Lookup(42)
	r.Hold(old) // an installed tracepoint
	r.Deactivate(old)
	assert.False(t, old.Live())

	fresh := r.Lookup(42)
	assert.NotSame(t, old, fresh, "a pid reused after exec/exit gets a new record")
	assert.Equal(t, 2, r.Len())
	assert.Nil(t, r.Find(43))

	r.Release(old)
	r.Release(old)
	assert.Equal(t, 1, r.Len())

	found := r.Find(42)
	assert.Same(t, fresh, found)
	r.Release(found)
}

func TestReleaseFreesAtZero(t *testing.T) {
	r := newRegistry(t)

	p := r.Lookup(7)
	r.Hold(p)

	r.Deactivate(p)
	total, active := p.Refs()
	assert.Equal(t, uint64(2), total)
	assert.Equal(t, uint64(0), active)

	r.Release(p)
	assert.Equal(t, 1, r.Len())
	r.Release(p)
	assert.Equal(t, 0, r.Len())
}

func TestInvariantViolationsPanic(t *testing.T) {
	r := newRegistry(t)
	p := r.Lookup(9)

	assert.Panics(t, func() { r.Release(p) }, "freeing with an active provider")

	q := r.Lookup(10)
	r.Deactivate(q)
	assert.Panics(t, func() { r.Deactivate(q) })
}

func TestConcurrentLookupRelease(t *testing.T) {
	r := newRegistry(t)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				p := r.Lookup(1)
				total, active := p.Refs()
				assert.LessOrEqual(t, active, total)
				r.Deactivate(p)
				r.Release(p)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, r.Len())
}

func TestDeactivateWaitsForControl(t *testing.T) {
	r := newRegistry(t)
	p := r.Lookup(42)

	p.Control().Lock()
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Deactivate(p)
	}()

	// A control holder that saw the record live keeps seeing it live.
	select {
	case <-done:
		t.Fatal("deactivated while the control lock was held")
	case <-time.After(50 * time.Millisecond):
	}
	assert.True(t, p.Live())
	p.Control().Unlock()

	<-done
	assert.False(t, p.Live())
	r.Release(p)
}
