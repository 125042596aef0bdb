package barrier

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetireAdvancesGeneration(t *testing.T) {
	b := New(4)
	assert.Equal(t, uint64(0), b.Generation())

	stamp := b.Generation()
	assert.True(t, b.Retire(stamp))
	assert.Equal(t, uint64(1), b.Generation())

	// already one generation past the stamp
	assert.False(t, b.Retire(stamp))
	assert.Equal(t, uint64(1), b.Generation())

	assert.True(t, b.Retire(b.Generation()))
	assert.Equal(t, uint64(2), b.Generation())
}

func TestRetireWaitsForReaders(t *testing.T) {
	b := New(2)
	reader := b.Register()

	reader.Enter()
	retired := make(chan struct{})
	go func() {
		b.Retire(b.Generation())
		close(retired)
	}()

	select {
	case <-retired:
		t.Fatal("retire returned while a reader was inside its context")
	case <-time.After(50 * time.Millisecond):
	}

	reader.Exit()
	select {
	case <-retired:
	case <-time.After(5 * time.Second):
		t.Fatal("retire did not return after the reader left")
	}
}

func TestPickRoundRobin(t *testing.T) {
	b := New(3)
	seen := map[*Context]int{}
	for i := 0; i < 9; i++ {
		seen[b.Pick()]++
	}
	assert.Len(t, seen, 3)
	for _, n := range seen {
		assert.Equal(t, 3, n)
	}
}
