package hashtable

import (
	"fmt"
	"math/bits"

	"go.uber.org/atomic"

	"github.com/kubescape/pidtrap/pkg/lock"
)

// MaxSize bounds the number of buckets a table may be created with.
const MaxSize = 1 << 24

type entry[K comparable, V any] struct {
	key   K
	value V
	next  atomic.Pointer[entry[K, V]]
}

// Bucket is a single open chain of a Table, guarded by its own lock.
//
// Insert and Remove must be called with the bucket lock held. Find and Range
// may also be called without it: chain links are published with atomic
// stores, so a lockless reader observes either the old or the new chain,
// never a half-linked entry. Values unlinked by a writer may still be seen by
// such readers until they leave their read side.
type Bucket[K comparable, V any] struct {
	mu   lock.Mutex
	head atomic.Pointer[entry[K, V]]
	size atomic.Int32
}

func (b *Bucket[K, V]) Lock() {
	b.mu.Lock()
}

func (b *Bucket[K, V]) Unlock() {
	b.mu.Unlock()
}

// Find returns the first value stored under key for which match returns
// true. A nil match accepts any value.
func (b *Bucket[K, V]) Find(key K, match func(V) bool) (V, bool) {
	for e := b.head.Load(); e != nil; e = e.next.Load() {
		if e.key == key && (match == nil || match(e.value)) {
			return e.value, true
		}
	}
	var zero V
	return zero, false
}

// Insert prepends value to the chain. The entry is fully initialized before
// it becomes reachable from the bucket head.
func (b *Bucket[K, V]) Insert(key K, value V) {
	e := &entry[K, V]{key: key, value: value}
	e.next.Store(b.head.Load())
	b.head.Store(e)
	b.size.Inc()
}

// Remove unlinks the first value stored under key accepted by match.
func (b *Bucket[K, V]) Remove(key K, match func(V) bool) (V, bool) {
	var prev *entry[K, V]
	for e := b.head.Load(); e != nil; e = e.next.Load() {
		if e.key == key && (match == nil || match(e.value)) {
			if prev == nil {
				b.head.Store(e.next.Load())
			} else {
				prev.next.Store(e.next.Load())
			}
			b.size.Dec()
			return e.value, true
		}
		prev = e
	}
	var zero V
	return zero, false
}

// Range calls fn for every entry of the chain until fn returns false.
func (b *Bucket[K, V]) Range(fn func(key K, value V) bool) {
	for e := b.head.Load(); e != nil; e = e.next.Load() {
		if !fn(e.key, e.value) {
			return
		}
	}
}

func (b *Bucket[K, V]) Len() int {
	return int(b.size.Load())
}

// Table is a fixed size hash table of chained buckets, one lock per bucket.
// There is no table wide lock and the table never grows.
type Table[K comparable, V any] struct {
	buckets []Bucket[K, V]
	mask    uint64
	hash    func(K) uint64
}

// New allocates a table of size buckets, rounded up to the next power of two.
func New[K comparable, V any](size int, hash func(K) uint64) (*Table[K, V], error) {
	if size <= 0 || size > MaxSize {
		return nil, fmt.Errorf("invalid hash table size %d", size)
	}
	if hash == nil {
		return nil, fmt.Errorf("hash function is required")
	}
	if size&(size-1) != 0 {
		size = 1 << bits.Len(uint(size))
	}
	return &Table[K, V]{
		buckets: make([]Bucket[K, V], size),
		mask:    uint64(size - 1),
		hash:    hash,
	}, nil
}

// Size returns the number of buckets.
func (t *Table[K, V]) Size() int {
	return len(t.buckets)
}

func (t *Table[K, V]) Bucket(key K) *Bucket[K, V] {
	return &t.buckets[t.hash(key)&t.mask]
}

// Update runs fn with the bucket of key locked.
func (t *Table[K, V]) Update(key K, fn func(b *Bucket[K, V])) {
	b := t.Bucket(key)
	b.Lock()
	defer b.Unlock()
	fn(b)
}

// LookupOrInsert returns the value under key accepted by match, inserting
// the result of create when there is none. found is called with the bucket
// lock still held, for callers that need to take a reference atomically with
// the lookup.
func (t *Table[K, V]) LookupOrInsert(key K, match func(V) bool, create func() V, found func(V)) (V, bool) {
	b := t.Bucket(key)
	b.Lock()
	defer b.Unlock()

	v, ok := b.Find(key, match)
	if !ok {
		v = create()
		b.Insert(key, v)
	}
	if found != nil {
		found(v)
	}
	return v, !ok
}

// ForEach calls fn for every bucket, unlocked. fn decides the locking.
func (t *Table[K, V]) ForEach(fn func(b *Bucket[K, V])) {
	for i := range t.buckets {
		fn(&t.buckets[i])
	}
}

func (t *Table[K, V]) Len() int {
	n := 0
	for i := range t.buckets {
		n += t.buckets[i].Len()
	}
	return n
}
