package tracepoint

import (
	"github.com/kubescape/pidtrap/pkg/barrier"
)

// Hit is one probe interested in a trap that fired.
type Hit struct {
	ProbeID uint64
	Kind    Kind
}

// Dispatch resolves a trap at addr in pid to the probes interested in it,
// entry list first. It takes no table locks; ctx keeps the probes it walks
// from being destroyed until it returns.
func (t *Table) Dispatch(ctx *barrier.Context, pid int32, addr uint64) []Hit {
	ctx.Enter()
	defer ctx.Exit()

	key := Key{Pid: pid, Addr: addr}
	tp, ok := t.table.Bucket(key).Find(key, liveTracepoint)
	if !ok {
		return nil
	}
	var hits []Hit
	for id := tp.entries.Load(); id != nil; id = id.next.Load() {
		hits = append(hits, Hit{ProbeID: id.probe.ID(), Kind: id.kind})
	}
	for id := tp.returns.Load(); id != nil; id = id.next.Load() {
		hits = append(hits, Hit{ProbeID: id.probe.ID(), Kind: id.kind})
	}
	return hits
}

// Instruction returns a copy of the original instruction saved for the live
// tracepoint at addr in pid.
func (t *Table) Instruction(pid int32, addr uint64) ([]byte, error) {
	key := Key{Pid: pid, Addr: addr}
	b := t.table.Bucket(key)
	b.Lock()
	defer b.Unlock()
	tp, ok := b.Find(key, liveTracepoint)
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), tp.Instr...), nil
}

// Installed lists the keys of all published tracepoints.
func (t *Table) Installed() []Key {
	var keys []Key
	t.table.ForEach(func(b *bucket) {
		b.Lock()
		defer b.Unlock()
		b.Range(func(k Key, _ *Tracepoint) bool {
			keys = append(keys, k)
			return true
		})
	})
	return keys
}
