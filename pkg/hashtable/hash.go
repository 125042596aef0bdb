package hashtable

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// HashPid hashes a process id.
func HashPid(pid int32) uint64 {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(pid))
	return xxhash.Sum64(buf[:])
}

// HashPidAddr hashes a (process id, address) pair.
func HashPidAddr(pid int32, addr uint64) uint64 {
	var buf [12]byte
	binary.LittleEndian.PutUint32(buf[:4], uint32(pid))
	binary.LittleEndian.PutUint64(buf[4:], addr)
	return xxhash.Sum64(buf[:])
}

// HashPidName hashes a (process id, name) pair.
func HashPidName(pid int32, name string) uint64 {
	return xxhash.Sum64String(name) + HashPid(pid)
}
