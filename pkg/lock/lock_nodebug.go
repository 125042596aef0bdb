//go:build !lockdebug

package lock

import "sync"

type internalMutex struct {
	sync.Mutex
}

type internalRWMutex struct {
	sync.RWMutex
}
