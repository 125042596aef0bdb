package lock

// Mutex is equivalent to sync.Mutex but applies deadlock detection if the
// build tag "lockdebug" is set
type Mutex struct {
	internalMutex
}

// RWMutex is equivalent to sync.RWMutex but applies deadlock detection if the
// build tag "lockdebug" is set
type RWMutex struct {
	internalRWMutex
}
