//go:build lockdebug

package lock

import (
	"time"

	deadlock "github.com/sasha-s/go-deadlock"
)

func init() {
	// Enable/disable may sit in a uprobe attach for a while, do not flag
	// that as a deadlock.
	deadlock.Opts.DeadlockTimeout = 5 * time.Minute
}

type internalMutex struct {
	deadlock.Mutex
}

type internalRWMutex struct {
	deadlock.RWMutex
}
