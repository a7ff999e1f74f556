// Package lockfile provides advisory file locks (flock) used to coordinate
// access to an embedded database directory across processes. Shared locks
// allow concurrent readers; an exclusive lock ensures a single writer.
package lockfile

import "errors"

// ErrLockBusy is returned by the non-blocking lock functions when another
// process already holds a conflicting lock.
var ErrLockBusy = errors.New("lock already held by another process")
