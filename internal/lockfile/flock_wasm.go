//go:build js && wasm

package lockfile

import "os"

// WASM has no file locking and is effectively single-process, so every
// operation is a no-op.

func FlockSharedNonBlock(f *os.File) error    { return nil }
func FlockExclusiveNonBlock(f *os.File) error { return nil }
func FlockUnlock(f *os.File) error            { return nil }
