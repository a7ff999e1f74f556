//go:build unix

package lockfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openLockFile(t *testing.T, dir string) *os.File {
	t.Helper()
	f, err := os.OpenFile(filepath.Join(dir, "access.lock"), os.O_CREATE|os.O_RDWR, 0o644)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestExclusiveExcludesExclusive(t *testing.T) {
	dir := t.TempDir()
	f1 := openLockFile(t, dir)
	f2 := openLockFile(t, dir)

	require.NoError(t, FlockExclusiveNonBlock(f1))

	// Same process re-acquiring through a second descriptor still conflicts
	// with flock semantics on separate open file descriptions.
	err := FlockExclusiveNonBlock(f2)
	require.ErrorIs(t, err, ErrLockBusy)

	require.NoError(t, FlockUnlock(f1))
	require.NoError(t, FlockExclusiveNonBlock(f2))
}

func TestSharedAllowsShared(t *testing.T) {
	dir := t.TempDir()
	f1 := openLockFile(t, dir)
	f2 := openLockFile(t, dir)

	require.NoError(t, FlockSharedNonBlock(f1))
	require.NoError(t, FlockSharedNonBlock(f2))

	f3 := openLockFile(t, dir)
	require.ErrorIs(t, FlockExclusiveNonBlock(f3), ErrLockBusy)
}
