package lockfile

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireAndRelease(t *testing.T) {
	dir := t.TempDir()

	lock, err := Acquire(dir)
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "LOCK"))
	require.NoError(t, err)

	require.NoError(t, lock.Release())
	_, err = os.Stat(filepath.Join(dir, "LOCK"))
	assert.True(t, os.IsNotExist(err))
}

func TestAcquireHeldByLiveProcess(t *testing.T) {
	dir := t.TempDir()

	// Our own pid counts as a live holder.
	lock, err := Acquire(dir)
	require.NoError(t, err)
	defer lock.Release()

	_, err = Acquire(dir)
	assert.ErrorIs(t, err, ErrLocked)
}

func TestAcquireBreaksStaleLock(t *testing.T) {
	dir := t.TempDir()
	// A pid far beyond pid_max cannot belong to a running process.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "LOCK"), []byte(fmt.Sprintf("%d\n", 1<<30)), 0o644))

	lock, err := Acquire(dir)
	require.NoError(t, err)
	require.NoError(t, lock.Release())
}

func TestAcquireKeepsUnattributableLock(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "LOCK"), []byte("not a pid"), 0o644))

	_, err := Acquire(dir)
	assert.ErrorIs(t, err, ErrLocked)
}

func TestReleaseNilLock(t *testing.T) {
	var lock *Lock
	assert.NoError(t, lock.Release())
}
