package lock_test

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pgbackup/pgbackup/internal/lock"
	"github.com/pgbackup/pgbackup/internal/storage"
)

func newBackendDir(t *testing.T) (storage.Backend, string) {
	t.Helper()

	dir := t.TempDir()

	return storage.NewReal(), dir
}

func TestAcquireExclusive_MutualExclusion(t *testing.T) {
	backend, dir := newBackendDir(t)

	m1 := lock.NewManagerForTest(backend, 101)
	m2 := lock.NewManagerForTest(backend, 202, 101)

	lk1, status1, err := m1.AcquireExclusive(dir, 200*time.Millisecond, true)
	require.NoError(t, err)
	require.Equal(t, lock.StatusOK, status1)
	require.NotNil(t, lk1)

	_, status2, err2 := m2.AcquireExclusive(dir, 100*time.Millisecond, true)
	require.Error(t, err2)
	require.Equal(t, lock.StatusTimeout, status2)

	require.NoError(t, lk1.Close())

	lk2, status3, err3 := m2.AcquireExclusive(dir, 200*time.Millisecond, true)
	require.NoError(t, err3)
	require.Equal(t, lock.StatusOK, status3)
	require.NoError(t, lk2.Close())
}

func TestAcquireShared_AllSucceedWithoutExclusive(t *testing.T) {
	backend, dir := newBackendDir(t)

	managers := []*lock.Manager{
		lock.NewManagerForTest(backend, 301),
		lock.NewManagerForTest(backend, 302),
		lock.NewManagerForTest(backend, 303),
	}

	var locks []*lock.Lock

	for _, m := range managers {
		lk, status, err := m.AcquireShared(dir, 500*time.Millisecond)
		require.NoError(t, err)
		require.Equal(t, lock.StatusOK, status)
		locks = append(locks, lk)
	}

	for _, lk := range locks {
		require.NoError(t, lk.Close())
	}
}

func TestStaleLockRecovery(t *testing.T) {
	backend, dir := newBackendDir(t)

	owner := lock.NewManagerForTest(backend, 401)

	lk, status, err := owner.AcquireExclusive(dir, time.Second, true)
	require.NoError(t, err)
	require.Equal(t, lock.StatusOK, status)

	// Simulate the owning process dying without releasing: the lock file
	// stays on disk, but the PID is no longer alive.
	lock.KillForTest(owner, 401)

	challenger := lock.NewManagerForTest(backend, 402)

	lk2, status2, err2 := challenger.AcquireExclusive(dir, time.Second, true)
	require.NoError(t, err2)
	require.Equal(t, lock.StatusOK, status2)
	require.NoError(t, lk2.Close())

	// The original lock's Close should be harmless even though the file
	// was already reclaimed by the challenger and released again.
	_ = lk.Close()
}

func TestExclusiveWaitsForSharedDeparture(t *testing.T) {
	backend, dir := newBackendDir(t)

	reader := lock.NewManagerForTest(backend, 501)
	rlk, status, err := reader.AcquireShared(dir, time.Second)
	require.NoError(t, err)
	require.Equal(t, lock.StatusOK, status)

	writer := lock.NewManagerForTest(backend, 502)

	done := make(chan struct{})

	var (
		wlk      *lock.Lock
		wstatus  lock.Status
		writeErr error
	)

	go func() {
		wlk, wstatus, writeErr = writer.AcquireExclusive(dir, time.Second, true)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, rlk.Close())

	<-done

	require.NoError(t, writeErr)
	require.Equal(t, lock.StatusOK, wstatus)
	require.NoError(t, wlk.Close())
}

func TestRegistryGuardReleasesAllLocks(t *testing.T) {
	backend, dir := newBackendDir(t)

	m := lock.NewManagerForTest(backend, 601)

	_, status, err := m.AcquireExclusive(dir, time.Second, true)
	require.NoError(t, err)
	require.Equal(t, lock.StatusOK, status)

	require.Len(t, m.Registry().Held(), 1)

	guard := m.Guard()
	guard()

	require.Empty(t, m.Registry().Held())

	_, statErr := backend.Stat(dir + "/" + lock.ExclusiveFileName)
	require.True(t, os.IsNotExist(statErr))
}
