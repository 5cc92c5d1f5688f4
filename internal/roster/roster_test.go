package roster

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/gwillem/signal-dispatch/internal/ratchet"
	"github.com/gwillem/signal-dispatch/internal/store"
)

func setup(t *testing.T) (*Tracker, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewTracker(st, zerolog.Nop()), st
}

func session() *ratchet.SessionRecord {
	return &ratchet.SessionRecord{Version: 1, SendChainKey: []byte("c")}
}

func TestDefaultDevice(t *testing.T) {
	tr, _ := setup(t)

	ids, err := tr.DeviceIDs("alice")
	require.NoError(t, err)
	require.Equal(t, []int{DefaultDevice}, ids)

	known, err := tr.Known("alice")
	require.NoError(t, err)
	require.False(t, known)
}

func TestDeviceIDsFromSessions(t *testing.T) {
	tr, st := setup(t)
	for _, d := range []int{1, 2, 3} {
		require.NoError(t, st.StoreSession("bob", d, session()))
	}

	ids, err := tr.DeviceIDs("bob")
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 3}, ids)

	known, err := tr.Known("bob")
	require.NoError(t, err)
	require.True(t, known)
}

func TestReconcile(t *testing.T) {
	tr, st := setup(t)
	for _, d := range []int{1, 2, 3} {
		require.NoError(t, st.StoreSession("carol", d, session()))
	}

	require.NoError(t, tr.Reconcile("carol", Reconciliation{Remove: []int{3}, Stale: []int{2, 3}}))

	ids, err := tr.DeviceIDs("carol")
	require.NoError(t, err)
	require.Equal(t, []int{1, 2}, ids, "stale devices stay in the roster")

	open, err := st.HasSession("carol", 2)
	require.NoError(t, err)
	require.False(t, open)
	open, err = st.HasSession("carol", 1)
	require.NoError(t, err)
	require.True(t, open)
}

func TestReconcileEmptyIsNoop(t *testing.T) {
	tr, _ := setup(t)
	require.NoError(t, tr.Reconcile("dave", Reconciliation{}))
}

type failingStore struct{}

var errDisk = errors.New("disk on fire")

func (failingStore) GetDeviceIDs(string) ([]int, error) { return nil, errDisk }

func (failingStore) ReconcileSessions(string, []int, []int) error { return errDisk }

func (failingStore) RemoveAllSessions(string) error { return errDisk }

func TestStorageFaultsPropagate(t *testing.T) {
	tr := NewTracker(failingStore{}, zerolog.Nop())

	_, err := tr.DeviceIDs("erin")
	require.ErrorIs(t, err, errDisk)
	err = tr.Reconcile("erin", Reconciliation{Remove: []int{2}})
	require.ErrorIs(t, err, errDisk)
	err = tr.Snapshot("erin", func([]int) error { return nil })
	require.ErrorIs(t, err, errDisk)
	err = tr.Reset("erin")
	require.ErrorIs(t, err, errDisk)
}

func TestReset(t *testing.T) {
	tr, st := setup(t)
	for _, d := range []int{1, 2, 3} {
		require.NoError(t, st.StoreSession("gina", d, session()))
	}
	require.NoError(t, st.StoreSession("hank", 1, session()))

	require.NoError(t, tr.Reset("gina"))

	known, err := tr.Known("gina")
	require.NoError(t, err)
	require.False(t, known)
	ids, err := tr.DeviceIDs("hank")
	require.NoError(t, err)
	require.Equal(t, []int{1}, ids)
}

func TestResetWaitsForSnapshot(t *testing.T) {
	tr, st := setup(t)
	require.NoError(t, st.StoreSession("ivan", 1, session()))

	inside := make(chan struct{})
	release := make(chan struct{})
	snapshotDone := make(chan struct{})
	go func() {
		defer close(snapshotDone)
		tr.Snapshot("ivan", func(devices []int) error {
			close(inside)
			<-release
			// A device registered while the snapshot is held.
			return st.StoreSession("ivan", 2, session())
		})
	}()
	<-inside

	reset := make(chan error, 1)
	go func() { reset <- tr.Reset("ivan") }()

	select {
	case <-reset:
		t.Fatal("reset ran while a snapshot was held")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	<-snapshotDone
	require.NoError(t, <-reset)

	known, err := tr.Known("ivan")
	require.NoError(t, err)
	require.False(t, known, "devices added before the reset are removed too")
}

func TestSnapshotExcludesReconcile(t *testing.T) {
	tr, st := setup(t)
	for _, d := range []int{1, 2} {
		require.NoError(t, st.StoreSession("frank", d, session()))
	}

	inside := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		tr.Snapshot("frank", func(devices []int) error {
			close(inside)
			<-release
			return nil
		})
	}()
	<-inside

	reconciled := make(chan struct{})
	go func() {
		tr.Reconcile("frank", Reconciliation{Remove: []int{2}})
		close(reconciled)
	}()

	select {
	case <-reconciled:
		t.Fatal("reconcile ran while a snapshot was held")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	wg.Wait()
	<-reconciled

	ids, err := tr.DeviceIDs("frank")
	require.NoError(t, err)
	require.Equal(t, []int{1}, ids)
}
