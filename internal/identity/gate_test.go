package identity

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/gwillem/signal-dispatch/internal/ratchet"
	"github.com/gwillem/signal-dispatch/internal/store"
)

func newGate(t *testing.T) (*Gate, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewGate(st, zerolog.Nop()), st
}

func newKey(t *testing.T) ratchet.IdentityKey {
	t.Helper()
	kp, err := ratchet.GenerateIdentityKeyPair()
	require.NoError(t, err)
	return kp.PublicKey()
}

func TestPutIdentityKey(t *testing.T) {
	g, st := newGate(t)
	k1 := newKey(t)
	k2 := newKey(t)

	res, err := g.PutIdentityKey("alice", k1)
	require.NoError(t, err)
	require.Equal(t, Stored, res)

	res, err = g.PutIdentityKey("alice", k1)
	require.NoError(t, err)
	require.Equal(t, Unchanged, res)

	res, err = g.PutIdentityKey("alice", k2)
	require.NoError(t, err)
	require.Equal(t, Changed, res)

	pinned, err := st.GetIdentityKey("alice")
	require.NoError(t, err)
	require.True(t, pinned.Equal(k1), "changed key must not overwrite the pinned key")
}

func TestPutIdentityKeyPerRecipient(t *testing.T) {
	g, _ := newGate(t)
	k := newKey(t)

	for _, r := range []string{"alice", "bob"} {
		res, err := g.PutIdentityKey(r, k)
		require.NoError(t, err)
		require.Equal(t, Stored, res)
	}
}

func TestConcurrentFirstWrite(t *testing.T) {
	g, _ := newGate(t)
	keys := make([]ratchet.IdentityKey, 8)
	for i := range keys {
		keys[i] = newKey(t)
	}

	results := make([]Result, len(keys))
	var wg sync.WaitGroup
	for i := range keys {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = g.PutIdentityKey("carol", keys[i])
		}(i)
	}
	wg.Wait()

	stored := 0
	for _, r := range results {
		if r == Stored {
			stored++
		} else {
			require.Equal(t, Changed, r)
		}
	}
	require.Equal(t, 1, stored)
}

func TestTrustReplacesKeyAndSessions(t *testing.T) {
	g, st := newGate(t)
	k1 := newKey(t)
	k2 := newKey(t)

	_, err := g.PutIdentityKey("dave", k1)
	require.NoError(t, err)
	require.NoError(t, st.StoreSession("dave", 1, &ratchet.SessionRecord{Version: 1, SendChainKey: []byte("c")}))

	require.NoError(t, g.Trust("dave", k2))

	res, err := g.PutIdentityKey("dave", k2)
	require.NoError(t, err)
	require.Equal(t, Unchanged, res)

	ok, err := st.HasSession("dave", 1)
	require.NoError(t, err)
	require.False(t, ok)
}
