package prekey

import (
	"context"
	"encoding/base64"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/gwillem/signal-dispatch/internal/ratchet"
	"github.com/gwillem/signal-dispatch/internal/store"
	"github.com/gwillem/signal-dispatch/internal/transport"
)

var b64 = base64.RawStdEncoding

// fakeDirectory serves one identity with the configured devices.
type fakeDirectory struct {
	identity *ratchet.IdentityKeyPair
	devices  map[int]bool // device -> has one-time prekey
	calls    atomic.Int32
}

func newFakeDirectory(t *testing.T, devices map[int]bool) *fakeDirectory {
	t.Helper()
	ik, err := ratchet.GenerateIdentityKeyPair()
	require.NoError(t, err)
	return &fakeDirectory{identity: ik, devices: devices}
}

func (d *fakeDirectory) FetchPreKeys(_ context.Context, recipient string, deviceID int) (*transport.PreKeyResponse, error) {
	d.calls.Add(1)
	if recipient == "ghost" {
		return nil, transport.ErrNotFound
	}
	resp := &transport.PreKeyResponse{IdentityKey: b64.EncodeToString(d.identity.PublicKey().Serialize())}
	for id, withPreKey := range d.devices {
		if deviceID != 0 && id != deviceID {
			continue
		}
		spk, err := ratchet.GenerateSignedPreKey(d.identity, uint32(id), time.Now())
		if err != nil {
			return nil, err
		}
		info := transport.PreKeyDeviceInfo{
			DeviceID:       id,
			RegistrationID: 500 + id,
			SignedPreKey: &transport.SignedPreKeyEntity{
				KeyID:     int(spk.ID),
				PublicKey: b64.EncodeToString(spk.KeyPair.Public[:]),
				Signature: b64.EncodeToString(spk.Signature),
			},
		}
		if withPreKey {
			pk, err := ratchet.GeneratePreKey(uint32(10 + id))
			if err != nil {
				return nil, err
			}
			info.PreKey = &transport.PreKeyEntity{KeyID: int(pk.ID), PublicKey: b64.EncodeToString(pk.KeyPair.Public[:])}
		}
		resp.Devices = append(resp.Devices, info)
	}
	if len(resp.Devices) == 0 {
		return nil, transport.ErrNotFound
	}
	return resp, nil
}

func tempCache(t *testing.T) *ContactCache {
	t.Helper()
	c, err := OpenContactCache(filepath.Join(t.TempDir(), "contacts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestRemoteResolveWritesCache(t *testing.T) {
	dir := newFakeDirectory(t, map[int]bool{1: true, 2: true})
	cache := tempCache(t)
	r := NewResolver(dir, cache, zerolog.Nop())
	require.Equal(t, ModeRemote, r.Mode())

	b, err := r.Resolve(context.Background(), "alice", 2, ModeRemote)
	require.NoError(t, err)
	require.Equal(t, uint32(2), b.DeviceID)
	require.NoError(t, b.Verify())

	cached, err := r.Resolve(context.Background(), "alice", 2, ModeLocalPinned)
	require.NoError(t, err)
	require.Equal(t, b.SignedPreKey, cached.SignedPreKey)
	require.Equal(t, *b.PreKey, *cached.PreKey)
	require.True(t, cached.IdentityKey.Equal(dir.identity.PublicKey()))
	require.NoError(t, cached.Verify())
	require.Equal(t, int32(1), dir.calls.Load(), "local-pinned mode must not touch the network")
}

func TestResolveAll(t *testing.T) {
	dir := newFakeDirectory(t, map[int]bool{1: true, 2: false, 3: true})
	r := NewResolver(dir, tempCache(t), zerolog.Nop())

	bundles, err := r.ResolveAll(context.Background(), "bob")
	require.NoError(t, err)
	require.Len(t, bundles, 3)

	// Device 2 came without a one-time prekey, so its pinned copy is incomplete.
	_, err = r.Resolve(context.Background(), "bob", 2, ModeLocalPinned)
	var miss *LocalMissError
	require.True(t, errors.As(err, &miss))
	require.Equal(t, "pre-key", miss.Missing)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = r.Resolve(context.Background(), "bob", 3, ModeLocalPinned)
	require.NoError(t, err)
}

func TestRemoteNotFoundIsNotLocalMiss(t *testing.T) {
	r := NewResolver(newFakeDirectory(t, map[int]bool{1: true}), tempCache(t), zerolog.Nop())

	_, err := r.Resolve(context.Background(), "ghost", 1, ModeRemote)
	require.ErrorIs(t, err, ErrNotFound)
	var miss *LocalMissError
	require.False(t, errors.As(err, &miss))

	// Unknown device of a known recipient.
	_, err = r.Resolve(context.Background(), "carol", 7, ModeRemote)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLocalPinnedWithoutDirectory(t *testing.T) {
	r := NewResolver(nil, tempCache(t), zerolog.Nop())
	require.Equal(t, ModeLocalPinned, r.Mode())

	_, err := r.Resolve(context.Background(), "dave", 1, ModeRemote)
	var miss *LocalMissError
	require.True(t, errors.As(err, &miss))
	require.Equal(t, "contact", miss.Missing)

	_, err = r.ResolveAll(context.Background(), "dave")
	require.Error(t, err)
}

func TestCacheRemove(t *testing.T) {
	dir := newFakeDirectory(t, map[int]bool{1: true, 2: true})
	r := NewResolver(dir, tempCache(t), zerolog.Nop())
	_, err := r.ResolveAll(context.Background(), "erin")
	require.NoError(t, err)

	require.NoError(t, r.Forget("erin", 2))
	_, err = r.Resolve(context.Background(), "erin", 2, ModeLocalPinned)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = r.Resolve(context.Background(), "erin", 1, ModeLocalPinned)
	require.NoError(t, err)

	require.NoError(t, r.Forget("erin"))
	_, err = r.Resolve(context.Background(), "erin", 1, ModeLocalPinned)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, r.Forget("nobody", 1))
}

func TestCacheReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "contacts.db")
	c, err := OpenContactCache(path)
	require.NoError(t, err)
	dir := newFakeDirectory(t, map[int]bool{1: true})
	_, err = NewResolver(dir, c, zerolog.Nop()).Resolve(context.Background(), "frank", 1, ModeRemote)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	c, err = OpenContactCache(path)
	require.NoError(t, err)
	defer c.Close()
	_, err = c.Bundle("frank", 1)
	require.NoError(t, err)
}

func tempStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestEnsureAccountIsStable(t *testing.T) {
	st := tempStore(t)
	a1, err := EnsureAccount(st)
	require.NoError(t, err)
	require.NotZero(t, a1.RegistrationID)
	require.LessOrEqual(t, a1.RegistrationID, uint32(0x4000))

	a2, err := EnsureAccount(st)
	require.NoError(t, err)
	require.True(t, a1.IdentityKeyPair.PublicKey().Equal(a2.IdentityKeyPair.PublicKey()))
	require.Equal(t, a1.RegistrationID, a2.RegistrationID)
}

func TestGeneratePreKeysMonotonic(t *testing.T) {
	st := tempStore(t)

	first, err := GeneratePreKeys(st, 5)
	require.NoError(t, err)
	require.Len(t, first, 5)
	for i, rec := range first {
		require.Equal(t, uint32(i+1), rec.ID)
	}

	// Consume some; new IDs never reuse them.
	require.NoError(t, st.RemovePreKey(5))
	second, err := GeneratePreKeys(st, 2)
	require.NoError(t, err)
	require.Equal(t, uint32(6), second[0].ID)
	require.Equal(t, uint32(7), second[1].ID)

	none, err := GeneratePreKeys(st, 0)
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestRotateSignedPreKey(t *testing.T) {
	st := tempStore(t)
	acct, err := EnsureAccount(st)
	require.NoError(t, err)

	start := time.Now().Add(-90 * 24 * time.Hour)
	spk1, err := CurrentSignedPreKey(st, acct.IdentityKeyPair, start)
	require.NoError(t, err)

	again, err := CurrentSignedPreKey(st, acct.IdentityKeyPair, time.Now())
	require.NoError(t, err)
	require.Equal(t, spk1.ID, again.ID)

	spk2, removed, err := RotateSignedPreKey(st, acct.IdentityKeyPair, time.Now(), 30*24*time.Hour)
	require.NoError(t, err)
	require.Greater(t, spk2.ID, spk1.ID)
	require.Equal(t, 1, removed)

	latest, err := st.LatestSignedPreKey()
	require.NoError(t, err)
	require.Equal(t, spk2.ID, latest.ID)
}
