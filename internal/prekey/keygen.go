package prekey

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/gwillem/signal-dispatch/internal/ratchet"
	"github.com/gwillem/signal-dispatch/internal/store"
)

// KeyStore persists the local account and its prekeys.
type KeyStore interface {
	LoadAccount() (*store.Account, error)
	SaveAccount(acct *store.Account) error
	ReservePreKeyIDs(count int) (uint32, error)
	StorePreKey(rec *ratchet.PreKeyRecord) error
	NextSignedPreKeyID() (uint32, error)
	StoreSignedPreKey(rec *ratchet.SignedPreKeyRecord) error
	LatestSignedPreKey() (*ratchet.SignedPreKeyRecord, error)
	RemoveSignedPreKeysBefore(cutoff time.Time, keep uint32) (int, error)
}

// EnsureAccount loads the local account, creating a fresh identity and
// registration ID on first use.
func EnsureAccount(ks KeyStore) (*store.Account, error) {
	acct, err := ks.LoadAccount()
	if err != nil {
		return nil, fmt.Errorf("keygen: load account: %w", err)
	}
	if acct != nil {
		return acct, nil
	}
	kp, err := ratchet.GenerateIdentityKeyPair()
	if err != nil {
		return nil, fmt.Errorf("keygen: generate identity: %w", err)
	}
	acct = &store.Account{IdentityKeyPair: kp, RegistrationID: generateRegistrationID()}
	if err := ks.SaveAccount(acct); err != nil {
		return nil, fmt.Errorf("keygen: save account: %w", err)
	}
	return acct, nil
}

// GeneratePreKeys creates and stores count one-time prekeys with fresh,
// monotonically increasing IDs.
func GeneratePreKeys(ks KeyStore, count int) ([]*ratchet.PreKeyRecord, error) {
	if count <= 0 {
		return nil, nil
	}
	first, err := ks.ReservePreKeyIDs(count)
	if err != nil {
		return nil, fmt.Errorf("keygen: reserve pre-key ids: %w", err)
	}
	recs := make([]*ratchet.PreKeyRecord, 0, count)
	for i := range count {
		rec, err := ratchet.GeneratePreKey(first + uint32(i))
		if err != nil {
			return nil, fmt.Errorf("keygen: generate pre-key: %w", err)
		}
		if err := ks.StorePreKey(rec); err != nil {
			return nil, fmt.Errorf("keygen: store pre-key: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// RotateSignedPreKey creates a new signed prekey and deletes signed prekeys
// older than maxAge, never deleting the new one. It returns the new record
// and the number removed.
func RotateSignedPreKey(ks KeyStore, identity *ratchet.IdentityKeyPair, now time.Time, maxAge time.Duration) (*ratchet.SignedPreKeyRecord, int, error) {
	id, err := ks.NextSignedPreKeyID()
	if err != nil {
		return nil, 0, fmt.Errorf("keygen: signed pre-key id: %w", err)
	}
	rec, err := ratchet.GenerateSignedPreKey(identity, id, now)
	if err != nil {
		return nil, 0, fmt.Errorf("keygen: generate signed pre-key: %w", err)
	}
	if err := ks.StoreSignedPreKey(rec); err != nil {
		return nil, 0, fmt.Errorf("keygen: store signed pre-key: %w", err)
	}
	removed, err := ks.RemoveSignedPreKeysBefore(now.Add(-maxAge), id)
	if err != nil {
		return rec, 0, fmt.Errorf("keygen: prune signed pre-keys: %w", err)
	}
	return rec, removed, nil
}

// CurrentSignedPreKey returns the latest signed prekey, creating one if none
// exists.
func CurrentSignedPreKey(ks KeyStore, identity *ratchet.IdentityKeyPair, now time.Time) (*ratchet.SignedPreKeyRecord, error) {
	rec, err := ks.LatestSignedPreKey()
	if err != nil {
		return nil, fmt.Errorf("keygen: latest signed pre-key: %w", err)
	}
	if rec != nil {
		return rec, nil
	}
	id, err := ks.NextSignedPreKeyID()
	if err != nil {
		return nil, fmt.Errorf("keygen: signed pre-key id: %w", err)
	}
	if rec, err = ratchet.GenerateSignedPreKey(identity, id, now); err != nil {
		return nil, fmt.Errorf("keygen: generate signed pre-key: %w", err)
	}
	if err := ks.StoreSignedPreKey(rec); err != nil {
		return nil, fmt.Errorf("keygen: store signed pre-key: %w", err)
	}
	return rec, nil
}

// generateRegistrationID generates a random 14-bit registration ID (1-16384).
func generateRegistrationID() uint32 {
	var buf [4]byte
	rand.Read(buf[:])
	return binary.BigEndian.Uint32(buf[:])&0x3FFF + 1
}
