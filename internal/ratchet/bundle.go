package ratchet

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// ErrBadSignature is returned when a signed prekey signature does not verify.
var ErrBadSignature = errors.New("ratchet: signed prekey signature invalid")

// Bundle is the public material a remote device publishes so that a session
// can be started without an interactive handshake.
type Bundle struct {
	RegistrationID        uint32
	DeviceID              uint32
	IdentityKey           IdentityKey
	SignedPreKeyID        uint32
	SignedPreKey          PublicKey
	SignedPreKeySignature []byte
	PreKeyID              uint32 // zero when PreKey is nil
	PreKey                *PublicKey
}

// Verify checks the signed prekey signature against the identity key.
func (b *Bundle) Verify() error {
	if len(b.IdentityKey.Signing) != ed25519.PublicKeySize {
		return fmt.Errorf("ratchet: bundle for device %d: bad identity key", b.DeviceID)
	}
	if !ed25519.Verify(b.IdentityKey.Signing, b.SignedPreKey[:], b.SignedPreKeySignature) {
		return ErrBadSignature
	}
	return nil
}

// PreKeyRecord is a local one-time prekey.
type PreKeyRecord struct {
	ID      uint32  `cbor:"1,keyasint"`
	KeyPair KeyPair `cbor:"2,keyasint"`
}

// SignedPreKeyRecord is a local signed prekey.
type SignedPreKeyRecord struct {
	ID        uint32    `cbor:"1,keyasint"`
	KeyPair   KeyPair   `cbor:"2,keyasint"`
	Signature []byte    `cbor:"3,keyasint"`
	CreatedAt time.Time `cbor:"4,keyasint"`
}

// GeneratePreKey creates a one-time prekey with the given ID.
func GeneratePreKey(id uint32) (*PreKeyRecord, error) {
	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return &PreKeyRecord{ID: id, KeyPair: kp}, nil
}

// GenerateSignedPreKey creates a signed prekey with the given ID.
func GenerateSignedPreKey(identity *IdentityKeyPair, id uint32, now time.Time) (*SignedPreKeyRecord, error) {
	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return &SignedPreKeyRecord{
		ID:        id,
		KeyPair:   kp,
		Signature: identity.Sign(kp.Public[:]),
		CreatedAt: now.UTC(),
	}, nil
}

// Serialize encodes the record for storage.
func (r *PreKeyRecord) Serialize() ([]byte, error) { return cbor.Marshal(r) }

// Serialize encodes the record for storage.
func (r *SignedPreKeyRecord) Serialize() ([]byte, error) { return cbor.Marshal(r) }

// DeserializePreKeyRecord decodes a stored one-time prekey.
func DeserializePreKeyRecord(b []byte) (*PreKeyRecord, error) {
	r := new(PreKeyRecord)
	if err := cbor.Unmarshal(b, r); err != nil {
		return nil, fmt.Errorf("ratchet: decode pre-key: %w", err)
	}
	return r, nil
}

// DeserializeSignedPreKeyRecord decodes a stored signed prekey.
func DeserializeSignedPreKeyRecord(b []byte) (*SignedPreKeyRecord, error) {
	r := new(SignedPreKeyRecord)
	if err := cbor.Unmarshal(b, r); err != nil {
		return nil, fmt.Errorf("ratchet: decode signed pre-key: %w", err)
	}
	return r, nil
}
