// Package ratchet is a pure-Go session cipher: X3DH-style session
// establishment from a prekey bundle, a symmetric sending chain, and a
// session-less fallback mode that encrypts to a recipient's identity key.
//
// The dispatch engine treats this package as an opaque capability; it only
// asks for "establish", "encrypt" and "fallback encrypt".
package ratchet

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/curve25519"
)

// KeySize is the size of an X25519 key.
const KeySize = 32

// PublicKey is an X25519 public key.
type PublicKey [KeySize]byte

// PrivateKey is a clamped X25519 private key.
type PrivateKey [KeySize]byte

// KeyPair is an X25519 key pair.
type KeyPair struct {
	Private PrivateKey `cbor:"1,keyasint"`
	Public  PublicKey  `cbor:"2,keyasint"`
}

// GenerateKeyPair returns a fresh X25519 key pair.
func GenerateKeyPair() (KeyPair, error) {
	var kp KeyPair
	if _, err := rand.Read(kp.Private[:]); err != nil {
		return KeyPair{}, fmt.Errorf("ratchet: random key: %w", err)
	}
	kp.Private[0] &= 248
	kp.Private[31] &= 127
	kp.Private[31] |= 64
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, fmt.Errorf("ratchet: derive public key: %w", err)
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// IdentityKey is the public identity of an account: an X25519 key used in
// the key agreement and an Ed25519 key that signs prekeys.
type IdentityKey struct {
	DH      PublicKey         `cbor:"1,keyasint"`
	Signing ed25519.PublicKey `cbor:"2,keyasint"`
}

// identityKeySize is the serialized size: DH key followed by signing key.
const identityKeySize = KeySize + ed25519.PublicKeySize

// Serialize returns the 64-byte encoding used for pinning and on the wire.
func (k IdentityKey) Serialize() []byte {
	out := make([]byte, 0, identityKeySize)
	out = append(out, k.DH[:]...)
	return append(out, k.Signing...)
}

// Equal reports whether both identity keys are the same, in constant time.
func (k IdentityKey) Equal(other IdentityKey) bool {
	return subtle.ConstantTimeCompare(k.Serialize(), other.Serialize()) == 1
}

// DeserializeIdentityKey parses the output of Serialize.
func DeserializeIdentityKey(b []byte) (IdentityKey, error) {
	if len(b) != identityKeySize {
		return IdentityKey{}, fmt.Errorf("ratchet: identity key: want %d bytes, got %d", identityKeySize, len(b))
	}
	var k IdentityKey
	copy(k.DH[:], b[:KeySize])
	k.Signing = append(ed25519.PublicKey(nil), b[KeySize:]...)
	return k, nil
}

// IdentityKeyPair is the local long-term identity.
type IdentityKeyPair struct {
	DH      KeyPair            `cbor:"1,keyasint"`
	Signing ed25519.PrivateKey `cbor:"2,keyasint"`
}

// GenerateIdentityKeyPair creates a new local identity.
func GenerateIdentityKeyPair() (*IdentityKeyPair, error) {
	dh, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	_, signing, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("ratchet: signing key: %w", err)
	}
	return &IdentityKeyPair{DH: dh, Signing: signing}, nil
}

// PublicKey returns the public half of the identity.
func (p *IdentityKeyPair) PublicKey() IdentityKey {
	return IdentityKey{
		DH:      p.DH.Public,
		Signing: p.Signing.Public().(ed25519.PublicKey),
	}
}

// Sign signs msg with the identity signing key.
func (p *IdentityKeyPair) Sign(msg []byte) []byte {
	return ed25519.Sign(p.Signing, msg)
}

// Serialize encodes the key pair for local storage.
func (p *IdentityKeyPair) Serialize() ([]byte, error) {
	return cbor.Marshal(p)
}

// DeserializeIdentityKeyPair decodes a key pair written by Serialize.
func DeserializeIdentityKeyPair(b []byte) (*IdentityKeyPair, error) {
	p := new(IdentityKeyPair)
	if err := cbor.Unmarshal(b, p); err != nil {
		return nil, fmt.Errorf("ratchet: decode identity key pair: %w", err)
	}
	if len(p.Signing) != ed25519.PrivateKeySize {
		return nil, errors.New("ratchet: decode identity key pair: bad signing key")
	}
	return p, nil
}

func dh(priv PrivateKey, pub PublicKey) ([]byte, error) {
	out, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return nil, fmt.Errorf("ratchet: x25519: %w", err)
	}
	return out, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
