package ratchet

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	recordVersion = 1
	maxSkip       = 2000
)

var (
	// ErrNoSendingChain is returned when encrypting with a record that was
	// created by the receiving side and has no sending chain yet.
	ErrNoSendingChain = errors.New("ratchet: session has no sending chain")
	// ErrCounterTooFar is returned when a message counter is too far ahead.
	ErrCounterTooFar = errors.New("ratchet: message counter too far ahead")
	// ErrDuplicateMessage is returned for a counter that was already consumed.
	ErrDuplicateMessage = errors.New("ratchet: duplicate or out of order message")
)

// pendingPreKey holds what the initiator must repeat in every message until
// the remote side has answered.
type pendingPreKey struct {
	PreKeyID       uint32    `cbor:"1,keyasint"`
	SignedPreKeyID uint32    `cbor:"2,keyasint"`
	BaseKey        PublicKey `cbor:"3,keyasint"`
}

// SessionRecord is the serialized per-device session state. Callers treat it
// as opaque; the engine only stores, loads and hands it back to the cipher.
type SessionRecord struct {
	Version              int            `cbor:"1,keyasint"`
	RemoteIdentity       []byte         `cbor:"2,keyasint"`
	LocalIdentity        []byte         `cbor:"3,keyasint"`
	RemoteRegistrationID uint32         `cbor:"4,keyasint"`
	RootKey              []byte         `cbor:"5,keyasint"`
	SendChainKey         []byte         `cbor:"6,keyasint,omitempty"`
	SendCounter          uint32         `cbor:"7,keyasint"`
	RecvChainKey         []byte         `cbor:"8,keyasint,omitempty"`
	RecvCounter          uint32         `cbor:"9,keyasint"`
	Pending              *pendingPreKey `cbor:"10,keyasint,omitempty"`
}

// Serialize encodes the record.
func (r *SessionRecord) Serialize() ([]byte, error) {
	b, err := cbor.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("ratchet: encode session: %w", err)
	}
	return b, nil
}

// DeserializeSessionRecord decodes a record written by Serialize.
func DeserializeSessionRecord(b []byte) (*SessionRecord, error) {
	r := new(SessionRecord)
	if err := cbor.Unmarshal(b, r); err != nil {
		return nil, fmt.Errorf("ratchet: decode session: %w", err)
	}
	if r.Version != recordVersion {
		return nil, fmt.Errorf("ratchet: unsupported session version %d", r.Version)
	}
	return r, nil
}

// CanEncrypt reports whether the record has a sending chain.
func (r *SessionRecord) CanEncrypt() bool { return len(r.SendChainKey) > 0 }

// CanDecrypt reports whether the record has a receiving chain.
func (r *SessionRecord) CanDecrypt() bool { return len(r.RecvChainKey) > 0 }

// Counter returns the number of messages encrypted with this record.
func (r *SessionRecord) Counter() uint32 { return r.SendCounter }

// RemoteIdentityKey returns the identity key this session was established with.
func (r *SessionRecord) RemoteIdentityKey() (IdentityKey, error) {
	return DeserializeIdentityKey(r.RemoteIdentity)
}

// Clone returns a deep copy so a failed operation cannot leave a
// half-advanced record behind.
func (r *SessionRecord) Clone() *SessionRecord {
	c := *r
	c.RemoteIdentity = clone(r.RemoteIdentity)
	c.LocalIdentity = clone(r.LocalIdentity)
	c.RootKey = clone(r.RootKey)
	c.SendChainKey = clone(r.SendChainKey)
	c.RecvChainKey = clone(r.RecvChainKey)
	if r.Pending != nil {
		p := *r.Pending
		c.Pending = &p
	}
	return &c
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

// messageKeys holds the per-message AEAD key and nonce.
type messageKeys struct {
	key   []byte
	nonce []byte
}

// kdfChain advances a chain key and yields the message keys for one message.
func kdfChain(ck []byte) (next []byte, mk messageKeys) {
	r := hkdf.New(sha256.New, ck, nil, []byte("dispatch|chain"))
	next = make([]byte, 32)
	mk.key = make([]byte, chacha20poly1305.KeySize)
	mk.nonce = make([]byte, chacha20poly1305.NonceSize)
	_, _ = io.ReadFull(r, next)
	_, _ = io.ReadFull(r, mk.key)
	_, _ = io.ReadFull(r, mk.nonce)
	return next, mk
}

// kdfRoot derives the root key and the initial chain from the agreed secret.
func kdfRoot(secret []byte) (root, chain []byte) {
	r := hkdf.New(sha256.New, secret, make([]byte, sha256.Size), []byte("dispatch|x3dh"))
	root = make([]byte, 32)
	chain = make([]byte, 32)
	_, _ = io.ReadFull(r, root)
	_, _ = io.ReadFull(r, chain)
	return root, chain
}

func seal(mk messageKeys, ad, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk.key)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, mk.nonce, plaintext, ad), nil
}

func open(mk messageKeys, ad, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk.key)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, mk.nonce, ciphertext, ad)
}
