package ratchet

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// CiphertextType tells the receiver how to process a ciphertext.
type CiphertextType uint8

const (
	// CiphertextWhisper is a message on an acknowledged session.
	CiphertextWhisper CiphertextType = 2
	// CiphertextPreKey carries the session setup alongside the message.
	CiphertextPreKey CiphertextType = 3
)

// Ciphertext is the output of Encrypt.
type Ciphertext struct {
	Type CiphertextType
	Body []byte
}

type whisperMessage struct {
	Counter    uint32 `cbor:"1,keyasint"`
	Ciphertext []byte `cbor:"2,keyasint"`
}

type preKeyMessage struct {
	RegistrationID uint32         `cbor:"1,keyasint"`
	PreKeyID       uint32         `cbor:"2,keyasint"`
	SignedPreKeyID uint32         `cbor:"3,keyasint"`
	BaseKey        PublicKey      `cbor:"4,keyasint"`
	IdentityKey    []byte         `cbor:"5,keyasint"`
	Message        whisperMessage `cbor:"6,keyasint"`
}

// Cipher establishes sessions and encrypts for the local identity.
type Cipher struct {
	Identity       *IdentityKeyPair
	RegistrationID uint32
}

// NewCipher returns a cipher for the given local identity.
func NewCipher(identity *IdentityKeyPair, registrationID uint32) *Cipher {
	return &Cipher{Identity: identity, RegistrationID: registrationID}
}

// Establish runs the initiator side of the key agreement against a verified
// bundle and returns a fresh session record.
func (c *Cipher) Establish(b *Bundle) (*SessionRecord, error) {
	if c.Identity == nil {
		return nil, errors.New("ratchet: no local identity")
	}
	if err := b.Verify(); err != nil {
		return nil, err
	}
	base, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	secret, err := agreeInitiator(c.Identity.DH.Private, base.Private, b)
	if err != nil {
		return nil, err
	}
	root, chain := kdfRoot(secret)
	zero(secret)

	rec := &SessionRecord{
		Version:              recordVersion,
		RemoteIdentity:       b.IdentityKey.Serialize(),
		LocalIdentity:        c.Identity.PublicKey().Serialize(),
		RemoteRegistrationID: b.RegistrationID,
		RootKey:              root,
		SendChainKey:         chain,
		Pending: &pendingPreKey{
			PreKeyID:       b.PreKeyID,
			SignedPreKeyID: b.SignedPreKeyID,
			BaseKey:        base.Public,
		},
	}
	return rec, nil
}

// Encrypt encrypts plaintext on the session, advancing rec in place.
// On error rec is left unchanged.
func (c *Cipher) Encrypt(rec *SessionRecord, plaintext []byte) (Ciphertext, error) {
	if !rec.CanEncrypt() {
		return Ciphertext{}, ErrNoSendingChain
	}
	next, mk := kdfChain(rec.SendChainKey)
	counter := rec.SendCounter
	ct, err := seal(mk, associatedData(rec.LocalIdentity, rec.RemoteIdentity, counter), plaintext)
	zero(mk.key)
	if err != nil {
		return Ciphertext{}, fmt.Errorf("ratchet: seal: %w", err)
	}
	msg := whisperMessage{Counter: counter, Ciphertext: ct}

	var out Ciphertext
	if rec.Pending != nil {
		out.Type = CiphertextPreKey
		out.Body, err = cbor.Marshal(preKeyMessage{
			RegistrationID: c.RegistrationID,
			PreKeyID:       rec.Pending.PreKeyID,
			SignedPreKeyID: rec.Pending.SignedPreKeyID,
			BaseKey:        rec.Pending.BaseKey,
			IdentityKey:    rec.LocalIdentity,
			Message:        msg,
		})
	} else {
		out.Type = CiphertextWhisper
		out.Body, err = cbor.Marshal(msg)
	}
	if err != nil {
		return Ciphertext{}, fmt.Errorf("ratchet: encode message: %w", err)
	}

	rec.SendChainKey = next
	rec.SendCounter++
	return out, nil
}

// agreeInitiator computes DH(IK_a, SPK_b) || DH(EK_a, IK_b) || DH(EK_a, SPK_b) [|| DH(EK_a, OPK_b)].
func agreeInitiator(identity, base PrivateKey, b *Bundle) ([]byte, error) {
	pairs := []dhPair{
		{identity, b.SignedPreKey},
		{base, b.IdentityKey.DH},
		{base, b.SignedPreKey},
	}
	if b.PreKey != nil {
		pairs = append(pairs, dhPair{base, *b.PreKey})
	}
	return concatDH(pairs)
}

type dhPair struct {
	priv PrivateKey
	pub  PublicKey
}

func concatDH(pairs []dhPair) ([]byte, error) {
	out := make([]byte, 0, len(pairs)*KeySize)
	for _, p := range pairs {
		s, err := dh(p.priv, p.pub)
		if err != nil {
			zero(out)
			return nil, err
		}
		out = append(out, s...)
		zero(s)
	}
	return out, nil
}

func associatedData(sender, receiver []byte, counter uint32) []byte {
	ad := make([]byte, 0, len(sender)+len(receiver)+4)
	ad = append(ad, sender...)
	ad = append(ad, receiver...)
	return binary.BigEndian.AppendUint32(ad, counter)
}
