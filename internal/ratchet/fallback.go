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

// fallbackMessage is encrypted straight to the recipient's identity key.
// It creates no session state on either side.
type fallbackMessage struct {
	Sender     []byte    `cbor:"1,keyasint"`
	Ephemeral  PublicKey `cbor:"2,keyasint"`
	Ciphertext []byte    `cbor:"3,keyasint"`
}

// FallbackEncrypt encrypts plaintext to the recipient identity without a
// session: DH(ephemeral, IK_b) || DH(IK_a, IK_b) keys a single AEAD message.
func (c *Cipher) FallbackEncrypt(recipient IdentityKey, plaintext []byte) ([]byte, error) {
	if c.Identity == nil {
		return nil, errors.New("ratchet: no local identity")
	}
	eph, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	secret, err := concatDH([]dhPair{
		{eph.Private, recipient.DH},
		{c.Identity.DH.Private, recipient.DH},
	})
	if err != nil {
		return nil, err
	}
	sender := c.Identity.PublicKey().Serialize()
	mk := fallbackKeys(secret, eph.Public)
	zero(secret)

	ct, err := seal(mk, append(sender, recipient.Serialize()...), plaintext)
	zero(mk.key)
	if err != nil {
		return nil, fmt.Errorf("ratchet: fallback seal: %w", err)
	}
	return cbor.Marshal(fallbackMessage{Sender: sender, Ephemeral: eph.Public, Ciphertext: ct})
}

// FallbackDecrypt opens a message produced by FallbackEncrypt and returns the
// sender identity along with the plaintext.
func (c *Cipher) FallbackDecrypt(body []byte) (IdentityKey, []byte, error) {
	var msg fallbackMessage
	if err := cbor.Unmarshal(body, &msg); err != nil {
		return IdentityKey{}, nil, fmt.Errorf("ratchet: decode fallback message: %w", err)
	}
	sender, err := DeserializeIdentityKey(msg.Sender)
	if err != nil {
		return IdentityKey{}, nil, err
	}
	secret, err := concatDH([]dhPair{
		{c.Identity.DH.Private, msg.Ephemeral},
		{c.Identity.DH.Private, sender.DH},
	})
	if err != nil {
		return IdentityKey{}, nil, err
	}
	mk := fallbackKeys(secret, msg.Ephemeral)
	zero(secret)

	ad := append(sender.Serialize(), c.Identity.PublicKey().Serialize()...)
	plaintext, err := open(mk, ad, msg.Ciphertext)
	zero(mk.key)
	if err != nil {
		return IdentityKey{}, nil, fmt.Errorf("ratchet: fallback open: %w", err)
	}
	return sender, plaintext, nil
}

func fallbackKeys(secret []byte, eph PublicKey) messageKeys {
	r := hkdf.New(sha256.New, secret, eph[:], []byte("dispatch|fallback"))
	mk := messageKeys{
		key:   make([]byte, chacha20poly1305.KeySize),
		nonce: make([]byte, chacha20poly1305.NonceSize),
	}
	_, _ = io.ReadFull(r, mk.key)
	_, _ = io.ReadFull(r, mk.nonce)
	return mk
}
