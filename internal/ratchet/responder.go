package ratchet

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// PreKeyLookup gives the receiving side access to its local prekeys.
type PreKeyLookup interface {
	LoadPreKey(id uint32) (*PreKeyRecord, error)
	LoadSignedPreKey(id uint32) (*SignedPreKeyRecord, error)
}

// DecryptPreKey processes a session-setup message addressed to the local
// identity. It returns the new session record, the plaintext and the ID of
// the one-time prekey that was consumed (zero if none); the caller must
// remove that prekey.
func (c *Cipher) DecryptPreKey(keys PreKeyLookup, body []byte) (*SessionRecord, []byte, uint32, error) {
	var msg preKeyMessage
	if err := cbor.Unmarshal(body, &msg); err != nil {
		return nil, nil, 0, fmt.Errorf("ratchet: decode pre-key message: %w", err)
	}
	remote, err := DeserializeIdentityKey(msg.IdentityKey)
	if err != nil {
		return nil, nil, 0, err
	}
	spk, err := keys.LoadSignedPreKey(msg.SignedPreKeyID)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("ratchet: signed pre-key %d: %w", msg.SignedPreKeyID, err)
	}

	pairs := []dhPair{
		{spk.KeyPair.Private, remote.DH},
		{c.Identity.DH.Private, msg.BaseKey},
		{spk.KeyPair.Private, msg.BaseKey},
	}
	if msg.PreKeyID != 0 {
		pk, err := keys.LoadPreKey(msg.PreKeyID)
		if err != nil {
			return nil, nil, 0, fmt.Errorf("ratchet: pre-key %d: %w", msg.PreKeyID, err)
		}
		pairs = append(pairs, dhPair{pk.KeyPair.Private, msg.BaseKey})
	}
	secret, err := concatDH(pairs)
	if err != nil {
		return nil, nil, 0, err
	}
	root, chain := kdfRoot(secret)
	zero(secret)

	rec := &SessionRecord{
		Version:              recordVersion,
		RemoteIdentity:       msg.IdentityKey,
		LocalIdentity:        c.Identity.PublicKey().Serialize(),
		RemoteRegistrationID: msg.RegistrationID,
		RootKey:              root,
		RecvChainKey:         chain,
	}
	plaintext, err := c.decryptWhisper(rec, msg.Message)
	if err != nil {
		return nil, nil, 0, err
	}
	return rec, plaintext, msg.PreKeyID, nil
}

// Decrypt decrypts a message on an existing receiving session, advancing rec.
func (c *Cipher) Decrypt(rec *SessionRecord, body []byte) ([]byte, error) {
	var msg whisperMessage
	if err := cbor.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("ratchet: decode message: %w", err)
	}
	return c.decryptWhisper(rec, msg)
}

func (c *Cipher) decryptWhisper(rec *SessionRecord, msg whisperMessage) ([]byte, error) {
	if !rec.CanDecrypt() {
		return nil, fmt.Errorf("ratchet: session has no receiving chain")
	}
	if msg.Counter < rec.RecvCounter {
		return nil, ErrDuplicateMessage
	}
	if msg.Counter-rec.RecvCounter > maxSkip {
		return nil, ErrCounterTooFar
	}
	ck := rec.RecvChainKey
	var mk messageKeys
	for i := rec.RecvCounter; i <= msg.Counter; i++ {
		ck, mk = kdfChain(ck)
	}
	plaintext, err := open(mk, associatedData(rec.RemoteIdentity, rec.LocalIdentity, msg.Counter), msg.Ciphertext)
	zero(mk.key)
	if err != nil {
		return nil, fmt.Errorf("ratchet: open: %w", err)
	}
	rec.RecvChainKey = ck
	rec.RecvCounter = msg.Counter + 1
	return plaintext, nil
}
