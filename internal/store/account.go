package store

import (
	"database/sql"
	"encoding/binary"

	"github.com/gwillem/signal-dispatch/internal/ratchet"
)

const (
	identityKeyPairKey    = "identity_key_pair"
	registrationIDKey     = "registration_id"
	nextPreKeyIDKey       = "next_pre_key_id"
	nextSignedPreKeyIDKey = "next_signed_pre_key_id"
	spkRejectionsKey      = "signed_pre_key_rejections"
)

// Account is the local identity of this client.
type Account struct {
	IdentityKeyPair *ratchet.IdentityKeyPair
	RegistrationID  uint32
}

// SaveAccount persists the local identity key pair and registration ID.
func (s *Store) SaveAccount(acct *Account) error {
	data, err := acct.IdentityKeyPair.Serialize()
	if err != nil {
		return fault("save account", err)
	}
	return s.withTx("save account", func(tx *sql.Tx) error {
		if err := putValue(tx, identityKeyPairKey, data); err != nil {
			return err
		}
		return setCounter(tx, registrationIDKey, acct.RegistrationID)
	})
}

// LoadAccount loads the local account.
// Returns nil, nil if no account has been created.
func (s *Store) LoadAccount() (*Account, error) {
	var data []byte
	err := s.db.QueryRow("SELECT value FROM account WHERE key = ?", identityKeyPairKey).Scan(&data)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fault("load account", err)
	}
	kp, err := ratchet.DeserializeIdentityKeyPair(data)
	if err != nil {
		return nil, fault("load account", err)
	}

	var reg []byte
	err = s.db.QueryRow("SELECT value FROM account WHERE key = ?", registrationIDKey).Scan(&reg)
	if err != nil && !isNoRows(err) {
		return nil, fault("load account", err)
	}
	return &Account{IdentityKeyPair: kp, RegistrationID: decodeCounter(reg)}, nil
}

// SignedPreKeyRejections returns how many signed prekey uploads the server
// has rejected since the last accepted one.
func (s *Store) SignedPreKeyRejections() (int, error) {
	var value []byte
	err := s.db.QueryRow("SELECT value FROM account WHERE key = ?", spkRejectionsKey).Scan(&value)
	if err != nil {
		if isNoRows(err) {
			return 0, nil
		}
		return 0, fault("load rejections", err)
	}
	return int(decodeCounter(value)), nil
}

// RecordSignedPreKeyRejection increments the rejection count and returns
// the new value.
func (s *Store) RecordSignedPreKeyRejection() (int, error) {
	var n uint32
	err := s.withTx("record rejection", func(tx *sql.Tx) error {
		var value []byte
		err := tx.QueryRow("SELECT value FROM account WHERE key = ?", spkRejectionsKey).Scan(&value)
		if err != nil && !isNoRows(err) {
			return err
		}
		n = decodeCounter(value) + 1
		return setCounter(tx, spkRejectionsKey, n)
	})
	return int(n), err
}

// ClearSignedPreKeyRejections resets the rejection count.
func (s *Store) ClearSignedPreKeyRejections() error {
	if _, err := s.db.Exec("DELETE FROM account WHERE key = ?", spkRejectionsKey); err != nil {
		return fault("clear rejections", err)
	}
	return nil
}

func putValue(tx *sql.Tx, key string, value []byte) error {
	_, err := tx.Exec("INSERT OR REPLACE INTO account (key, value) VALUES (?, ?)", key, value)
	return err
}

// counter reads a uint32 from the account table. Missing counters start at 1;
// zero is reserved to mean "no key".
func counter(tx *sql.Tx, key string) (uint32, error) {
	var value []byte
	err := tx.QueryRow("SELECT value FROM account WHERE key = ?", key).Scan(&value)
	if err != nil {
		if isNoRows(err) {
			return 1, nil
		}
		return 0, err
	}
	if n := decodeCounter(value); n > 0 {
		return n, nil
	}
	return 1, nil
}

func setCounter(tx *sql.Tx, key string, v uint32) error {
	return putValue(tx, key, binary.BigEndian.AppendUint32(nil, v))
}

func decodeCounter(b []byte) uint32 {
	if len(b) != 4 {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}
