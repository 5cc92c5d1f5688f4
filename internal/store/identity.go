package store

import (
	"database/sql"

	"github.com/gwillem/signal-dispatch/internal/ratchet"
)

// SaveIdentityKey stores a remote identity key for the recipient, replacing
// any existing one. Trust decisions belong to the caller.
func (s *Store) SaveIdentityKey(recipient string, key ratchet.IdentityKey) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO identity (address, public_key) VALUES (?, ?)",
		recipient, key.Serialize(),
	)
	if err != nil {
		return fault("save identity key", err)
	}
	return nil
}

// InsertIdentityKey stores key only if no key is pinned for the recipient.
// It reports whether the row was inserted.
func (s *Store) InsertIdentityKey(recipient string, key ratchet.IdentityKey) (bool, error) {
	res, err := s.db.Exec(
		"INSERT OR IGNORE INTO identity (address, public_key) VALUES (?, ?)",
		recipient, key.Serialize(),
	)
	if err != nil {
		return false, fault("insert identity key", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fault("insert identity key", err)
	}
	return n == 1, nil
}

// GetIdentityKey loads the pinned identity key for the recipient.
// Returns nil, nil if no identity key exists for this recipient.
func (s *Store) GetIdentityKey(recipient string) (*ratchet.IdentityKey, error) {
	var data []byte
	err := s.db.QueryRow(
		"SELECT public_key FROM identity WHERE address = ?", recipient,
	).Scan(&data)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fault("load identity key", err)
	}
	key, err := ratchet.DeserializeIdentityKey(data)
	if err != nil {
		return nil, fault("load identity key", err)
	}
	return &key, nil
}

// RemoveIdentityKey deletes the pinned identity key for the recipient.
func (s *Store) RemoveIdentityKey(recipient string) error {
	_, err := s.db.Exec("DELETE FROM identity WHERE address = ?", recipient)
	if err != nil {
		return fault("remove identity key", err)
	}
	return nil
}

// ReplaceIdentity pins a new identity key and drops every session for the
// recipient in one transaction. Sessions built against the old key must not
// survive a re-trust.
func (s *Store) ReplaceIdentity(recipient string, key ratchet.IdentityKey) error {
	return s.withTx("replace identity", func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			"INSERT OR REPLACE INTO identity (address, public_key) VALUES (?, ?)",
			recipient, key.Serialize(),
		); err != nil {
			return err
		}
		_, err := tx.Exec("DELETE FROM session WHERE address = ?", recipient)
		return err
	})
}
