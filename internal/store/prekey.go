package store

import (
	"database/sql"
	"time"

	"github.com/gwillem/signal-dispatch/internal/ratchet"
)

// LoadPreKey loads a one-time prekey record by ID.
// Returns ErrNotFound if it does not exist.
func (s *Store) LoadPreKey(id uint32) (*ratchet.PreKeyRecord, error) {
	var record []byte
	err := s.db.QueryRow(
		"SELECT record FROM pre_key WHERE id = ?", id,
	).Scan(&record)
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fault("load pre-key", err)
	}
	rec, err := ratchet.DeserializePreKeyRecord(record)
	if err != nil {
		return nil, fault("load pre-key", err)
	}
	return rec, nil
}

// StorePreKey stores a one-time prekey record.
func (s *Store) StorePreKey(rec *ratchet.PreKeyRecord) error {
	data, err := rec.Serialize()
	if err != nil {
		return fault("store pre-key", err)
	}
	_, err = s.db.Exec(
		"INSERT OR REPLACE INTO pre_key (id, record) VALUES (?, ?)",
		rec.ID, data,
	)
	if err != nil {
		return fault("store pre-key", err)
	}
	return nil
}

// RemovePreKey deletes a one-time prekey record.
func (s *Store) RemovePreKey(id uint32) error {
	_, err := s.db.Exec("DELETE FROM pre_key WHERE id = ?", id)
	if err != nil {
		return fault("remove pre-key", err)
	}
	return nil
}

// CountPreKeys returns the number of outstanding one-time prekeys.
func (s *Store) CountPreKeys() (int, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM pre_key").Scan(&n); err != nil {
		return 0, fault("count pre-keys", err)
	}
	return n, nil
}

// ReservePreKeyIDs allocates count consecutive one-time prekey IDs and
// returns the first. IDs come from a persisted counter so they are never
// reused, even after the keys are consumed.
func (s *Store) ReservePreKeyIDs(count int) (uint32, error) {
	var first uint32
	err := s.withTx("reserve pre-key ids", func(tx *sql.Tx) error {
		next, err := counter(tx, nextPreKeyIDKey)
		if err != nil {
			return err
		}
		first = next
		return setCounter(tx, nextPreKeyIDKey, next+uint32(count))
	})
	return first, err
}

// LoadSignedPreKey loads a signed prekey record by ID.
// Returns ErrNotFound if it does not exist.
func (s *Store) LoadSignedPreKey(id uint32) (*ratchet.SignedPreKeyRecord, error) {
	var record []byte
	err := s.db.QueryRow(
		"SELECT record FROM signed_pre_key WHERE id = ?", id,
	).Scan(&record)
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fault("load signed pre-key", err)
	}
	rec, err := ratchet.DeserializeSignedPreKeyRecord(record)
	if err != nil {
		return nil, fault("load signed pre-key", err)
	}
	return rec, nil
}

// StoreSignedPreKey stores a signed prekey record.
func (s *Store) StoreSignedPreKey(rec *ratchet.SignedPreKeyRecord) error {
	data, err := rec.Serialize()
	if err != nil {
		return fault("store signed pre-key", err)
	}
	_, err = s.db.Exec(
		"INSERT OR REPLACE INTO signed_pre_key (id, record, created_at) VALUES (?, ?, ?)",
		rec.ID, data, rec.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fault("store signed pre-key", err)
	}
	return nil
}

// LatestSignedPreKey returns the most recently created signed prekey.
// Returns nil, nil if none exists.
func (s *Store) LatestSignedPreKey() (*ratchet.SignedPreKeyRecord, error) {
	var record []byte
	err := s.db.QueryRow(
		"SELECT record FROM signed_pre_key ORDER BY created_at DESC, id DESC LIMIT 1",
	).Scan(&record)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fault("latest signed pre-key", err)
	}
	rec, err := ratchet.DeserializeSignedPreKeyRecord(record)
	if err != nil {
		return nil, fault("latest signed pre-key", err)
	}
	return rec, nil
}

// RemoveSignedPreKeysBefore deletes signed prekeys created before cutoff,
// always keeping the one with ID keep.
func (s *Store) RemoveSignedPreKeysBefore(cutoff time.Time, keep uint32) (int, error) {
	res, err := s.db.Exec(
		"DELETE FROM signed_pre_key WHERE created_at < ? AND id != ?",
		cutoff.UnixMilli(), keep,
	)
	if err != nil {
		return 0, fault("remove signed pre-keys", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fault("remove signed pre-keys", err)
	}
	return int(n), nil
}

// NextSignedPreKeyID allocates the next signed prekey ID.
func (s *Store) NextSignedPreKeyID() (uint32, error) {
	var id uint32
	err := s.withTx("next signed pre-key id", func(tx *sql.Tx) error {
		next, err := counter(tx, nextSignedPreKeyIDKey)
		if err != nil {
			return err
		}
		id = next
		return setCounter(tx, nextSignedPreKeyIDKey, next+1)
	})
	return id, err
}
