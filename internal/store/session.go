package store

import (
	"database/sql"
	"time"

	"github.com/gwillem/signal-dispatch/internal/ratchet"
)

// HasSession reports whether an open session exists for the device.
// A closed session still counts toward the roster but cannot be used.
func (s *Store) HasSession(recipient string, deviceID int) (bool, error) {
	var open bool
	err := s.db.QueryRow(
		"SELECT open FROM session WHERE address = ? AND device_id = ?",
		recipient, deviceID,
	).Scan(&open)
	if err != nil {
		if isNoRows(err) {
			return false, nil
		}
		return false, fault("has session", err)
	}
	return open, nil
}

// LoadSession loads the open session record for the device.
// Returns nil, nil if no open session exists.
func (s *Store) LoadSession(recipient string, deviceID int) (*ratchet.SessionRecord, error) {
	var data []byte
	err := s.db.QueryRow(
		"SELECT record FROM session WHERE address = ? AND device_id = ? AND open = 1",
		recipient, deviceID,
	).Scan(&data)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fault("load session", err)
	}
	rec, err := ratchet.DeserializeSessionRecord(data)
	if err != nil {
		return nil, fault("load session", err)
	}
	return rec, nil
}

// StoreSession stores the record as the device's open session, replacing
// any existing record. Callers decide when overwriting is safe.
func (s *Store) StoreSession(recipient string, deviceID int, rec *ratchet.SessionRecord) error {
	data, err := rec.Serialize()
	if err != nil {
		return fault("store session", err)
	}
	_, err = s.db.Exec(
		"INSERT OR REPLACE INTO session (address, device_id, record, open, updated_at) VALUES (?, ?, ?, 1, ?)",
		recipient, deviceID, data, time.Now().UnixMilli(),
	)
	if err != nil {
		return fault("store session", err)
	}
	return nil
}

// CloseSession marks the device's session as no longer usable while keeping
// the device in the roster. The next send must establish a new session.
func (s *Store) CloseSession(recipient string, deviceID int) error {
	_, err := s.db.Exec(
		"UPDATE session SET open = 0, updated_at = ? WHERE address = ? AND device_id = ?",
		time.Now().UnixMilli(), recipient, deviceID,
	)
	if err != nil {
		return fault("close session", err)
	}
	return nil
}

// RemoveSession deletes the device's session record.
func (s *Store) RemoveSession(recipient string, deviceID int) error {
	_, err := s.db.Exec(
		"DELETE FROM session WHERE address = ? AND device_id = ?",
		recipient, deviceID,
	)
	if err != nil {
		return fault("remove session", err)
	}
	return nil
}

// RemoveAllSessions deletes every session for the recipient.
func (s *Store) RemoveAllSessions(recipient string) error {
	_, err := s.db.Exec("DELETE FROM session WHERE address = ?", recipient)
	if err != nil {
		return fault("remove all sessions", err)
	}
	return nil
}

// ReconcileSessions removes and closes sessions for one recipient in a single
// transaction, so readers never see half of the change.
func (s *Store) ReconcileSessions(recipient string, remove, closeIDs []int) error {
	return s.withTx("reconcile sessions", func(tx *sql.Tx) error {
		for _, id := range remove {
			if _, err := tx.Exec("DELETE FROM session WHERE address = ? AND device_id = ?", recipient, id); err != nil {
				return err
			}
		}
		now := time.Now().UnixMilli()
		for _, id := range closeIDs {
			if _, err := tx.Exec("UPDATE session SET open = 0, updated_at = ? WHERE address = ? AND device_id = ?", now, recipient, id); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetDeviceIDs returns the device IDs that have a session record (open or
// closed) for the recipient, ordered by device ID.
func (s *Store) GetDeviceIDs(recipient string) ([]int, error) {
	rows, err := s.db.Query(
		"SELECT device_id FROM session WHERE address = ? ORDER BY device_id",
		recipient,
	)
	if err != nil {
		return nil, fault("get device ids", err)
	}
	defer rows.Close()

	var devices []int
	for rows.Next() {
		var deviceID int
		if err := rows.Scan(&deviceID); err != nil {
			return nil, fault("scan device id", err)
		}
		devices = append(devices, deviceID)
	}
	if err := rows.Err(); err != nil {
		return nil, fault("iterate device ids", err)
	}
	return devices, nil
}

// SessionInfo summarizes one session row.
type SessionInfo struct {
	DeviceID  int
	Open      bool
	UpdatedAt time.Time
}

// ListSessions returns every session row for the recipient.
func (s *Store) ListSessions(recipient string) ([]SessionInfo, error) {
	rows, err := s.db.Query(
		"SELECT device_id, open, updated_at FROM session WHERE address = ? ORDER BY device_id",
		recipient,
	)
	if err != nil {
		return nil, fault("list sessions", err)
	}
	defer rows.Close()

	var out []SessionInfo
	for rows.Next() {
		var info SessionInfo
		var updated int64
		if err := rows.Scan(&info.DeviceID, &info.Open, &updated); err != nil {
			return nil, fault("scan session", err)
		}
		info.UpdatedAt = time.UnixMilli(updated)
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fault("iterate sessions", err)
	}
	return out, nil
}
