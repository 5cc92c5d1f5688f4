package prekey

import (
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/gwillem/signal-dispatch/internal/ratchet"
)

const (
	metadataBucket = "metadata"
	contactsBucket = "contacts"
	versionKey     = "version"
	cacheVersion   = 1
)

// contactEntry is the cached key material for one remote device. Either
// half may be absent.
type contactEntry struct {
	IdentityKey    []byte             `cbor:"1,keyasint"`
	RegistrationID uint32             `cbor:"2,keyasint"`
	SignedPreKeyID uint32             `cbor:"3,keyasint,omitempty"`
	SignedPreKey   *ratchet.PublicKey `cbor:"4,keyasint,omitempty"`
	Signature      []byte             `cbor:"5,keyasint,omitempty"`
	PreKeyID       uint32             `cbor:"6,keyasint,omitempty"`
	PreKey         *ratchet.PublicKey `cbor:"7,keyasint,omitempty"`
}

// ContactCache keeps the last prekey material seen for each remote device so
// that a session can be re-established without a directory lookup.
type ContactCache struct {
	db *bolt.DB
}

// OpenContactCache creates (or loads) the cache at path.
func OpenContactCache(path string) (*ContactCache, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("prekey: open cache: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(contactsBucket)); err != nil {
			return err
		}
		if b := meta.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != cacheVersion {
				return fmt.Errorf("incompatible version: %v", b)
			}
			return nil
		}
		return meta.Put([]byte(versionKey), []byte{cacheVersion})
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("prekey: init cache: %w", err)
	}
	return &ContactCache{db: db}, nil
}

// Close flushes and closes the cache.
func (c *ContactCache) Close() error {
	c.db.Sync()
	return c.db.Close()
}

func deviceKey(device int) []byte {
	return binary.BigEndian.AppendUint32(nil, uint32(device))
}

// Put records b as the contact material for recipient's device.
func (c *ContactCache) Put(recipient string, b *ratchet.Bundle) error {
	e := contactEntry{
		IdentityKey:    b.IdentityKey.Serialize(),
		RegistrationID: b.RegistrationID,
		SignedPreKeyID: b.SignedPreKeyID,
		Signature:      b.SignedPreKeySignature,
	}
	spk := b.SignedPreKey
	e.SignedPreKey = &spk
	if b.PreKey != nil {
		pk := *b.PreKey
		e.PreKeyID = b.PreKeyID
		e.PreKey = &pk
	}
	data, err := cbor.Marshal(e)
	if err != nil {
		return fmt.Errorf("prekey: encode contact: %w", err)
	}
	err = c.db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.Bucket([]byte(contactsBucket)).CreateBucketIfNotExists([]byte(recipient))
		if err != nil {
			return err
		}
		return bkt.Put(deviceKey(int(b.DeviceID)), data)
	})
	if err != nil {
		return fmt.Errorf("prekey: put contact: %w", err)
	}
	return nil
}

// Bundle rebuilds a bundle for recipient's device from the cache. It fails
// with a *LocalMissError if the contact prekey or contact signed prekey is
// missing.
func (c *ContactCache) Bundle(recipient string, device int) (*ratchet.Bundle, error) {
	var data []byte
	err := c.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(contactsBucket)).Bucket([]byte(recipient))
		if bkt == nil {
			return nil
		}
		if v := bkt.Get(deviceKey(device)); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("prekey: read contact: %w", err)
	}
	if data == nil {
		return nil, &LocalMissError{Recipient: recipient, Device: device, Missing: "contact"}
	}

	var e contactEntry
	if err := cbor.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("prekey: decode contact: %w", err)
	}
	switch {
	case e.SignedPreKey == nil:
		return nil, &LocalMissError{Recipient: recipient, Device: device, Missing: "signed pre-key"}
	case e.PreKey == nil:
		return nil, &LocalMissError{Recipient: recipient, Device: device, Missing: "pre-key"}
	}
	ik, err := ratchet.DeserializeIdentityKey(e.IdentityKey)
	if err != nil {
		return nil, fmt.Errorf("prekey: decode contact: %w", err)
	}
	return &ratchet.Bundle{
		RegistrationID:        e.RegistrationID,
		DeviceID:              uint32(device),
		IdentityKey:           ik,
		SignedPreKeyID:        e.SignedPreKeyID,
		SignedPreKey:          *e.SignedPreKey,
		SignedPreKeySignature: e.Signature,
		PreKeyID:              e.PreKeyID,
		PreKey:                e.PreKey,
	}, nil
}

// Remove drops the cached material for the given devices, or for every
// device of recipient when none are given.
func (c *ContactCache) Remove(recipient string, devices ...int) error {
	err := c.db.Update(func(tx *bolt.Tx) error {
		contacts := tx.Bucket([]byte(contactsBucket))
		if len(devices) == 0 {
			if contacts.Bucket([]byte(recipient)) == nil {
				return nil
			}
			return contacts.DeleteBucket([]byte(recipient))
		}
		bkt := contacts.Bucket([]byte(recipient))
		if bkt == nil {
			return nil
		}
		for _, d := range devices {
			if err := bkt.Delete(deviceKey(d)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("prekey: remove contact: %w", err)
	}
	return nil
}
