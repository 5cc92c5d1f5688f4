package transport

import (
	"encoding/base64"
	"fmt"

	"github.com/gwillem/signal-dispatch/internal/ratchet"
)

// BasicAuth holds credentials for HTTP Basic authentication.
type BasicAuth struct {
	Username string // "{id}.{deviceId}"
	Password string
}

// PreKeyResponse is the JSON response from GET /v2/keys/{destination}/{deviceId}.
type PreKeyResponse struct {
	IdentityKey string             `json:"identityKey"`
	Devices     []PreKeyDeviceInfo `json:"devices"`
}

// PreKeyDeviceInfo contains prekey material for a single device.
type PreKeyDeviceInfo struct {
	DeviceID       int                 `json:"deviceId"`
	RegistrationID int                 `json:"registrationId"`
	SignedPreKey   *SignedPreKeyEntity `json:"signedPreKey"`
	PreKey         *PreKeyEntity       `json:"preKey,omitempty"`
}

// SignedPreKeyEntity is the JSON representation of a signed prekey.
type SignedPreKeyEntity struct {
	KeyID     int    `json:"keyId"`
	PublicKey string `json:"publicKey"` // base64 no-pad
	Signature string `json:"signature"` // base64 no-pad
}

// PreKeyEntity is the JSON representation of a one-time prekey.
type PreKeyEntity struct {
	KeyID     int    `json:"keyId"`
	PublicKey string `json:"publicKey"`
}

// PreKeyUpload is the JSON body for PUT /v2/keys.
type PreKeyUpload struct {
	IdentityKey  string              `json:"identityKey"`
	SignedPreKey *SignedPreKeyEntity `json:"signedPreKey,omitempty"`
	PreKeys      []PreKeyEntity      `json:"preKeys,omitempty"`
}

var b64 = base64.RawStdEncoding

// Bundles converts the response into one bundle per device.
// Signatures are not checked here; establishing a session does that.
func (r *PreKeyResponse) Bundles() ([]*ratchet.Bundle, error) {
	raw, err := b64.DecodeString(r.IdentityKey)
	if err != nil {
		return nil, fmt.Errorf("transport: identity key: %w", err)
	}
	ik, err := ratchet.DeserializeIdentityKey(raw)
	if err != nil {
		return nil, fmt.Errorf("transport: identity key: %w", err)
	}

	bundles := make([]*ratchet.Bundle, 0, len(r.Devices))
	for _, d := range r.Devices {
		if d.SignedPreKey == nil {
			return nil, fmt.Errorf("transport: device %d: no signed pre-key", d.DeviceID)
		}
		b := &ratchet.Bundle{
			RegistrationID: uint32(d.RegistrationID),
			DeviceID:       uint32(d.DeviceID),
			IdentityKey:    ik,
			SignedPreKeyID: uint32(d.SignedPreKey.KeyID),
		}
		if err := decodeKey(d.SignedPreKey.PublicKey, &b.SignedPreKey); err != nil {
			return nil, fmt.Errorf("transport: device %d signed pre-key: %w", d.DeviceID, err)
		}
		if b.SignedPreKeySignature, err = b64.DecodeString(d.SignedPreKey.Signature); err != nil {
			return nil, fmt.Errorf("transport: device %d signature: %w", d.DeviceID, err)
		}
		if d.PreKey != nil {
			b.PreKeyID = uint32(d.PreKey.KeyID)
			b.PreKey = new(ratchet.PublicKey)
			if err := decodeKey(d.PreKey.PublicKey, b.PreKey); err != nil {
				return nil, fmt.Errorf("transport: device %d pre-key: %w", d.DeviceID, err)
			}
		}
		bundles = append(bundles, b)
	}
	return bundles, nil
}

// NewPreKeyUpload builds the upload body for the local identity and keys.
func NewPreKeyUpload(identity ratchet.IdentityKey, spk *ratchet.SignedPreKeyRecord, pks []*ratchet.PreKeyRecord) *PreKeyUpload {
	up := &PreKeyUpload{IdentityKey: b64.EncodeToString(identity.Serialize())}
	if spk != nil {
		up.SignedPreKey = &SignedPreKeyEntity{
			KeyID:     int(spk.ID),
			PublicKey: b64.EncodeToString(spk.KeyPair.Public[:]),
			Signature: b64.EncodeToString(spk.Signature),
		}
	}
	for _, pk := range pks {
		up.PreKeys = append(up.PreKeys, PreKeyEntity{
			KeyID:     int(pk.ID),
			PublicKey: b64.EncodeToString(pk.KeyPair.Public[:]),
		})
	}
	return up
}

func decodeKey(s string, dst *ratchet.PublicKey) error {
	raw, err := b64.DecodeString(s)
	if err != nil {
		return err
	}
	if len(raw) != len(dst) {
		return fmt.Errorf("bad key length %d", len(raw))
	}
	copy(dst[:], raw)
	return nil
}
