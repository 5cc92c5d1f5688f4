package dispatch

import (
	"context"

	"github.com/gwillem/signal-dispatch/internal/identity"
	"github.com/gwillem/signal-dispatch/internal/prekey"
	"github.com/gwillem/signal-dispatch/internal/ratchet"
	"github.com/gwillem/signal-dispatch/internal/roster"
	"github.com/gwillem/signal-dispatch/internal/wire"
)

// Transport delivers one message per recipient. Roster mismatches are
// reported as *transport.MismatchedDevicesError and
// *transport.StaleDevicesError.
type Transport interface {
	SendMessage(ctx context.Context, recipient string, msg *wire.Message) error
}

// SessionStore holds per-device sessions and pinned identity keys.
type SessionStore interface {
	HasSession(recipient string, deviceID int) (bool, error)
	LoadSession(recipient string, deviceID int) (*ratchet.SessionRecord, error)
	StoreSession(recipient string, deviceID int, rec *ratchet.SessionRecord) error
	GetIdentityKey(recipient string) (*ratchet.IdentityKey, error)
}

// Roster is the device roster tracker.
type Roster interface {
	Known(recipient string) (bool, error)
	Reconcile(recipient string, rec roster.Reconciliation) error
	Snapshot(recipient string, fn func(devices []int) error) error
}

// Resolver obtains prekey bundles.
type Resolver interface {
	Mode() prekey.Mode
	Resolve(ctx context.Context, recipient string, device int, mode prekey.Mode) (*ratchet.Bundle, error)
	ResolveAll(ctx context.Context, recipient string) ([]*ratchet.Bundle, error)
	Forget(recipient string, devices ...int) error
}

// TrustGate pins remote identity keys.
type TrustGate interface {
	PutIdentityKey(recipient string, key ratchet.IdentityKey) (identity.Result, error)
}

// Cipher is the session cipher. Encrypt advances rec and leaves it
// unchanged on error.
type Cipher interface {
	Establish(b *ratchet.Bundle) (*ratchet.SessionRecord, error)
	Encrypt(rec *ratchet.SessionRecord, plaintext []byte) (ratchet.Ciphertext, error)
	FallbackEncrypt(recipient ratchet.IdentityKey, plaintext []byte) ([]byte, error)
}
