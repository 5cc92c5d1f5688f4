// Package prekey obtains the key material needed to start a session with a
// remote device, either from the recipient's key directory or from a local
// cache of previously seen contact prekeys. It also generates and rotates
// the local prekeys that remote parties use to reach this client.
package prekey

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/gwillem/signal-dispatch/internal/ratchet"
	"github.com/gwillem/signal-dispatch/internal/transport"
)

// ErrNotFound means no bundle exists for the requested device.
var ErrNotFound = errors.New("prekey: not found")

// LocalMissError is returned in local-pinned mode when the cache lacks the
// contact prekey or the contact signed prekey for a device.
type LocalMissError struct {
	Recipient string
	Device    int
	Missing   string
}

func (e *LocalMissError) Error() string {
	return fmt.Sprintf("prekey: %s.%d: no cached %s", e.Recipient, e.Device, e.Missing)
}

func (e *LocalMissError) Unwrap() error { return ErrNotFound }

// Mode selects where bundles come from.
type Mode int

const (
	// ModeRemote fetches from the key directory.
	ModeRemote Mode = iota
	// ModeLocalPinned reads the contact cache without network I/O.
	ModeLocalPinned
)

func (m Mode) String() string {
	if m == ModeRemote {
		return "remote"
	}
	return "local-pinned"
}

// Directory is the remote key directory.
type Directory interface {
	FetchPreKeys(ctx context.Context, recipient string, deviceID int) (*transport.PreKeyResponse, error)
}

// Resolver resolves prekey bundles.
type Resolver struct {
	dir    Directory
	cache  *ContactCache
	logger zerolog.Logger
}

// NewResolver returns a resolver. dir and cache may each be nil.
func NewResolver(dir Directory, cache *ContactCache, logger zerolog.Logger) *Resolver {
	return &Resolver{dir: dir, cache: cache, logger: logger}
}

// Mode reports the default mode: remote when a directory is configured.
func (r *Resolver) Mode() Mode {
	if r.dir != nil {
		return ModeRemote
	}
	return ModeLocalPinned
}

// Resolve returns the bundle for one device of recipient. Remote mode
// without a directory degrades to local-pinned.
func (r *Resolver) Resolve(ctx context.Context, recipient string, device int, mode Mode) (*ratchet.Bundle, error) {
	if mode == ModeRemote && r.dir != nil {
		bundles, err := r.fetch(ctx, recipient, device)
		if err != nil {
			return nil, err
		}
		for _, b := range bundles {
			if int(b.DeviceID) == device {
				return b, nil
			}
		}
		return nil, fmt.Errorf("prekey: %s.%d: %w", recipient, device, ErrNotFound)
	}

	if r.cache == nil {
		return nil, &LocalMissError{Recipient: recipient, Device: device, Missing: "contact"}
	}
	b, err := r.cache.Bundle(recipient, device)
	if err != nil {
		return nil, err
	}
	r.logger.Debug().Str("recipient", recipient).Int("device", device).Msg("bundle from contact cache")
	return b, nil
}

// ResolveAll fetches bundles for every registered device of recipient.
// It requires a directory.
func (r *Resolver) ResolveAll(ctx context.Context, recipient string) ([]*ratchet.Bundle, error) {
	if r.dir == nil {
		return nil, errors.New("prekey: resolve all: no directory")
	}
	bundles, err := r.fetch(ctx, recipient, 0)
	if err != nil {
		return nil, err
	}
	if len(bundles) == 0 {
		return nil, fmt.Errorf("prekey: %s: %w", recipient, ErrNotFound)
	}
	return bundles, nil
}

func (r *Resolver) fetch(ctx context.Context, recipient string, device int) ([]*ratchet.Bundle, error) {
	resp, err := r.dir.FetchPreKeys(ctx, recipient, device)
	if err != nil {
		if errors.Is(err, transport.ErrNotFound) {
			return nil, fmt.Errorf("prekey: %s.%d: %w", recipient, device, ErrNotFound)
		}
		return nil, fmt.Errorf("prekey: fetch %s.%d: %w", recipient, device, err)
	}
	bundles, err := resp.Bundles()
	if err != nil {
		return nil, fmt.Errorf("prekey: fetch %s.%d: %w", recipient, device, err)
	}
	if r.cache != nil {
		for _, b := range bundles {
			if err := r.cache.Put(recipient, b); err != nil {
				r.logger.Warn().Err(err).Str("recipient", recipient).Uint32("device", b.DeviceID).Msg("contact cache write failed")
			}
		}
	}
	r.logger.Debug().Str("recipient", recipient).Int("device", device).Int("bundles", len(bundles)).Msg("bundles fetched")
	return bundles, nil
}

// Forget drops cached material for the given devices of recipient.
func (r *Resolver) Forget(recipient string, devices ...int) error {
	if r.cache == nil {
		return nil
	}
	return r.cache.Remove(recipient, devices...)
}
