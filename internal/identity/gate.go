// Package identity pins remote identity keys on first use and reports any
// later change instead of overwriting the pinned key.
package identity

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/gwillem/signal-dispatch/internal/ratchet"
)

// Result is the outcome of PutIdentityKey.
type Result int

const (
	// Stored means no key was pinned and key is now pinned.
	Stored Result = iota
	// Unchanged means key equals the pinned key.
	Unchanged
	// Changed means key differs from the pinned key. The store is untouched.
	Changed
)

func (r Result) String() string {
	switch r {
	case Stored:
		return "stored"
	case Unchanged:
		return "unchanged"
	case Changed:
		return "changed"
	}
	return fmt.Sprintf("Result(%d)", int(r))
}

// Store is the persistence the gate needs.
type Store interface {
	GetIdentityKey(recipient string) (*ratchet.IdentityKey, error)
	InsertIdentityKey(recipient string, key ratchet.IdentityKey) (bool, error)
	ReplaceIdentity(recipient string, key ratchet.IdentityKey) error
}

// Gate enforces trust-on-first-use for remote identity keys.
type Gate struct {
	store  Store
	logger zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewGate returns a gate backed by store.
func NewGate(store Store, logger zerolog.Logger) *Gate {
	return &Gate{store: store, logger: logger, locks: make(map[string]*sync.Mutex)}
}

func (g *Gate) lock(recipient string) func() {
	g.mu.Lock()
	l, ok := g.locks[recipient]
	if !ok {
		l = new(sync.Mutex)
		g.locks[recipient] = l
	}
	g.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// PutIdentityKey checks key against the pinned key for recipient, pinning it
// if none exists.
func (g *Gate) PutIdentityKey(recipient string, key ratchet.IdentityKey) (Result, error) {
	defer g.lock(recipient)()

	pinned, err := g.store.GetIdentityKey(recipient)
	if err != nil {
		return 0, fmt.Errorf("identity: put %s: %w", recipient, err)
	}
	if pinned == nil {
		inserted, err := g.store.InsertIdentityKey(recipient, key)
		if err != nil {
			return 0, fmt.Errorf("identity: put %s: %w", recipient, err)
		}
		if inserted {
			g.logger.Debug().Str("recipient", recipient).Msg("identity key pinned")
			return Stored, nil
		}
		// Another process pinned a key between the read and the insert.
		if pinned, err = g.store.GetIdentityKey(recipient); err != nil {
			return 0, fmt.Errorf("identity: put %s: %w", recipient, err)
		}
	}
	if pinned.Equal(key) {
		return Unchanged, nil
	}
	g.logger.Warn().Str("recipient", recipient).Msg("identity key changed")
	return Changed, nil
}

// Trust pins key for recipient unconditionally and removes every session for
// the recipient, so the next send establishes fresh sessions against it.
// This is the explicit re-verification path after a Changed result.
func (g *Gate) Trust(recipient string, key ratchet.IdentityKey) error {
	defer g.lock(recipient)()

	if err := g.store.ReplaceIdentity(recipient, key); err != nil {
		return fmt.Errorf("identity: trust %s: %w", recipient, err)
	}
	g.logger.Info().Str("recipient", recipient).Msg("identity key trusted")
	return nil
}
