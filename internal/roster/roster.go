// Package roster tracks which device IDs each recipient is believed to have.
// The roster is derived from the session store and corrected from
// server-reported mismatches.
package roster

import (
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog"
)

// DefaultDevice is assumed when nothing is known about a recipient.
const DefaultDevice = 1

// Store is the session view the tracker derives the roster from.
type Store interface {
	GetDeviceIDs(recipient string) ([]int, error)
	ReconcileSessions(recipient string, remove, closeIDs []int) error
	RemoveAllSessions(recipient string) error
}

// Reconciliation is a server-reported correction to a recipient's roster.
type Reconciliation struct {
	// Remove lists devices the recipient no longer has (409 extra).
	Remove []int
	// Stale lists devices whose sessions must be re-established (410).
	Stale []int
}

// Tracker serves device rosters. Reads and reconciles for the same
// recipient are serialized so no reader sees a half-applied correction.
type Tracker struct {
	store  Store
	logger zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

// NewTracker returns a tracker over store.
func NewTracker(store Store, logger zerolog.Logger) *Tracker {
	return &Tracker{store: store, logger: logger, locks: make(map[string]*sync.RWMutex)}
}

func (t *Tracker) lockFor(recipient string) *sync.RWMutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[recipient]
	if !ok {
		l = new(sync.RWMutex)
		t.locks[recipient] = l
	}
	return l
}

// DeviceIDs returns the recipient's known devices, or [DefaultDevice] when
// none are known.
func (t *Tracker) DeviceIDs(recipient string) ([]int, error) {
	l := t.lockFor(recipient)
	l.RLock()
	defer l.RUnlock()
	return t.deviceIDs(recipient)
}

func (t *Tracker) deviceIDs(recipient string) ([]int, error) {
	ids, err := t.store.GetDeviceIDs(recipient)
	if err != nil {
		return nil, fmt.Errorf("roster: %s: %w", recipient, err)
	}
	if len(ids) == 0 {
		return []int{DefaultDevice}, nil
	}
	return ids, nil
}

// Known reports whether any device is recorded for recipient.
func (t *Tracker) Known(recipient string) (bool, error) {
	l := t.lockFor(recipient)
	l.RLock()
	defer l.RUnlock()
	ids, err := t.store.GetDeviceIDs(recipient)
	if err != nil {
		return false, fmt.Errorf("roster: %s: %w", recipient, err)
	}
	return len(ids) > 0, nil
}

// Reconcile applies a correction atomically: removed devices lose their
// sessions and stale devices have their sessions closed, in one store
// transaction under the recipient's write lock.
func (t *Tracker) Reconcile(recipient string, rec Reconciliation) error {
	if len(rec.Remove) == 0 && len(rec.Stale) == 0 {
		return nil
	}
	l := t.lockFor(recipient)
	l.Lock()
	defer l.Unlock()

	// A device cannot be both gone and stale; removal wins.
	stale := slices.DeleteFunc(slices.Clone(rec.Stale), func(id int) bool {
		return slices.Contains(rec.Remove, id)
	})
	if err := t.store.ReconcileSessions(recipient, rec.Remove, stale); err != nil {
		return fmt.Errorf("roster: reconcile %s: %w", recipient, err)
	}
	t.logger.Debug().Str("recipient", recipient).Ints("removed", rec.Remove).Ints("stale", stale).Msg("roster reconciled")
	return nil
}

// Reset forgets every device of recipient by removing all of its sessions.
func (t *Tracker) Reset(recipient string) error {
	return t.Exclusive(recipient, func() error {
		if err := t.store.RemoveAllSessions(recipient); err != nil {
			return fmt.Errorf("roster: reset %s: %w", recipient, err)
		}
		t.logger.Debug().Str("recipient", recipient).Msg("roster reset")
		return nil
	})
}

// Exclusive runs fn while holding the recipient's write lock. No snapshot
// or reconcile for recipient overlaps fn, and fn must not call back into
// the tracker for the same recipient.
func (t *Tracker) Exclusive(recipient string, fn func() error) error {
	l := t.lockFor(recipient)
	l.Lock()
	defer l.Unlock()
	return fn()
}

// Snapshot runs fn with the recipient's current devices while holding the
// read lock, so no reconcile can interleave with fn. fn must not call back
// into the tracker for the same recipient.
func (t *Tracker) Snapshot(recipient string, fn func(devices []int) error) error {
	l := t.lockFor(recipient)
	l.RLock()
	defer l.RUnlock()
	ids, err := t.deviceIDs(recipient)
	if err != nil {
		return err
	}
	return fn(ids)
}
