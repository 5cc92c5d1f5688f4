package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/gwillem/signal-dispatch/internal/prekey"
	"github.com/gwillem/signal-dispatch/internal/store"
	"github.com/gwillem/signal-dispatch/internal/transport"
)

// Reason classifies why a recipient failed.
type Reason string

const (
	ReasonIdentityChanged Reason = "identity-changed"
	ReasonUnregistered    Reason = "unregistered"
	ReasonRetryLimit      Reason = "retry-limit"
	ReasonNoKeys          Reason = "no-keys"
	ReasonStorage         Reason = "storage"
	ReasonTransport       Reason = "transport"
	ReasonCancelled       Reason = "cancelled"
	ReasonKeyRotation     Reason = "signed-prekey-rotation"
)

var (
	// ErrUnregistered means the recipient has no registered devices.
	ErrUnregistered = errors.New("dispatch: recipient unregistered")
	// ErrRetryLimit means the server reported a second roster mismatch.
	ErrRetryLimit = errors.New("dispatch: roster retry limit reached")
	// ErrNoKeys means fallback was needed but no identity key is pinned.
	ErrNoKeys = errors.New("dispatch: no keys for recipient")
	// ErrSignedPreKeyRotation means the server kept rejecting our signed
	// prekey and sending is refused until a rotation is accepted.
	ErrSignedPreKeyRotation = errors.New("dispatch: signed pre-key rotation rejected")
)

// IdentityChangedError is returned when a fetched bundle carries an identity
// key different from the pinned one. The send is aborted for the recipient
// and the caller should prompt for re-verification.
type IdentityChangedError struct {
	Recipient string
	Device    int
}

func (e *IdentityChangedError) Error() string {
	return fmt.Sprintf("dispatch: identity key changed for %s (device %d)", e.Recipient, e.Device)
}

// RecipientError is the terminal failure of one recipient.
type RecipientError struct {
	Recipient string
	Reason    Reason
	Cause     error
}

func (e RecipientError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Recipient, e.Reason, e.Cause)
}

func (e RecipientError) Unwrap() error { return e.Cause }

// Result is the aggregated outcome of one dispatch. Every recipient appears
// exactly once, either in Succeeded or in Errors.
type Result struct {
	Succeeded []string
	Errors    []RecipientError
}

func classify(err error) Reason {
	var idErr *IdentityChangedError
	var storeErr *store.Error
	switch {
	case errors.As(err, &idErr):
		return ReasonIdentityChanged
	case errors.Is(err, ErrSignedPreKeyRotation):
		return ReasonKeyRotation
	case errors.Is(err, ErrRetryLimit):
		return ReasonRetryLimit
	case errors.Is(err, ErrNoKeys):
		return ReasonNoKeys
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ReasonCancelled
	case errors.As(err, &storeErr):
		return ReasonStorage
	case errors.Is(err, ErrUnregistered),
		errors.Is(err, prekey.ErrNotFound),
		errors.Is(err, transport.ErrNotFound):
		return ReasonUnregistered
	default:
		return ReasonTransport
	}
}
