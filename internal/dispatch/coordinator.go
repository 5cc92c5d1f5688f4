// Package dispatch encrypts one content message for every device of every
// recipient and transmits it, reconciling device rosters when the server
// reports a mismatch.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/gwillem/signal-dispatch/internal/identity"
	"github.com/gwillem/signal-dispatch/internal/metrics"
	"github.com/gwillem/signal-dispatch/internal/prekey"
	"github.com/gwillem/signal-dispatch/internal/ratchet"
	"github.com/gwillem/signal-dispatch/internal/roster"
	"github.com/gwillem/signal-dispatch/internal/transport"
	"github.com/gwillem/signal-dispatch/internal/wire"
)

// maxRosterRetries bounds roster-mismatch retries per recipient per dispatch.
const maxRosterRetries = 1

// Config wires a Coordinator to its collaborators.
type Config struct {
	Transport Transport
	Store     SessionStore
	Roster    Roster
	Resolver  Resolver
	Gate      TrustGate
	Cipher    Cipher

	// LocalID and LocalDeviceID identify this client. When sending to
	// LocalID the local device is never targeted.
	LocalID       string
	LocalDeviceID int

	// Guard, when set, runs before every dispatch. An error fails every
	// recipient without anything being sent.
	Guard func() error

	Logger zerolog.Logger
}

// Coordinator runs dispatches. It is safe for concurrent use; concurrent
// dispatches never interleave session updates for the same device.
type Coordinator struct {
	cfg    Config
	logger zerolog.Logger
	locks  *keyLocker
}

// New returns a Coordinator.
func New(cfg Config) *Coordinator {
	return &Coordinator{cfg: cfg, logger: cfg.Logger, locks: newKeyLocker()}
}

// pendingSend is the in-memory record of one recipient within one dispatch.
type pendingSend struct {
	recipient   string
	devices     []int // nil until the roster has been read
	modes       map[int]prekey.Mode
	prefetched  map[int]*ratchet.Bundle
	retriesLeft int
	fallback    bool
	state       State
}

func (p *pendingSend) mode(device int, def prekey.Mode) prekey.Mode {
	if m, ok := p.modes[device]; ok {
		return m
	}
	return def
}

// Dispatch sends content to every recipient and returns once each has
// reached a terminal state. Recipients are processed concurrently; the
// failure of one never affects another.
func (c *Coordinator) Dispatch(ctx context.Context, recipients []string, content []byte, timestamp uint64) Result {
	start := time.Now()
	defer func() { metrics.DispatchDuration.Observe(time.Since(start).Seconds()) }()

	padded := padMessage(content)
	outcomes := make([]error, len(recipients))

	if err := c.guard(); err != nil {
		c.logger.Warn().Err(err).Int("recipients", len(recipients)).Msg("dispatch refused")
		for i := range outcomes {
			outcomes[i] = err
		}
	} else {
		var wg sync.WaitGroup
		for i, r := range recipients {
			wg.Add(1)
			go func() {
				defer wg.Done()
				outcomes[i] = c.sendRecipient(ctx, r, padded, timestamp)
			}()
		}
		wg.Wait()
	}

	var res Result
	for i, r := range recipients {
		err := outcomes[i]
		if err == nil {
			res.Succeeded = append(res.Succeeded, r)
			metrics.RecipientsTotal.WithLabelValues(StateDone.String()).Inc()
			c.logger.Info().Str("recipient", r).Msg("sent")
			continue
		}
		reason := classify(err)
		res.Errors = append(res.Errors, RecipientError{Recipient: r, Reason: reason, Cause: err})
		metrics.RecipientsTotal.WithLabelValues(string(reason)).Inc()
		c.logger.Info().Str("recipient", r).Str("reason", string(reason)).Err(err).Msg("send failed")
	}
	return res
}

func (c *Coordinator) guard() error {
	if c.cfg.Guard == nil {
		return nil
	}
	return c.cfg.Guard()
}

func (c *Coordinator) transition(p *pendingSend, s State) {
	p.state = s
	c.logger.Debug().Str("recipient", p.recipient).Stringer("state", s).Msg("state")
}

// sendRecipient drives one recipient to a terminal state and returns nil on
// success.
func (c *Coordinator) sendRecipient(ctx context.Context, recipient string, padded []byte, timestamp uint64) (err error) {
	p := &pendingSend{
		recipient:   recipient,
		modes:       make(map[int]prekey.Mode),
		prefetched:  make(map[int]*ratchet.Bundle),
		retriesLeft: maxRosterRetries,
	}
	defer func() {
		if err != nil {
			c.transition(p, StateFailed)
		} else {
			c.transition(p, StateDone)
		}
	}()

	c.transition(p, StateInit)
	if err := c.discover(ctx, p); err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg, err := c.attempt(ctx, p, padded, timestamp)
		if err != nil {
			return err
		}
		if len(msg.Envelopes) == 0 {
			if recipient == c.cfg.LocalID {
				// No other device of our own to reach.
				return nil
			}
			return fmt.Errorf("%w: %s has no devices", ErrUnregistered, recipient)
		}

		c.transition(p, StateTransmitting)
		err = c.cfg.Transport.SendMessage(ctx, recipient, msg)
		if err == nil {
			return nil
		}
		if err := c.reconcile(p, msg.DeviceIDs(), err); err != nil {
			return err
		}
	}
}

// discover seeds the device list. An unknown recipient with a key
// directory available has every device discovered up front.
func (c *Coordinator) discover(ctx context.Context, p *pendingSend) error {
	if c.cfg.Resolver.Mode() != prekey.ModeRemote {
		return nil
	}
	known, err := c.cfg.Roster.Known(p.recipient)
	if err != nil {
		return err
	}
	if known {
		return nil
	}
	c.transition(p, StateKeysResolving)
	bundles, err := c.cfg.Resolver.ResolveAll(ctx, p.recipient)
	if err != nil {
		return err
	}
	p.devices = make([]int, 0, len(bundles))
	for _, b := range bundles {
		d := int(b.DeviceID)
		if c.isSelf(p.recipient, d) {
			continue
		}
		p.prefetched[d] = b
		p.devices = append(p.devices, d)
	}
	slices.Sort(p.devices)
	return nil
}

func (c *Coordinator) isSelf(recipient string, device int) bool {
	return recipient == c.cfg.LocalID && device == c.cfg.LocalDeviceID
}

// reconcile applies a 409/410 and decides whether another attempt is
// allowed. Any other error is returned unchanged.
func (c *Coordinator) reconcile(p *pendingSend, sent []int, err error) error {
	var mismatch *transport.MismatchedDevicesError
	var stale *transport.StaleDevicesError
	var code string
	switch {
	case errors.As(err, &mismatch):
		code = "409"
	case errors.As(err, &stale):
		code = "410"
	default:
		return err
	}
	if p.retriesLeft == 0 {
		return fmt.Errorf("%w: %w", ErrRetryLimit, err)
	}
	p.retriesLeft--
	c.transition(p, StateRetrying)
	metrics.RetriesTotal.WithLabelValues(code).Inc()

	devices := slices.Clone(sent)
	if mismatch != nil {
		c.logger.Warn().Str("recipient", p.recipient).Str("code", code).
			Ints("missing", mismatch.MissingDevices).Ints("extra", mismatch.ExtraDevices).Msg("device mismatch")
		if err := c.cfg.Roster.Reconcile(p.recipient, roster.Reconciliation{Remove: mismatch.ExtraDevices}); err != nil {
			return err
		}
		if len(mismatch.ExtraDevices) > 0 {
			if err := c.cfg.Resolver.Forget(p.recipient, mismatch.ExtraDevices...); err != nil {
				c.logger.Warn().Err(err).Str("recipient", p.recipient).Msg("contact cache cleanup failed")
			}
		}
		devices = slices.DeleteFunc(devices, func(d int) bool { return slices.Contains(mismatch.ExtraDevices, d) })
		for _, d := range mismatch.MissingDevices {
			if c.isSelf(p.recipient, d) || slices.Contains(devices, d) {
				continue
			}
			devices = append(devices, d)
			p.modes[d] = prekey.ModeLocalPinned
		}
	} else {
		c.logger.Warn().Str("recipient", p.recipient).Str("code", code).
			Ints("stale", stale.StaleDevices).Msg("stale devices")
		if err := c.cfg.Roster.Reconcile(p.recipient, roster.Reconciliation{Stale: stale.StaleDevices}); err != nil {
			return err
		}
		for _, d := range stale.StaleDevices {
			delete(p.modes, d)
			delete(p.prefetched, d)
		}
	}
	if len(devices) == 0 && p.recipient != c.cfg.LocalID {
		return fmt.Errorf("%w: %s: every device is gone: %w", ErrUnregistered, p.recipient, err)
	}
	slices.Sort(devices)
	p.devices = devices
	p.fallback = false
	return nil
}

// deviceResult is the per-device outcome of key resolution.
type deviceResult struct {
	device int
	bundle *ratchet.Bundle
	mode   prekey.Mode
	err    error
}

// attempt runs KeysResolving and Encrypting once and returns the message to
// transmit.
func (c *Coordinator) attempt(ctx context.Context, p *pendingSend, padded []byte, timestamp uint64) (*wire.Message, error) {
	c.transition(p, StateKeysResolving)

	var msg *wire.Message
	err := c.cfg.Roster.Snapshot(p.recipient, func(known []int) error {
		devices := p.devices
		if devices == nil {
			devices = known
		}
		devices = slices.DeleteFunc(slices.Clone(devices), func(d int) bool { return c.isSelf(p.recipient, d) })

		bundles, err := c.resolve(ctx, p, devices)
		if err != nil {
			return err
		}

		c.transition(p, StateEncrypting)
		if p.fallback {
			msg, err = c.encryptFallback(p, devices, bundles, padded, timestamp)
		} else {
			msg, err = c.encrypt(ctx, p, devices, bundles, padded, timestamp)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// resolve finds bundles for every device without an open session and
// passes them through the trust gate. It sets p.fallback when a pinned
// lookup came up short.
func (c *Coordinator) resolve(ctx context.Context, p *pendingSend, devices []int) (map[int]*ratchet.Bundle, error) {
	def := c.cfg.Resolver.Mode()
	results := make([]deviceResult, len(devices))

	// No sibling cancellation: every device runs to completion.
	var g errgroup.Group
	for i, d := range devices {
		g.Go(func() error {
			results[i] = c.resolveDevice(ctx, p, d, p.mode(d, def))
			return nil
		})
	}
	g.Wait()

	bundles := make(map[int]*ratchet.Bundle)
	var firstErr error
	for _, r := range results {
		var miss *prekey.LocalMissError
		switch {
		case r.err == nil:
			if r.bundle != nil {
				bundles[r.device] = r.bundle
			}
		case r.mode == prekey.ModeLocalPinned && errors.As(r.err, &miss):
			c.logger.Debug().Str("recipient", p.recipient).Int("device", r.device).Err(r.err).Msg("pinned lookup missed")
			p.fallback = true
		case firstErr == nil:
			firstErr = r.err
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}

	for _, d := range devices {
		b, ok := bundles[d]
		if !ok {
			continue
		}
		if err := c.checkIdentity(p.recipient, d, b); err != nil {
			return nil, err
		}
	}
	return bundles, nil
}

func (c *Coordinator) resolveDevice(ctx context.Context, p *pendingSend, device int, mode prekey.Mode) deviceResult {
	res := deviceResult{device: device, mode: mode}
	open, err := c.cfg.Store.HasSession(p.recipient, device)
	if err != nil {
		res.err = err
		return res
	}
	if open {
		return res
	}
	if b, ok := p.prefetched[device]; ok {
		res.bundle, res.mode = b, prekey.ModeRemote
		return res
	}
	res.bundle, res.err = c.cfg.Resolver.Resolve(ctx, p.recipient, device, mode)
	return res
}

func (c *Coordinator) checkIdentity(recipient string, device int, b *ratchet.Bundle) error {
	result, err := c.cfg.Gate.PutIdentityKey(recipient, b.IdentityKey)
	if err != nil {
		return err
	}
	if result == identity.Changed {
		metrics.IdentityChanges.Inc()
		return &IdentityChangedError{Recipient: recipient, Device: device}
	}
	return nil
}

// encrypt encrypts padded once per device under the device's lock.
func (c *Coordinator) encrypt(ctx context.Context, p *pendingSend, devices []int, bundles map[int]*ratchet.Bundle, padded []byte, timestamp uint64) (*wire.Message, error) {
	envs := make([]wire.Envelope, len(devices))
	errs := make([]error, len(devices))

	var g errgroup.Group
	for i, d := range devices {
		g.Go(func() error {
			envs[i], errs[i] = c.encryptDevice(ctx, p, d, bundles[d], padded, timestamp)
			return nil
		})
	}
	g.Wait()

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &wire.Message{Destination: p.recipient, Timestamp: timestamp, Envelopes: envs, Urgent: true}, nil
}

// encryptDevice loads, establishes if needed, encrypts and stores the
// session for one device, all while holding the device's lock.
func (c *Coordinator) encryptDevice(ctx context.Context, p *pendingSend, device int, b *ratchet.Bundle, padded []byte, timestamp uint64) (wire.Envelope, error) {
	unlock := c.locks.lock(p.recipient, device)
	defer unlock()

	rec, err := c.cfg.Store.LoadSession(p.recipient, device)
	if err != nil {
		return wire.Envelope{}, err
	}
	if rec == nil {
		if b == nil {
			// The session was closed after resolution; fetch a bundle now.
			mode := p.mode(device, c.cfg.Resolver.Mode())
			if b, err = c.cfg.Resolver.Resolve(ctx, p.recipient, device, mode); err != nil {
				return wire.Envelope{}, err
			}
			if err := c.checkIdentity(p.recipient, device, b); err != nil {
				return wire.Envelope{}, err
			}
		}
		if rec, err = c.cfg.Cipher.Establish(b); err != nil {
			return wire.Envelope{}, fmt.Errorf("dispatch: establish %s.%d: %w", p.recipient, device, err)
		}
		mode := prekey.ModeRemote
		if _, ok := p.prefetched[device]; !ok {
			mode = p.mode(device, c.cfg.Resolver.Mode())
		}
		metrics.SessionsEstablished.WithLabelValues(mode.String()).Inc()
		c.logger.Debug().Str("recipient", p.recipient).Int("device", device).Str("mode", mode.String()).Msg("session established")
	}

	ct, err := c.cfg.Cipher.Encrypt(rec, padded)
	if err != nil {
		return wire.Envelope{}, fmt.Errorf("dispatch: encrypt %s.%d: %w", p.recipient, device, err)
	}
	if err := c.cfg.Store.StoreSession(p.recipient, device, rec); err != nil {
		return wire.Envelope{}, err
	}

	typ := wire.EnvelopeCiphertext
	if ct.Type == ratchet.CiphertextPreKey {
		typ = wire.EnvelopePreKey
	}
	return wire.Envelope{
		Type:                      typ,
		SourceDevice:              uint32(c.cfg.LocalDeviceID),
		Timestamp:                 timestamp,
		Content:                   ct.Body,
		DestinationDevice:         uint32(device),
		DestinationRegistrationID: rec.RemoteRegistrationID,
	}, nil
}

// encryptFallback encrypts to the pinned identity key for every device
// without touching any session.
func (c *Coordinator) encryptFallback(p *pendingSend, devices []int, bundles map[int]*ratchet.Bundle, padded []byte, timestamp uint64) (*wire.Message, error) {
	ik, err := c.cfg.Store.GetIdentityKey(p.recipient)
	if err != nil {
		return nil, err
	}
	if ik == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoKeys, p.recipient)
	}
	metrics.FallbackTotal.Inc()
	c.logger.Warn().Str("recipient", p.recipient).Ints("devices", devices).Msg("fallback encryption")

	envs := make([]wire.Envelope, 0, len(devices))
	for _, d := range devices {
		body, err := c.cfg.Cipher.FallbackEncrypt(*ik, padded)
		if err != nil {
			return nil, fmt.Errorf("dispatch: fallback %s.%d: %w", p.recipient, d, err)
		}
		var regID uint32
		if b := bundles[d]; b != nil {
			regID = b.RegistrationID
		}
		envs = append(envs, wire.Envelope{
			Type:                      wire.EnvelopeFallback,
			SourceDevice:              uint32(c.cfg.LocalDeviceID),
			Timestamp:                 timestamp,
			Content:                   body,
			DestinationDevice:         uint32(d),
			DestinationRegistrationID: regID,
		})
	}
	return &wire.Message{Destination: p.recipient, Timestamp: timestamp, Envelopes: envs, Urgent: true}, nil
}
