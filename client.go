// Package signal provides a high-level client for dispatching end-to-end
// encrypted messages to every device of one or more recipients.
package signal

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/gwillem/signal-dispatch/internal/config"
	"github.com/gwillem/signal-dispatch/internal/dispatch"
	"github.com/gwillem/signal-dispatch/internal/identity"
	"github.com/gwillem/signal-dispatch/internal/prekey"
	"github.com/gwillem/signal-dispatch/internal/ratchet"
	"github.com/gwillem/signal-dispatch/internal/roster"
	"github.com/gwillem/signal-dispatch/internal/store"
	"github.com/gwillem/signal-dispatch/internal/transport"
)

// Result is the outcome of one dispatch.
type Result = dispatch.Result

// RecipientError is the terminal failure of one recipient.
type RecipientError = dispatch.RecipientError

// SessionInfo describes one stored session.
type SessionInfo = store.SessionInfo

// IdentityKey is a remote or local public identity.
type IdentityKey = ratchet.IdentityKey

const (
	defaultPreKeyCount = 100
	signedPreKeyMaxAge = 30 * 24 * time.Hour

	// Sending stops once more rotations than this have been rejected.
	maxSignedPreKeyRejections = 5
)

// service is what the dispatch engine needs from the server.
type service interface {
	dispatch.Transport
	prekey.Directory
}

// Client is the main entry point for dispatching messages.
type Client struct {
	cfg       *config.Config
	logger    zerolog.Logger
	tlsConfig *tls.Config

	store    *store.Store
	cache    *prekey.ContactCache
	account  *store.Account
	gate     *identity.Gate
	roster   *roster.Tracker
	resolver *prekey.Resolver
	http     *transport.HTTP
	ws       *transport.WS
	dispatch *dispatch.Coordinator
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger. If not set, logging is disabled.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithTLSConfig overrides the TLS configuration used for connections.
// If nil (the default), Server.CAFile or the system pool is used.
func WithTLSConfig(tc *tls.Config) Option {
	return func(c *Client) { c.tlsConfig = tc }
}

// Open opens the local stores named by cfg, creating the account identity
// on first use, and connects the configured transport.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (*Client, error) {
	c := &Client{cfg: cfg, logger: zerolog.Nop()}
	for _, o := range opts {
		o(c)
	}
	if c.tlsConfig == nil && cfg.Server.CAFile != "" {
		tc, err := transport.LoadTLSConfig(cfg.Server.CAFile)
		if err != nil {
			return nil, fmt.Errorf("client: %w", err)
		}
		c.tlsConfig = tc
	}

	if err := c.open(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) open(ctx context.Context) error {
	var err error
	if c.store, err = store.Open(c.cfg.Database); err != nil {
		return fmt.Errorf("client: open store: %w", err)
	}
	if c.cache, err = prekey.OpenContactCache(c.cfg.ContactCache); err != nil {
		return fmt.Errorf("client: open contact cache: %w", err)
	}
	if c.account, err = prekey.EnsureAccount(c.store); err != nil {
		return fmt.Errorf("client: %w", err)
	}

	auth := c.auth()
	c.http = transport.NewHTTP(c.cfg.Server.URL, auth, c.tlsConfig, c.component("http"))
	var svc service = c.http
	if c.cfg.Server.Transport == config.TransportWS {
		c.ws, err = transport.DialWS(ctx, c.cfg.Server.WSURL, auth, c.component("ws"), transport.WithTLS(c.tlsConfig))
		if err != nil {
			return fmt.Errorf("client: dial websocket: %w", err)
		}
		svc = c.ws
	}

	c.gate = identity.NewGate(c.store, c.component("identity"))
	c.roster = roster.NewTracker(c.store, c.component("roster"))
	c.resolver = prekey.NewResolver(svc, c.cache, c.component("prekey"))
	c.dispatch = dispatch.New(dispatch.Config{
		Transport:     svc,
		Store:         c.store,
		Roster:        c.roster,
		Resolver:      c.resolver,
		Gate:          c.gate,
		Cipher:        ratchet.NewCipher(c.account.IdentityKeyPair, c.account.RegistrationID),
		LocalID:       c.cfg.Local.ID,
		LocalDeviceID: c.cfg.Local.DeviceID,
		Guard:         c.checkRotation,
		Logger:        c.component("dispatch"),
	})
	c.logger.Debug().Str("transport", c.cfg.Server.Transport).Str("db", c.cfg.Database).Msg("client opened")
	return nil
}

// checkRotation refuses dispatches while the server keeps rejecting our
// signed prekey.
func (c *Client) checkRotation() error {
	n, err := c.store.SignedPreKeyRejections()
	if err != nil {
		return err
	}
	if n > maxSignedPreKeyRejections {
		return fmt.Errorf("%w: %d rejections", dispatch.ErrSignedPreKeyRotation, n)
	}
	return nil
}

func (c *Client) component(name string) zerolog.Logger {
	return c.logger.With().Str("component", name).Logger()
}

// auth returns the credentials for API requests: the configured username
// or "<local id>.<device id>".
func (c *Client) auth() *transport.BasicAuth {
	if c.cfg.Server.Password == "" {
		return nil
	}
	user := c.cfg.Server.Username
	if user == "" {
		user = fmt.Sprintf("%s.%d", c.cfg.Local.ID, c.cfg.Local.DeviceID)
	}
	return &transport.BasicAuth{Username: user, Password: c.cfg.Server.Password}
}

// Close releases the transport and the local stores.
func (c *Client) Close() error {
	var errs []error
	if c.ws != nil {
		errs = append(errs, c.ws.Close())
	}
	if c.cache != nil {
		errs = append(errs, c.cache.Close())
	}
	if c.store != nil {
		errs = append(errs, c.store.Close())
	}
	return errors.Join(errs...)
}

// LocalID returns the configured local address.
func (c *Client) LocalID() string {
	return c.cfg.Local.ID
}

// DeviceID returns the local device ID.
func (c *Client) DeviceID() int {
	return c.cfg.Local.DeviceID
}

// IdentityKey returns the local public identity key.
func (c *Client) IdentityKey() IdentityKey {
	return c.account.IdentityKeyPair.PublicKey()
}

// Dispatch encrypts content for every device of every recipient and sends
// it. Every recipient appears exactly once in the result. After more than
// five rejected signed prekey rotations every recipient fails with
// dispatch.ErrSignedPreKeyRotation until a rotation is accepted.
func (c *Client) Dispatch(ctx context.Context, recipients []string, content []byte) Result {
	return c.dispatch.Dispatch(ctx, recipients, content, uint64(time.Now().UnixMilli()))
}

// Send dispatches a text message.
func (c *Client) Send(ctx context.Context, recipients []string, text string) Result {
	return c.Dispatch(ctx, recipients, []byte(text))
}

// PinnedIdentity returns the identity key pinned for recipient, or nil if
// none is.
func (c *Client) PinnedIdentity(recipient string) (*IdentityKey, error) {
	return c.store.GetIdentityKey(recipient)
}

// Trust accepts key as recipient's identity after out-of-band
// verification. Existing sessions and cached prekeys for recipient are
// dropped.
func (c *Client) Trust(recipient string, key IdentityKey) error {
	// Under the roster write lock no dispatch can write back a session for
	// the old identity.
	err := c.roster.Exclusive(recipient, func() error {
		return c.gate.Trust(recipient, key)
	})
	if err != nil {
		return fmt.Errorf("client: trust %s: %w", recipient, err)
	}
	if err := c.resolver.Forget(recipient); err != nil {
		return fmt.Errorf("client: trust %s: %w", recipient, err)
	}
	return nil
}

// Sessions lists the stored sessions of recipient.
func (c *Client) Sessions(recipient string) ([]SessionInfo, error) {
	return c.store.ListSessions(recipient)
}

// ResetSessions removes every session of recipient so the next dispatch
// starts over from fresh prekey bundles.
func (c *Client) ResetSessions(recipient string) error {
	if err := c.roster.Reset(recipient); err != nil {
		return fmt.Errorf("client: reset sessions: %w", err)
	}
	return c.resolver.Forget(recipient)
}

// GeneratePreKeys creates count one-time prekeys (a default batch when
// count is zero) and uploads them together with the current signed prekey.
func (c *Client) GeneratePreKeys(ctx context.Context, count int) (int, error) {
	if count == 0 {
		count = defaultPreKeyCount
	}
	pks, err := prekey.GeneratePreKeys(c.store, count)
	if err != nil {
		return 0, err
	}
	spk, err := prekey.CurrentSignedPreKey(c.store, c.account.IdentityKeyPair, time.Now())
	if err != nil {
		return 0, err
	}
	if err := c.http.UploadPreKeys(ctx, transport.NewPreKeyUpload(c.IdentityKey(), spk, pks)); err != nil {
		return 0, fmt.Errorf("client: upload pre-keys: %w", err)
	}
	c.logger.Info().Int("count", len(pks)).Uint32("signedPreKey", spk.ID).Msg("pre-keys uploaded")
	return len(pks), nil
}

// RotateSignedPreKey generates and uploads a new signed prekey and prunes
// expired ones. It returns the new key ID and the number pruned. Uploads
// the server rejects are counted; see Dispatch.
func (c *Client) RotateSignedPreKey(ctx context.Context) (uint32, int, error) {
	spk, removed, err := prekey.RotateSignedPreKey(c.store, c.account.IdentityKeyPair, time.Now(), signedPreKeyMaxAge)
	if err != nil {
		return 0, 0, err
	}
	if err := c.http.UploadPreKeys(ctx, transport.NewPreKeyUpload(c.IdentityKey(), spk, nil)); err != nil {
		var status *transport.StatusError
		if errors.As(err, &status) && status.Code >= 400 && status.Code <= 599 {
			n, rerr := c.store.RecordSignedPreKeyRejection()
			if rerr != nil {
				return 0, 0, errors.Join(fmt.Errorf("client: upload signed pre-key: %w", err), rerr)
			}
			c.logger.Warn().Int("status", status.Code).Int("rejections", n).Msg("signed pre-key rejected")
		}
		return 0, 0, fmt.Errorf("client: upload signed pre-key: %w", err)
	}
	if err := c.store.ClearSignedPreKeyRejections(); err != nil {
		return 0, 0, err
	}
	c.logger.Info().Uint32("id", spk.ID).Int("pruned", removed).Msg("signed pre-key rotated")
	return spk.ID, removed, nil
}
