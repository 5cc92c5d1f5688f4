package dispatch

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/gwillem/signal-dispatch/internal/identity"
	"github.com/gwillem/signal-dispatch/internal/prekey"
	"github.com/gwillem/signal-dispatch/internal/ratchet"
	"github.com/gwillem/signal-dispatch/internal/roster"
	"github.com/gwillem/signal-dispatch/internal/store"
	"github.com/gwillem/signal-dispatch/internal/transport"
	"github.com/gwillem/signal-dispatch/internal/wire"
)

var b64 = base64.RawStdEncoding

// remoteKeys is a device's local prekey storage on the server side of the
// test.
type remoteKeys struct {
	spk *ratchet.SignedPreKeyRecord
	pk  *ratchet.PreKeyRecord
}

func (k *remoteKeys) LoadPreKey(id uint32) (*ratchet.PreKeyRecord, error) {
	if k.pk != nil && k.pk.ID == id {
		return k.pk, nil
	}
	return nil, errors.New("no such pre-key")
}

func (k *remoteKeys) LoadSignedPreKey(id uint32) (*ratchet.SignedPreKeyRecord, error) {
	if k.spk.ID == id {
		return k.spk, nil
	}
	return nil, errors.New("no such signed pre-key")
}

type remoteDevice struct {
	id       int
	regID    uint32
	cipher   *ratchet.Cipher
	keys     *remoteKeys
	session  *ratchet.SessionRecord
	received [][]byte
}

type remoteAccount struct {
	identity *ratchet.IdentityKeyPair
	devices  map[int]*remoteDevice
}

// fakeServer is the key directory and message endpoint. It answers a send
// with 409 when the targeted devices differ from the registered ones, and
// decrypts every accepted envelope as the destination device would.
type fakeServer struct {
	t *testing.T

	// The sender's own device is never expected in a send to itself.
	selfID     string
	selfDevice int

	mu       sync.Mutex
	accounts map[string]*remoteAccount
	queued   map[string][]error
	sends    map[string][]*wire.Message
	fetches  map[string][]int
}

func newFakeServer(t *testing.T) *fakeServer {
	return &fakeServer{
		t:          t,
		selfID:     "me",
		selfDevice: 1,
		accounts:   make(map[string]*remoteAccount),
		queued:     make(map[string][]error),
		sends:      make(map[string][]*wire.Message),
		fetches:    make(map[string][]int),
	}
}

func (s *fakeServer) register(recipient string, devices ...int) {
	s.t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[recipient]
	if !ok {
		ik, err := ratchet.GenerateIdentityKeyPair()
		require.NoError(s.t, err)
		acct = &remoteAccount{identity: ik, devices: make(map[int]*remoteDevice)}
		s.accounts[recipient] = acct
	}
	for _, d := range devices {
		spk, err := ratchet.GenerateSignedPreKey(acct.identity, uint32(d), time.Now())
		require.NoError(s.t, err)
		pk, err := ratchet.GeneratePreKey(uint32(100 + d))
		require.NoError(s.t, err)
		regID := uint32(len(s.accounts)*1000 + d)
		acct.devices[d] = &remoteDevice{
			id:     d,
			regID:  regID,
			cipher: ratchet.NewCipher(acct.identity, regID),
			keys:   &remoteKeys{spk: spk, pk: pk},
		}
	}
}

func (s *fakeServer) unregisterDevice(recipient string, device int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.accounts[recipient].devices, device)
}

func (s *fakeServer) identity(recipient string) ratchet.IdentityKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accounts[recipient].identity.PublicKey()
}

func (s *fakeServer) regID(recipient string, device int) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accounts[recipient].devices[device].regID
}

func (s *fakeServer) queue(recipient string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queued[recipient] = append(s.queued[recipient], errs...)
}

func (s *fakeServer) sent(recipient string) []*wire.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.sends[recipient])
}

func (s *fakeServer) fetched(recipient string) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.fetches[recipient])
}

func (s *fakeServer) received(recipient string, device int) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.accounts[recipient].devices[device].received)
}

func (s *fakeServer) FetchPreKeys(_ context.Context, recipient string, deviceID int) (*transport.PreKeyResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches[recipient] = append(s.fetches[recipient], deviceID)

	acct, ok := s.accounts[recipient]
	if !ok {
		return nil, transport.ErrNotFound
	}
	resp := &transport.PreKeyResponse{IdentityKey: b64.EncodeToString(acct.identity.PublicKey().Serialize())}
	for id, dev := range acct.devices {
		if deviceID != 0 && id != deviceID {
			continue
		}
		resp.Devices = append(resp.Devices, transport.PreKeyDeviceInfo{
			DeviceID:       id,
			RegistrationID: int(dev.regID),
			SignedPreKey: &transport.SignedPreKeyEntity{
				KeyID:     int(dev.keys.spk.ID),
				PublicKey: b64.EncodeToString(dev.keys.spk.KeyPair.Public[:]),
				Signature: b64.EncodeToString(dev.keys.spk.Signature),
			},
			PreKey: &transport.PreKeyEntity{
				KeyID:     int(dev.keys.pk.ID),
				PublicKey: b64.EncodeToString(dev.keys.pk.KeyPair.Public[:]),
			},
		})
	}
	if len(resp.Devices) == 0 {
		return nil, transport.ErrNotFound
	}
	return resp, nil
}

func (s *fakeServer) SendMessage(ctx context.Context, recipient string, msg *wire.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends[recipient] = append(s.sends[recipient], msg)

	if q := s.queued[recipient]; len(q) > 0 {
		s.queued[recipient] = q[1:]
		return q[0]
	}
	acct, ok := s.accounts[recipient]
	if !ok {
		return transport.ErrNotFound
	}

	targeted := msg.DeviceIDs()
	var mismatch transport.MismatchedDevicesError
	for id := range acct.devices {
		if recipient == s.selfID && id == s.selfDevice {
			continue
		}
		if !slices.Contains(targeted, id) {
			mismatch.MissingDevices = append(mismatch.MissingDevices, id)
		}
	}
	for _, id := range targeted {
		if _, ok := acct.devices[id]; !ok {
			mismatch.ExtraDevices = append(mismatch.ExtraDevices, id)
		}
	}
	if len(mismatch.MissingDevices) > 0 || len(mismatch.ExtraDevices) > 0 {
		slices.Sort(mismatch.MissingDevices)
		slices.Sort(mismatch.ExtraDevices)
		return &mismatch
	}

	for _, env := range msg.Envelopes {
		dev := acct.devices[int(env.DestinationDevice)]
		plaintext, err := s.decrypt(dev, env)
		if err != nil {
			s.t.Errorf("device %s.%d: decrypt %s: %v", recipient, dev.id, env.Type, err)
			continue
		}
		dev.received = append(dev.received, stripPadding(plaintext))
	}
	return nil
}

func (s *fakeServer) decrypt(dev *remoteDevice, env wire.Envelope) ([]byte, error) {
	switch env.Type {
	case wire.EnvelopePreKey:
		rec, plaintext, _, err := dev.cipher.DecryptPreKey(dev.keys, env.Content)
		if err != nil {
			return nil, err
		}
		dev.session = rec
		return plaintext, nil
	case wire.EnvelopeCiphertext:
		if dev.session == nil {
			return nil, errors.New("no session")
		}
		return dev.cipher.Decrypt(dev.session, env.Content)
	case wire.EnvelopeFallback:
		_, plaintext, err := dev.cipher.FallbackDecrypt(env.Content)
		return plaintext, err
	}
	return nil, errors.New("unknown envelope type")
}

func stripPadding(data []byte) []byte {
	if i := bytes.LastIndexByte(data, 0x80); i >= 0 {
		return data[:i]
	}
	return data
}

// stallingServer blocks every send and key fetch until the caller's context
// ends, reporting each entry on started.
type stallingServer struct {
	*fakeServer
	started chan string
}

func (s stallingServer) SendMessage(ctx context.Context, recipient string, _ *wire.Message) error {
	s.started <- recipient
	<-ctx.Done()
	return ctx.Err()
}

func (s stallingServer) FetchPreKeys(ctx context.Context, recipient string, _ int) (*transport.PreKeyResponse, error) {
	s.started <- recipient
	<-ctx.Done()
	return nil, ctx.Err()
}

// countingCipher records the send counter each encryption starts from.
type countingCipher struct {
	*ratchet.Cipher
	delay time.Duration

	mu   sync.Mutex
	seen map[uint32][]uint32 // remote registration ID -> counters
}

func (c *countingCipher) Encrypt(rec *ratchet.SessionRecord, plaintext []byte) (ratchet.Ciphertext, error) {
	c.mu.Lock()
	c.seen[rec.RemoteRegistrationID] = append(c.seen[rec.RemoteRegistrationID], rec.Counter())
	c.mu.Unlock()
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	return c.Cipher.Encrypt(rec, plaintext)
}

func (c *countingCipher) counters(regID uint32) []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.seen[regID])
}

// faultyStore fails session writes for one recipient.
type faultyStore struct {
	*store.Store
	failFor    string
	failDevice int // 0 fails every device
}

func (f faultyStore) StoreSession(recipient string, deviceID int, rec *ratchet.SessionRecord) error {
	if recipient == f.failFor && (f.failDevice == 0 || f.failDevice == deviceID) {
		return &store.Error{Op: "store session", Err: errors.New("disk full")}
	}
	return f.Store.StoreSession(recipient, deviceID, rec)
}

type harness struct {
	srv      *fakeServer
	store    *store.Store
	cache    *prekey.ContactCache
	resolver *prekey.Resolver
	cipher   *countingCipher
	cfg      Config
	co       *Coordinator
}

type harnessOpt func(*harness)

// withoutDirectory leaves the resolver in local-pinned mode.
func withoutDirectory() harnessOpt {
	return func(h *harness) {
		h.resolver = prekey.NewResolver(nil, h.cache, zerolog.Nop())
		h.cfg.Resolver = h.resolver
	}
}

// withFaultyStore fails every session write for recipient.
func withFaultyStore(recipient string) harnessOpt {
	return func(h *harness) { h.cfg.Store = faultyStore{Store: h.store, failFor: recipient} }
}

// withFaultyDevice fails session writes for one device of recipient.
func withFaultyDevice(recipient string, device int) harnessOpt {
	return func(h *harness) {
		h.cfg.Store = faultyStore{Store: h.store, failFor: recipient, failDevice: device}
	}
}

func newHarness(t *testing.T, opts ...harnessOpt) *harness {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "dispatch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	cache, err := prekey.OpenContactCache(filepath.Join(dir, "contacts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })

	acct, err := prekey.EnsureAccount(st)
	require.NoError(t, err)

	h := &harness{srv: newFakeServer(t), store: st, cache: cache}
	h.resolver = prekey.NewResolver(h.srv, cache, zerolog.Nop())
	h.cipher = &countingCipher{
		Cipher: ratchet.NewCipher(acct.IdentityKeyPair, acct.RegistrationID),
		seen:   make(map[uint32][]uint32),
	}
	h.cfg = Config{
		Transport:     h.srv,
		Store:         st,
		Roster:        roster.NewTracker(st, zerolog.Nop()),
		Resolver:      h.resolver,
		Gate:          identity.NewGate(st, zerolog.Nop()),
		Cipher:        h.cipher,
		LocalID:       "me",
		LocalDeviceID: 1,
		Logger:        zerolog.Nop(),
	}
	for _, o := range opts {
		o(h)
	}
	h.co = New(h.cfg)
	return h
}

func (h *harness) dispatch(t *testing.T, recipients ...string) Result {
	t.Helper()
	return h.co.Dispatch(context.Background(), recipients, []byte("hello"), uint64(time.Now().UnixMilli()))
}

func (h *harness) devices(t *testing.T, recipient string) []int {
	t.Helper()
	ids, err := h.store.GetDeviceIDs(recipient)
	require.NoError(t, err)
	return ids
}
