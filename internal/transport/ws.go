package transport

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gwillem/signal-dispatch/internal/wire"
)

const defaultKeepAliveInterval = 30 * time.Second

// ErrClosed is returned by requests on a closed WS transport.
var ErrClosed = errors.New("transport: websocket closed")

// wsConn is one live WebSocket with its in-flight requests.
type wsConn struct {
	ws   *websocket.Conn
	done chan struct{}
	err  error // set before done is closed

	mu      sync.Mutex
	pending map[uint64]chan *wire.Response
}

// WS multiplexes requests over an authenticated WebSocket. Requests carry a
// correlation ID and responses are matched back by it. A broken connection
// fails its in-flight requests and is redialed on the next request.
type WS struct {
	url     string
	tlsConf *tls.Config
	headers http.Header
	logger  zerolog.Logger

	keepAliveInterval time.Duration

	mu     sync.Mutex
	conn   *wsConn
	closed bool
	cancel context.CancelFunc
}

// WSOption configures a WS transport.
type WSOption func(*WS)

// WithKeepAliveInterval sets the interval between keep-alive requests.
func WithKeepAliveInterval(d time.Duration) WSOption {
	return func(w *WS) { w.keepAliveInterval = d }
}

// WithTLS sets the TLS configuration for the handshake.
func WithTLS(c *tls.Config) WSOption {
	return func(w *WS) { w.tlsConf = c }
}

// DialWS connects to the WebSocket endpoint at url.
func DialWS(ctx context.Context, url string, auth *BasicAuth, logger zerolog.Logger, opts ...WSOption) (*WS, error) {
	w := &WS{
		url:               url,
		headers:           http.Header{},
		logger:            logger,
		keepAliveInterval: defaultKeepAliveInterval,
	}
	for _, o := range opts {
		o(w)
	}
	if auth != nil {
		r, _ := http.NewRequest(http.MethodGet, url, nil)
		r.SetBasicAuth(auth.Username, auth.Password)
		w.headers.Set("Authorization", r.Header.Get("Authorization"))
	}

	if _, err := w.current(ctx); err != nil {
		return nil, err
	}

	kaCtx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	go w.keepAliveLoop(kaCtx)
	return w, nil
}

// SendMessage delivers msg to recipient with PUT /v1/message. The recipient
// travels in the message's destination field.
func (w *WS) SendMessage(ctx context.Context, recipient string, msg *wire.Message) error {
	if msg.Destination == "" {
		msg.Destination = recipient
	}
	resp, err := w.Do(ctx, http.MethodPut, "/v1/message", msg.Marshal(), "content-type:application/x-protobuf")
	if err != nil {
		return fmt.Errorf("transport: send message: %w", err)
	}
	return classify(int(resp.Status), resp.Body)
}

// FetchPreKeys fetches bundles for one device, or for every device when
// deviceID is 0.
func (w *WS) FetchPreKeys(ctx context.Context, recipient string, deviceID int) (*PreKeyResponse, error) {
	resp, err := w.Do(ctx, http.MethodGet, preKeyPath(recipient, deviceID), nil)
	if err != nil {
		return nil, fmt.Errorf("transport: get pre-keys: %w", err)
	}
	if err := classify(int(resp.Status), resp.Body); err != nil {
		return nil, err
	}
	var result PreKeyResponse
	if err := json.Unmarshal(resp.Body, &result); err != nil {
		return nil, fmt.Errorf("transport: unmarshal pre-keys: %w", err)
	}
	return &result, nil
}

// Do sends one request and waits for its response.
func (w *WS) Do(ctx context.Context, verb, path string, body []byte, headers ...string) (*wire.Response, error) {
	c, err := w.current(ctx)
	if err != nil {
		return nil, err
	}

	corr := uuid.New()
	id := binary.BigEndian.Uint64(corr[:8])
	ch := make(chan *wire.Response, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	frame := &wire.WebSocketMessage{
		Type: wire.WebSocketRequest,
		Request: &wire.Request{
			Verb:    verb,
			Path:    path,
			Body:    body,
			ID:      id,
			Headers: append(append([]string(nil), headers...), "X-Correlation-Id:"+corr.String()),
		},
	}
	if err := c.ws.Write(ctx, websocket.MessageBinary, frame.Marshal()); err != nil {
		w.drop(c)
		return nil, fmt.Errorf("write: %w", err)
	}
	w.logger.Debug().Str("verb", verb).Str("path", path).Str("correlation", corr.String()).Msg("ws request")

	select {
	case resp := <-ch:
		return resp, nil
	case <-c.done:
		return nil, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops keep-alive and closes the connection.
func (w *WS) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	c := w.conn
	w.conn = nil
	w.mu.Unlock()

	if w.cancel != nil {
		w.cancel()
	}
	if c != nil {
		return c.ws.Close(websocket.StatusNormalClosure, "")
	}
	return nil
}

// current returns the live connection, dialing if there is none.
func (w *WS) current(ctx context.Context) (*wsConn, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, ErrClosed
	}
	if w.conn != nil {
		return w.conn, nil
	}

	opts := &websocket.DialOptions{HTTPHeader: w.headers}
	if w.tlsConf != nil {
		opts.HTTPClient = &http.Client{Transport: &http.Transport{TLSClientConfig: w.tlsConf}}
	}
	ws, _, err := websocket.Dial(ctx, w.url, opts)
	if err != nil {
		return nil, fmt.Errorf("transport: dial: %w", err)
	}
	c := &wsConn{ws: ws, done: make(chan struct{}), pending: make(map[uint64]chan *wire.Response)}
	w.conn = c
	go w.readLoop(c)
	return c, nil
}

// drop forgets c so the next request redials.
func (w *WS) drop(c *wsConn) {
	w.mu.Lock()
	if w.conn == c {
		w.conn = nil
	}
	w.mu.Unlock()
	c.ws.CloseNow()
}

func (w *WS) readLoop(c *wsConn) {
	defer close(c.done)
	for {
		_, data, err := c.ws.Read(context.Background())
		if err != nil {
			c.err = fmt.Errorf("transport: read: %w", err)
			w.drop(c)
			return
		}
		var msg wire.WebSocketMessage
		if err := msg.Unmarshal(data); err != nil {
			w.logger.Warn().Err(err).Msg("ws: bad frame")
			continue
		}
		switch msg.Type {
		case wire.WebSocketResponse:
			if msg.Response == nil {
				continue
			}
			c.mu.Lock()
			ch, ok := c.pending[msg.Response.ID]
			c.mu.Unlock()
			if ok {
				ch <- msg.Response
			}
		case wire.WebSocketRequest:
			// Server pushes are not consumed here; acknowledge so the
			// server does not redeliver on this connection.
			if msg.Request != nil {
				w.ack(c, msg.Request.ID)
			}
		}
	}
}

func (w *WS) ack(c *wsConn, id uint64) {
	frame := &wire.WebSocketMessage{
		Type:     wire.WebSocketResponse,
		Response: &wire.Response{ID: id, Status: http.StatusOK, Message: "OK"},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.ws.Write(ctx, websocket.MessageBinary, frame.Marshal()); err != nil {
		w.logger.Debug().Err(err).Msg("ws: ack failed")
	}
}

func (w *WS) keepAliveLoop(ctx context.Context) {
	ticker := time.NewTicker(w.keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reqCtx, cancel := context.WithTimeout(ctx, w.keepAliveInterval)
			start := time.Now()
			_, err := w.Do(reqCtx, http.MethodGet, "/v1/keepalive", nil)
			cancel()
			if err != nil {
				if errors.Is(err, ErrClosed) {
					return
				}
				if errors.Is(err, context.DeadlineExceeded) {
					w.mu.Lock()
					c := w.conn
					w.mu.Unlock()
					if c != nil {
						w.drop(c)
					}
				}
				w.logger.Debug().Err(err).Msg("ws: keep-alive failed")
				continue
			}
			w.logger.Debug().Dur("rtt", time.Since(start)).Msg("ws: keep-alive")
		}
	}
}
