package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gwillem/signal-dispatch/internal/wire"
)

// wsServer answers every request with handle's response.
func wsServer(t *testing.T, handle func(req *wire.Request) *wire.Response) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer ws.CloseNow()

		for {
			_, data, err := ws.Read(r.Context())
			if err != nil {
				return
			}
			var msg wire.WebSocketMessage
			if err := msg.Unmarshal(data); err != nil {
				t.Errorf("unmarshal: %v", err)
				return
			}
			if msg.Type != wire.WebSocketRequest {
				continue
			}
			resp := handle(msg.Request)
			if resp == nil {
				continue
			}
			resp.ID = msg.Request.ID
			out := &wire.WebSocketMessage{Type: wire.WebSocketResponse, Response: resp}
			if err := ws.Write(r.Context(), websocket.MessageBinary, out.Marshal()); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialTest(t *testing.T, srv *httptest.Server) *WS {
	t.Helper()
	w, err := DialWS(context.Background(), wsURL(srv), &BasicAuth{Username: "me.1", Password: "pw"}, zerolog.Nop(),
		WithKeepAliveInterval(time.Hour))
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w
}

func TestWSSendMessage(t *testing.T) {
	got := make(chan *wire.Request, 1)
	srv := wsServer(t, func(req *wire.Request) *wire.Response {
		got <- req
		return &wire.Response{Status: 200}
	})
	w := dialTest(t, srv)

	msg := &wire.Message{Timestamp: 7, Envelopes: []wire.Envelope{{Type: wire.EnvelopeCiphertext, DestinationDevice: 1}}}
	require.NoError(t, w.SendMessage(context.Background(), "alice", msg))

	req := <-got
	require.Equal(t, "PUT", req.Verb)
	require.Equal(t, "/v1/message", req.Path)
	require.NotZero(t, req.ID)
	var hasCorrelation bool
	for _, h := range req.Headers {
		if strings.HasPrefix(h, "X-Correlation-Id:") {
			hasCorrelation = true
		}
	}
	require.True(t, hasCorrelation)

	var sent wire.Message
	require.NoError(t, sent.Unmarshal(req.Body))
	require.Equal(t, "alice", sent.Destination)
	require.Equal(t, []int{1}, sent.DeviceIDs())
}

func TestWSFaults(t *testing.T) {
	srv := wsServer(t, func(req *wire.Request) *wire.Response {
		switch {
		case strings.HasPrefix(req.Path, "/v2/keys/ghost"):
			return &wire.Response{Status: 404}
		case req.Path == "/v1/message":
			return &wire.Response{Status: 410, Body: []byte(`{"staleDevices":[2]}`)}
		}
		return &wire.Response{Status: 500}
	})
	w := dialTest(t, srv)

	_, err := w.FetchPreKeys(context.Background(), "ghost", 0)
	require.ErrorIs(t, err, ErrNotFound)

	err = w.SendMessage(context.Background(), "bob", &wire.Message{Timestamp: 1})
	var stale *StaleDevicesError
	require.True(t, errors.As(err, &stale))
	require.Equal(t, []int{2}, stale.StaleDevices)
}

func TestWSFetchPreKeys(t *testing.T) {
	want, _ := testPreKeyResponse(t, 1)
	srv := wsServer(t, func(req *wire.Request) *wire.Response {
		assert.Equal(t, "/v2/keys/carol/1", req.Path)
		body, _ := json.Marshal(want)
		return &wire.Response{Status: 200, Body: body}
	})
	w := dialTest(t, srv)

	resp, err := w.FetchPreKeys(context.Background(), "carol", 1)
	require.NoError(t, err)
	require.Len(t, resp.Devices, 1)
}

func TestWSConcurrentRequestsMatchByID(t *testing.T) {
	srv := wsServer(t, func(req *wire.Request) *wire.Response {
		return &wire.Response{Status: 200, Body: []byte(req.Path)}
	})
	w := dialTest(t, srv)

	errs := make(chan error, 10)
	for i := range 10 {
		go func(i int) {
			path := "/p/" + string(rune('a'+i))
			resp, err := w.Do(context.Background(), "GET", path, nil)
			if err == nil && string(resp.Body) != path {
				err = errors.New("mismatched response " + string(resp.Body))
			}
			errs <- err
		}(i)
	}
	for range 10 {
		require.NoError(t, <-errs)
	}
}

func TestWSContextCancel(t *testing.T) {
	srv := wsServer(t, func(req *wire.Request) *wire.Response { return nil })
	w := dialTest(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := w.Do(ctx, "GET", "/never", nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWSClosed(t *testing.T) {
	srv := wsServer(t, func(req *wire.Request) *wire.Response { return &wire.Response{Status: 200} })
	w := dialTest(t, srv)
	require.NoError(t, w.Close())

	_, err := w.Do(context.Background(), "GET", "/x", nil)
	require.ErrorIs(t, err, ErrClosed)
}
