package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/gwillem/signal-dispatch/internal/wire"
)

const (
	maxRateLimitRetries = 3
	maxRateLimitWait    = 10 * time.Minute
)

// HTTP sends messages and fetches prekeys over the REST API. It owns the
// rate-limit policy: 429 responses are retried honoring Retry-After.
type HTTP struct {
	baseURL string
	client  *http.Client
	auth    *BasicAuth
	logger  zerolog.Logger

	// backoff returns the wait before retry attempt n when the server sent
	// no Retry-After. Overridden in tests.
	backoff func(attempt int) time.Duration
}

// NewHTTP creates an HTTP transport for the API at baseURL.
func NewHTTP(baseURL string, auth *BasicAuth, tlsConf *tls.Config, logger zerolog.Logger) *HTTP {
	client := &http.Client{}
	if tlsConf != nil {
		client.Transport = &http.Transport{TLSClientConfig: tlsConf}
	}
	return &HTTP{
		baseURL: baseURL,
		client:  client,
		auth:    auth,
		logger:  logger,
		backoff: func(attempt int) time.Duration { return time.Duration(5<<attempt) * time.Second },
	}
}

// SendMessage delivers msg to recipient with PUT /v1/messages/{recipient}.
func (t *HTTP) SendMessage(ctx context.Context, recipient string, msg *wire.Message) error {
	body, status, err := t.do(ctx, http.MethodPut, "/v1/messages/"+recipient, msg.Marshal(), "application/x-protobuf")
	if err != nil {
		return fmt.Errorf("transport: send message: %w", err)
	}
	return classify(status, body)
}

// FetchPreKeys fetches bundles for one device, or for every device when
// deviceID is 0.
func (t *HTTP) FetchPreKeys(ctx context.Context, recipient string, deviceID int) (*PreKeyResponse, error) {
	body, status, err := t.do(ctx, http.MethodGet, preKeyPath(recipient, deviceID), nil, "")
	if err != nil {
		return nil, fmt.Errorf("transport: get pre-keys: %w", err)
	}
	if err := classify(status, body); err != nil {
		return nil, err
	}
	var result PreKeyResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("transport: unmarshal pre-keys: %w", err)
	}
	return &result, nil
}

// UploadPreKeys publishes the local identity and prekeys with PUT /v2/keys.
func (t *HTTP) UploadPreKeys(ctx context.Context, up *PreKeyUpload) error {
	data, err := json.Marshal(up)
	if err != nil {
		return fmt.Errorf("transport: marshal pre-keys: %w", err)
	}
	body, status, err := t.do(ctx, http.MethodPut, "/v2/keys", data, "application/json")
	if err != nil {
		return fmt.Errorf("transport: upload pre-keys: %w", err)
	}
	return classify(status, body)
}

func preKeyPath(recipient string, deviceID int) string {
	device := "*"
	if deviceID > 0 {
		device = strconv.Itoa(deviceID)
	}
	return "/v2/keys/" + recipient + "/" + device
}

// do executes a request with automatic retry on 429 (Too Many Requests) and
// returns the final body and status.
func (t *HTTP) do(ctx context.Context, method, path string, body []byte, contentType string) ([]byte, int, error) {
	for attempt := range maxRateLimitRetries + 1 {
		var rd io.Reader
		if body != nil {
			rd = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, rd)
		if err != nil {
			return nil, 0, fmt.Errorf("new request: %w", err)
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		if t.auth != nil {
			req.SetBasicAuth(t.auth.Username, t.auth.Password)
		}

		resp, err := t.client.Do(req)
		if err != nil {
			return nil, 0, err
		}
		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
		}

		if resp.StatusCode != http.StatusTooManyRequests {
			t.logger.Debug().Str("method", method).Str("path", path).Int("code", resp.StatusCode).Msg("http")
			return respBody, resp.StatusCode, nil
		}

		if attempt == maxRateLimitRetries {
			t.logger.Warn().Str("method", method).Str("path", path).Msg("http 429, no retries left")
			return respBody, resp.StatusCode, nil
		}

		wait := t.backoff(attempt)
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
				wait = time.Duration(secs) * time.Second
			}
		}
		wait = min(wait, maxRateLimitWait)
		t.logger.Warn().Str("method", method).Str("path", path).
			Dur("wait", wait).Int("attempt", attempt+1).Msg("http 429, retrying")

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		}
	}
	return nil, 0, fmt.Errorf("retry loop exhausted")
}
