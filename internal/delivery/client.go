package delivery

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/funnyzak/hookrelay/internal/config"
	"github.com/funnyzak/hookrelay/internal/lifecycle"
	"github.com/funnyzak/hookrelay/internal/logger"
	"github.com/funnyzak/hookrelay/pkg/relay"
)

const userAgent = "Hookrelay/1.0"

var (
	errRedirectHostChanged = errors.New("redirect changed destination host")
	errTooManyRedirects    = errors.New("too many redirects")
)

// Client performs a single outbound delivery attempt for a relay
// already in PROCESSING. It is not a retry mechanism: retries happen by
// the sweep engine starting a fresh attempt and invoking the client
// again. All state changes flow through the lifecycle engine.
type Client struct {
	engine *lifecycle.Engine
	cfg    *config.Config
	log    logger.Logger
}

// NewClient constructs a delivery client.
func NewClient(engine *lifecycle.Engine, cfg *config.Config, log logger.Logger) *Client {
	return &Client{engine: engine, cfg: cfg, log: log}
}

// Deliver executes one HTTP attempt and resolves the relay to
// COMPLETED or FAILED. A payload supplied here is recorded onto the
// relay when it captured without one; destination and method fall back
// to the values stored on the relay.
func (c *Client) Deliver(ctx context.Context, r *relay.Relay, destination, method string, payload interface{}) (*relay.Relay, error) {
	if destination == "" {
		destination = r.DestinationURL
	}
	if method == "" {
		method = r.DestinationMethod
	}
	method = strings.ToUpper(strings.TrimSpace(method))

	if !relay.SupportedMethod(method) {
		c.log.Warn("unsupported delivery method", "relay_id", r.ID, "method", method)
		return c.engine.MarkFailed(ctx, r, relay.FailureHTTPError, 0)
	}

	if c.cfg.HTTP.EnforceHTTPS && !strings.HasPrefix(strings.ToLower(destination), "https://") {
		c.log.Warn("non-https destination refused", "relay_id", r.ID, "destination", destination)
		return c.engine.MarkFailed(ctx, r, relay.FailureHTTPError, 0)
	}

	if len(destination) > relay.MaxDestinationURLLength {
		c.log.Warn("destination url too long", "relay_id", r.ID, "length", len(destination))
		return c.engine.MarkFailed(ctx, r, relay.FailureHTTPError, 0)
	}

	if len(r.Payload) == 0 && payload != nil {
		body, err := NormalizePayload(payload)
		if err != nil {
			c.log.Error("payload normalization failed", "relay_id", r.ID, "error", err)
			return c.engine.MarkFailed(ctx, r, relay.FailureHTTPError, 0)
		}
		if err := c.engine.RecordPayload(ctx, r, body); err != nil {
			if errors.Is(err, lifecycle.ErrPayloadTooLarge) {
				return c.engine.MarkFailed(ctx, r, relay.FailurePayloadTooLarge, 0)
			}
			return nil, err
		}
	}

	if err := c.engine.RecordDestination(ctx, r, destination, method); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, destination, bytes.NewReader(r.Payload))
	if err != nil {
		c.log.Warn("invalid delivery request", "relay_id", r.ID, "error", err)
		return c.engine.MarkFailed(ctx, r, relay.FailureHTTPError, 0)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Hookrelay-Relay-ID", strconv.FormatInt(r.ID, 10))
	req.Header.Set("X-Hookrelay-Delivery-ID", uuid.NewString())
	req.Header.Set("X-Hookrelay-Attempt", strconv.Itoa(r.Attempts))

	client := c.newHTTPClient(r, req.URL.Hostname())

	start := time.Now()
	resp, err := client.Do(req)
	durationMs := time.Since(start).Milliseconds()

	if err != nil {
		reason := classify(err)
		c.log.Warn("delivery attempt failed",
			"relay_id", r.ID,
			"destination", destination,
			"reason", reason.String(),
			"duration_ms", durationMs,
			"error", err,
		)
		return c.engine.MarkFailed(ctx, r, reason, durationMs)
	}
	defer resp.Body.Close()

	snapshot := c.responseSnapshot(resp.Body)
	if err := c.engine.RecordResponse(ctx, r, &resp.StatusCode, snapshot); err != nil {
		return nil, err
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		c.log.Info("delivery succeeded",
			"relay_id", r.ID,
			"status", resp.StatusCode,
			"duration_ms", durationMs,
		)
		return c.engine.MarkCompleted(ctx, r, durationMs)
	}

	c.log.Warn("destination returned error status",
		"relay_id", r.ID,
		"status", resp.StatusCode,
		"duration_ms", durationMs,
	)
	return c.engine.MarkFailed(ctx, r, relay.FailureHTTPError, durationMs)
}

// newHTTPClient builds a per-attempt client with the relay's timeout
// and a redirect policy that pins the destination host.
func (c *Client) newHTTPClient(r *relay.Relay, originalHost string) *http.Client {
	timeoutSeconds := r.TimeoutSeconds
	if timeoutSeconds <= 0 {
		timeoutSeconds = c.cfg.HTTP.TimeoutSeconds
	}
	timeout := time.Duration(timeoutSeconds+c.cfg.Automation.TimeoutBufferSeconds) * time.Second

	maxRedirects := c.cfg.HTTP.MaxRedirects
	return &http.Client{
		Timeout: timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > maxRedirects {
				return errTooManyRedirects
			}
			if !sameHost(originalHost, req.URL.Hostname()) {
				return errRedirectHostChanged
			}
			return nil
		},
	}
}

// sameHost compares two hostnames without short-circuiting on the
// first differing byte.
func sameHost(a, b string) bool {
	ha := sha256.Sum256([]byte(strings.ToLower(a)))
	hb := sha256.Sum256([]byte(strings.ToLower(b)))
	return subtle.ConstantTimeCompare(ha[:], hb[:]) == 1
}

// classify maps a transport error to a failure reason.
func classify(err error) relay.Failure {
	if errors.Is(err, errRedirectHostChanged) {
		return relay.FailureRedirectHostChanged
	}
	if errors.Is(err, errTooManyRedirects) {
		return relay.FailureTooManyRedirects
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return relay.FailureConnectionTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) || strings.Contains(err.Error(), "timeout") {
		return relay.FailureConnectionTimeout
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return relay.FailureConnectionError
	}
	return relay.FailureHTTPError
}

// responseSnapshot reads a bounded body snapshot. Valid JSON is stored
// as-is, anything else is truncated to the configured response cap.
func (c *Client) responseSnapshot(body io.Reader) []byte {
	limit := c.cfg.HTTP.MaxResponseBytes
	data, err := io.ReadAll(io.LimitReader(body, int64(limit)*4))
	if err != nil || len(data) == 0 {
		return nil
	}
	if json.Valid(data) {
		return data
	}
	if len(data) > limit {
		data = data[:limit]
	}
	return data
}

// NormalizePayload converts a send-time payload value into storable
// bytes: raw bytes and strings pass through, everything else is
// JSON-encoded.
func NormalizePayload(v interface{}) ([]byte, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return p, nil
	case string:
		return []byte(p), nil
	case json.RawMessage:
		return p, nil
	case fmt.Stringer:
		return []byte(p.String()), nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		return data, nil
	}
}
