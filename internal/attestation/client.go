// Package attestation is a client for the external attestation service's
// message lookup endpoint.
package attestation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/juno-intents/cctp-bridge/internal/bridge"
	"github.com/juno-intents/cctp-bridge/internal/metrics"
	"golang.org/x/time/rate"
)

const (
	// PendingSentinel is returned in place of an attestation until it is signed.
	PendingSentinel = "PENDING"

	StatusComplete = "complete"
	StatusPending  = "pending_confirmations"

	// DefaultRequestsPerSecond stays under the service's published limit of 35.
	DefaultRequestsPerSecond = 35
)

var (
	ErrInvalidConfig    = errors.New("attestation: invalid config")
	ErrResponseTooLarge = errors.New("attestation: response too large")
)

// deliveredStatuses mark a mint already executed on a non-mandatory destination.
var deliveredStatuses = map[string]bool{
	"delivered": true,
	"received":  true,
	"minted":    true,
}

// HTTPError is a non-2xx, non-404 response. It unwraps to bridge.ErrTransient
// so the poller retries it.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e == nil {
		return "attestation: nil http error"
	}
	return fmt.Sprintf("attestation: status %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Unwrap() error { return bridge.ErrTransient }

// Message is one entry of a lookup response. Attestation is nil while the
// service reports the pending sentinel or anything that is not 0x-hex.
type Message struct {
	Message     []byte
	MessageHex  string
	Attestation []byte
	EventNonce  string
	Status      string
}

func (m Message) Ready() bool { return len(m.Attestation) > 0 }

type Option func(*Client) error

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		if hc == nil {
			return fmt.Errorf("%w: nil http client", ErrInvalidConfig)
		}
		c.hc = hc
		return nil
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("%w: timeout must be > 0", ErrInvalidConfig)
		}
		if c.hc == nil {
			c.hc = &http.Client{}
		}
		c.hc.Timeout = d
		return nil
	}
}

func WithMaxResponseBytes(n int64) Option {
	return func(c *Client) error {
		if n <= 0 {
			return fmt.Errorf("%w: max response bytes must be > 0", ErrInvalidConfig)
		}
		c.maxRespBytes = n
		return nil
	}
}

// WithRateLimit sets the client-side token bucket. rps <= 0 disables it.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) error {
		if rps <= 0 {
			c.limiter = nil
			return nil
		}
		if burst <= 0 {
			return fmt.Errorf("%w: burst must be > 0", ErrInvalidConfig)
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		return nil
	}
}

func WithAPIKey(key string) Option {
	return func(c *Client) error {
		c.apiKey = strings.TrimSpace(key)
		return nil
	}
}

type Client struct {
	baseURL      string
	apiKey       string
	hc           *http.Client
	maxRespBytes int64
	limiter      *rate.Limiter
}

func New(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%w: missing base url", ErrInvalidConfig)
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("%w: base url: %v", ErrInvalidConfig, err)
	}
	c := &Client{
		baseURL:      baseURL,
		hc:           &http.Client{Timeout: 10 * time.Second},
		maxRespBytes: 1 << 20,
		limiter:      rate.NewLimiter(rate.Limit(DefaultRequestsPerSecond), DefaultRequestsPerSecond),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

type messagesResponse struct {
	Messages []struct {
		Message     string `json:"message"`
		Attestation string `json:"attestation"`
		EventNonce  string `json:"eventNonce"`
		Status      string `json:"status"`
	} `json:"messages"`
}

// GetMessages looks up the messages emitted by txHash on sourceDomain. A 404
// means "not indexed yet" and returns nil, nil.
func (c *Client) GetMessages(ctx context.Context, sourceDomain uint32, txHash string) ([]Message, error) {
	txHash = strings.TrimSpace(txHash)
	if txHash == "" {
		return nil, fmt.Errorf("%w: empty transaction hash", bridge.ErrInvalidInput)
	}
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	u := c.baseURL + "/v2/messages/" + strconv.FormatUint(uint64(sourceDomain), 10) +
		"?transactionHash=" + url.QueryEscape(txHash)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("attestation: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.hc.Do(req)
	metrics.AttestationRequestLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.AttestationRequestsTotal.WithLabelValues("network_error").Inc()
		return nil, fmt.Errorf("%w: attestation: http do: %w", bridge.ErrTransient, err)
	}
	defer resp.Body.Close()

	body, err := readAllLimited(resp.Body, c.maxRespBytes)
	if err != nil {
		metrics.AttestationRequestsTotal.WithLabelValues("decode_error").Inc()
		return nil, fmt.Errorf("%w: %w", bridge.ErrTransient, err)
	}

	if resp.StatusCode == http.StatusNotFound {
		metrics.AttestationRequestsTotal.WithLabelValues("not_found").Inc()
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.AttestationRequestsTotal.WithLabelValues("http_error").Inc()
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = resp.Status
		}
		return nil, &HTTPError{StatusCode: resp.StatusCode, Message: msg}
	}

	var mr messagesResponse
	if err := json.Unmarshal(body, &mr); err != nil {
		metrics.AttestationRequestsTotal.WithLabelValues("decode_error").Inc()
		return nil, fmt.Errorf("%w: attestation: decode response: %v", bridge.ErrTransient, err)
	}
	metrics.AttestationRequestsTotal.WithLabelValues("ok").Inc()

	out := make([]Message, 0, len(mr.Messages))
	for _, m := range mr.Messages {
		out = append(out, Message{
			Message:     decodeHex(m.Message),
			MessageHex:  m.Message,
			Attestation: decodeAttestation(m.Attestation),
			EventNonce:  m.EventNonce,
			Status:      m.Status,
		})
	}
	return out, nil
}

// CheckDelivery reports whether the mint for txHash already happened without
// a caller-submitted transaction. On the mandatory endpoint a complete,
// attested message means the subsidized mint ran. Elsewhere the service must
// report a terminal delivery status.
func (c *Client) CheckDelivery(ctx context.Context, sourceDomain uint32, txHash string, destIsMandatory bool) (bool, error) {
	msgs, err := c.GetMessages(ctx, sourceDomain, txHash)
	if err != nil {
		return false, err
	}
	if len(msgs) == 0 {
		return false, nil
	}
	m := msgs[0]
	status := strings.ToLower(strings.TrimSpace(m.Status))
	if destIsMandatory {
		return status == StatusComplete && m.Ready(), nil
	}
	return deliveredStatuses[status], nil
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	r := c.limiter.Reserve()
	if !r.OK() {
		return fmt.Errorf("attestation: cannot reserve rate limit token")
	}
	delay := r.Delay()
	if delay <= 0 {
		return nil
	}
	metrics.AttestationRateLimitWaits.Inc()
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	}
}

// decodeAttestation drops the pending sentinel and anything that is not a
// 0x-prefixed hex blob.
func decodeAttestation(s string) []byte {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, PendingSentinel) || !strings.HasPrefix(s, "0x") {
		return nil
	}
	return decodeHex(s)
}

func decodeHex(s string) []byte {
	s = strings.TrimSpace(s)
	if len(s) <= 2 {
		return nil
	}
	b, err := hexutil.Decode(s)
	if err != nil {
		return nil
	}
	return b
}

func readAllLimited(r io.Reader, max int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, fmt.Errorf("attestation: read response: %w", err)
	}
	if int64(len(b)) > max {
		return nil, ErrResponseTooLarge
	}
	return b, nil
}
