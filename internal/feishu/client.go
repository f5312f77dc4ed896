package feishu

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/JakeFAU/doris-feishu-pusher/internal/logging"
	"github.com/JakeFAU/doris-feishu-pusher/internal/metrics"
	"github.com/JakeFAU/doris-feishu-pusher/internal/policy/ratelimit"
)

const maxResponseBytes = 64 << 10

// Target identifies a webhook and its optional signing secret.
type Target struct {
	URL    string
	Secret string
}

// APIError is returned when the webhook answers with a non-zero code.
type APIError struct {
	Code int
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("feishu api error %d: %s", e.Code, e.Msg)
}

// Config tunes the webhook client.
type Config struct {
	Timeout       time.Duration
	MaxRetries    int
	RatePerSecond float64
	Burst         int
}

// Client posts messages to custom bot webhooks.
type Client struct {
	http    *retryablehttp.Client
	limiter *ratelimit.Limiter
	now     func() time.Time
	logger  *zap.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithClock overrides the time source used for request signatures.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// WithRetryWait overrides the backoff bounds between retries.
func WithRetryWait(minWait, maxWait time.Duration) Option {
	return func(c *Client) {
		c.http.RetryWaitMin = minWait
		c.http.RetryWaitMax = maxWait
	}
}

// NewClient constructs a Client.
func NewClient(cfg Config, logger *zap.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.MaxRetries
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.Logger = logging.NewLeveledLogger(logger)
	if cfg.Timeout > 0 {
		rc.HTTPClient.Timeout = cfg.Timeout
	}
	// Surface the last response instead of a generic "giving up" error.
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	c := &Client{
		http:    rc,
		limiter: ratelimit.New(ratelimit.Config{DefaultRPS: cfg.RatePerSecond, DefaultBurst: cfg.Burst}),
		now:     time.Now,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type apiResponse struct {
	Code          *int   `json:"code"`
	Msg           string `json:"msg"`
	StatusCode    *int   `json:"StatusCode"`
	StatusMessage string `json:"StatusMessage"`
}

// Send delivers msg to the target webhook.
func (c *Client) Send(ctx context.Context, target Target, msg Message) error {
	if target.URL == "" {
		return errors.New("feishu: webhook url is required")
	}
	// Sign after the wait so a throttled message carries a fresh timestamp.
	if err := c.limiter.Wait(ctx, target.URL); err != nil {
		return err
	}
	if target.Secret != "" {
		ts := c.now().Unix()
		sign, err := Sign(ts, target.Secret)
		if err != nil {
			return err
		}
		msg.Timestamp = strconv.FormatInt(ts, 10)
		msg.Sign = sign
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	err = c.post(ctx, target.URL, body)
	if err != nil {
		metrics.ObserveMessage("error")
		c.logger.Warn("feishu delivery failed", zap.String("msg_type", msg.MsgType), zap.Error(err))
		return err
	}
	metrics.ObserveMessage("ok")
	c.logger.Debug("feishu message delivered", zap.String("msg_type", msg.MsgType))
	return nil
}

func (c *Client) post(ctx context.Context, url string, body []byte) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", redactedError{err: err})
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("failed to close response body", zap.Error(cerr))
		}
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("post webhook: unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}

	var parsed apiResponse
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	switch {
	case parsed.Code != nil && *parsed.Code != 0:
		return &APIError{Code: *parsed.Code, Msg: parsed.Msg}
	case parsed.StatusCode != nil && *parsed.StatusCode != 0:
		return &APIError{Code: *parsed.StatusCode, Msg: parsed.StatusMessage}
	}
	return nil
}

// Sign computes the webhook signature for a unix timestamp in seconds.
// The key is "timestamp\nsecret" and the signed message is empty.
func Sign(timestamp int64, secret string) (string, error) {
	key := strconv.FormatInt(timestamp, 10) + "\n" + secret
	mac := hmac.New(sha256.New, []byte(key))
	if _, err := mac.Write(nil); err != nil {
		return "", fmt.Errorf("sign message: %w", err)
	}
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// redactedError masks the webhook token that transport errors quote, keeping
// the cause for errors.Is.
type redactedError struct {
	err error
}

func (e redactedError) Error() string {
	return logging.RedactHook(e.err.Error())
}

func (e redactedError) Unwrap() error {
	return e.err
}
