// Package webhook delivers achievement unlocks to an HTTP endpoint of the
// notification collaborator. Each call is one signed POST; retries belong to
// the dispatcher, which sees transient failures as retryable and client
// errors as permanent.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/qahub/reputation-engine/internal/domain/achievement"
	"github.com/qahub/reputation-engine/pkg/logger"
	"github.com/qahub/reputation-engine/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// Headers set on every delivery.
const (
	HeaderSignature = "X-Reputation-Signature"
	HeaderDelivery  = "X-Reputation-Delivery"
)

// ClientConfig contains configuration for the webhook client.
type ClientConfig struct {
	// URL receives the POST.
	URL string

	// Secret signs the body with HMAC-SHA256. Empty disables signing.
	Secret string

	// Timeout is the HTTP request timeout.
	Timeout time.Duration

	// RateLimiterConfig bounds the outbound request rate.
	RateLimiterConfig RateLimiterConfig

	Logger *slog.Logger
	Now    func() time.Time
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig(url string) ClientConfig {
	return ClientConfig{
		URL:               url,
		Timeout:           5 * time.Second,
		RateLimiterConfig: DefaultRateLimiterConfig(),
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// CLIENT
// ══════════════════════════════════════════════════════════════════════════════

// Payload is the POST body.
type Payload struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	UserID        string    `json:"user_id"`
	AchievementID string    `json:"achievement_id"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// PayloadType is the Payload.Type of an unlock.
const PayloadType = "achievement.unlocked"

// StatusError is a non-2xx response.
type StatusError struct {
	Code       int
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook: status %d", e.Code)
}

// Client posts unlocks to the collaborator.
type Client struct {
	config      ClientConfig
	httpClient  *http.Client
	rateLimiter *RateLimiter
	logger      *slog.Logger
}

// NewClient creates a new webhook client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.URL == "" {
		return nil, errors.New("webhook: url is required")
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultClientConfig("").Timeout
	}
	if config.Now == nil {
		config.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Client{
		config:      config,
		httpClient:  &http.Client{Timeout: config.Timeout},
		rateLimiter: NewRateLimiter(config.RateLimiterConfig),
		logger:      logger.OrDefault(config.Logger).With(logger.Component("webhook")),
	}, nil
}

// NotifyAchievementUnlocked implements achievement.Notifier.
func (c *Client) NotifyAchievementUnlocked(ctx context.Context, userID, achievementID string) error {
	return c.Send(ctx, Payload{
		ID:            uuid.NewString(),
		Type:          PayloadType,
		UserID:        userID,
		AchievementID: achievementID,
		OccurredAt:    c.config.Now(),
	})
}

// Send delivers one payload. Failures worth retrying come back wrapped with
// retry.Retryable (retry.RetryAfter for a 429), the rest with retry.Permanent.
func (c *Client) Send(ctx context.Context, p Payload) error {
	if err := c.rateLimiter.Allow(ctx); err != nil {
		return retry.Retryable(fmt.Errorf("rate limiter: %w", err))
	}

	err := c.doSingleRequest(ctx, p)
	if err == nil {
		return nil
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.Code == http.StatusTooManyRequests {
		c.rateLimiter.RecordRateLimitHit(statusErr.RetryAfter)
		return retry.RetryAfter(err, statusErr.RetryAfter)
	}
	if isRetryable(err) {
		return retry.Retryable(err)
	}
	c.logger.Warn("webhook rejected unlock",
		logger.UserID(p.UserID), logger.AchievementID(p.AchievementID), logger.Err(err))
	return retry.Permanent(err)
}

// ══════════════════════════════════════════════════════════════════════════════
// HTTP REQUEST HELPERS
// ══════════════════════════════════════════════════════════════════════════════

func (c *Client) doSingleRequest(ctx context.Context, p Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderDelivery, p.ID)
	if c.config.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(c.config.Secret, body))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	statusErr := &StatusError{Code: resp.StatusCode}
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if seconds, err := strconv.Atoi(ra); err == nil {
			statusErr.RetryAfter = time.Duration(seconds) * time.Second
		}
	}
	return statusErr
}

// isRetryable treats 429, 5xx and transport failures as transient.
func isRetryable(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code == http.StatusTooManyRequests || statusErr.Code >= 500
	}
	return !errors.Is(err, context.Canceled)
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header against body.
func Verify(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}

var _ achievement.Notifier = (*Client)(nil)
