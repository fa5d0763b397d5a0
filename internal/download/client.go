// Package download fetches payslip files from the portal's file API.
package download

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/payslip-cli/internal/config"
)

// ErrTokenExpired is returned before any request when the bearer token is past its exp claim.
var ErrTokenExpired = errors.New("bearer token is expired")

var parserUnverified = jwt.NewParser()

// TokenExpiry reads the exp claim of a JWT without verifying its signature.
// ok is false for opaque tokens and tokens without exp.
func TokenExpiry(token string) (exp time.Time, ok bool) {
	claims := jwt.MapClaims{}
	if _, _, err := parserUnverified.ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	date, err := claims.GetExpirationTime()
	if err != nil || date == nil {
		return time.Time{}, false
	}
	return date.Time, true
}

// Client downloads files with a bearer token at a bounded rate.
type Client struct {
	http    *resty.Client
	limiter *rate.Limiter
	logger  *zap.Logger
	now     func() time.Time
}

// New builds a Client. transport may be nil.
func New(cfg config.DownloadConfig, userAgent string, transport http.RoundTripper, logger *zap.Logger) *Client {
	logger = logger.Named("download")

	client := resty.New()
	client.SetTransport(newDecompressingTransport(transport))
	client.SetTimeout(cfg.Timeout)
	client.SetRetryCount(cfg.Retries)
	client.SetRetryWaitTime(500 * time.Millisecond)
	client.AddRetryCondition(func(r *resty.Response, err error) bool {
		return err == nil && r.StatusCode() >= http.StatusInternalServerError
	})
	if userAgent != "" {
		client.SetHeader("User-Agent", userAgent)
	}
	client.OnAfterResponse(func(_ *resty.Client, resp *resty.Response) error {
		logger.Debug("File response",
			zap.Int("status", resp.StatusCode()),
			zap.Int("bytes", len(resp.Body())),
			zap.Duration("elapsed", resp.Time()))
		return nil
	})

	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		http:    client,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst),
		logger:  logger,
		now:     time.Now,
	}
}

// Fetch downloads url and returns its body and content type.
func (c *Client) Fetch(ctx context.Context, url, token string) ([]byte, string, error) {
	if exp, ok := TokenExpiry(token); ok && !c.now().Before(exp) {
		return nil, "", fmt.Errorf("%w (exp %s)", ErrTokenExpired, exp.UTC().Format(time.RFC3339))
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, "", err
	}

	req := c.http.R().SetContext(ctx)
	if token != "" {
		req.SetAuthToken(token)
	}
	resp, err := req.Get(url)
	if err != nil {
		return nil, "", fmt.Errorf("downloading %s: %w", url, err)
	}
	if resp.IsError() {
		return nil, "", fmt.Errorf("downloading %s: unexpected status %s", url, resp.Status())
	}
	return resp.Body(), resp.Header().Get("Content-Type"), nil
}
