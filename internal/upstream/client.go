// Package upstream provides the client for the external labor-statistics API.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// StatusError represents a non-2xx upstream response
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d: %s", e.Code, e.Body)
}

// Observation is the payload returned for a series request
type Observation struct {
	SeriesID string  `json:"series_id"`
	Title    string  `json:"title"`
	Area     string  `json:"area"`
	Period   string  `json:"period"`
	Value    float64 `json:"value"`
	Unit     string  `json:"unit"`
}

// Validate checks the payload shape. A validation failure is permanent and
// must not be retried.
func (o *Observation) Validate() error {
	if o.SeriesID == "" {
		return fmt.Errorf("missing series_id")
	}
	if o.Period == "" {
		return fmt.Errorf("missing period for series %s", o.SeriesID)
	}
	if math.IsNaN(o.Value) || math.IsInf(o.Value, 0) {
		return fmt.Errorf("non-finite value for series %s", o.SeriesID)
	}
	return nil
}

// Client calls the external statistics API
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// New creates an upstream API client
func New(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// FetchSeries fetches the latest observation for a series using the given
// key. The raw response body is returned alongside the decoded payload so
// callers can archive it verbatim.
func (c *Client) FetchSeries(ctx context.Context, seriesID, apiKey string) (*Observation, []byte, error) {
	u := fmt.Sprintf("%s/v1/series/%s?api_key=%s", c.baseURL, url.PathEscape(seriesID), url.QueryEscape(apiKey))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("upstream request failed",
			zap.String("series_id", seriesID),
			zap.Error(err),
		)
		return nil, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.Debug("upstream returned error status",
			zap.String("series_id", seriesID),
			zap.Int("status", resp.StatusCode),
		)
		return nil, nil, &StatusError{Code: resp.StatusCode, Body: truncate(string(body), 200)}
	}

	var obs Observation
	if err := json.Unmarshal(body, &obs); err != nil {
		return nil, nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &obs, body, nil
}

// Probe checks upstream reachability without spending key quota
func (c *Client) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL+"/v1/status", nil)
	if err != nil {
		return fmt.Errorf("failed to build probe request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upstream unreachable: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode >= 500 {
		return &StatusError{Code: resp.StatusCode}
	}

	return nil
}

// IsKeyRejected reports whether the error means the upstream refused the
// key itself (quota or auth), which blocks the key rather than retrying.
func IsKeyRejected(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code == http.StatusUnauthorized ||
			statusErr.Code == http.StatusForbidden ||
			statusErr.Code == http.StatusTooManyRequests
	}
	return false
}

// IsRetriable reports whether the error is transient: network failures,
// timeouts, and upstream 5xx responses.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code >= 500
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "connection") ||
		strings.Contains(errStr, "temporary") ||
		strings.Contains(errStr, "network") ||
		strings.Contains(errStr, "dns")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
