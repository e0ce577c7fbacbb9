// Package nightscout provides a client for interacting with the Nightscout API
package nightscout

import (
	"context"
	"crypto/sha1" //nolint:gosec // Required for Nightscout API secret hashing (legacy API requirement)
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/mrcode/nightscout-advisor/internal/models"
	"github.com/mrcode/nightscout-advisor/internal/profile"
)

const (
	defaultTimeout = 30 * time.Second
	// Nightscout returns 10 documents unless asked for more
	maxEntries    = 50000
	maxTreatments = 10000
	maxProfiles   = 1000
)

// Client handles communication with the Nightscout API
type Client struct {
	baseURL    string
	apiSecret  string
	apiToken   string
	useToken   bool
	httpClient *http.Client
	parser     *profile.Parser
	log        zerolog.Logger
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithTimeout sets the HTTP timeout
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithHTTPClient replaces the HTTP client
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithLogger sets the logger
func WithLogger(log zerolog.Logger) ClientOption {
	return func(c *Client) {
		c.log = log
		c.parser = profile.NewParser(log)
	}
}

// NewClient creates a new Nightscout client
func NewClient(baseURL, apiSecret, apiToken string, useToken bool, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiSecret: apiSecret,
		apiToken:  apiToken,
		useToken:  useToken,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
		parser: profile.NewParser(zerolog.Nop()),
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// hashSecret generates SHA1 hash of the API secret
// Note: SHA1 is required for Nightscout API compatibility
func hashSecret(secret string) string {
	hasher := sha1.New() //nolint:gosec // Required for Nightscout API
	hasher.Write([]byte(secret))
	return hex.EncodeToString(hasher.Sum(nil))
}

// buildRequest creates an HTTP request with proper authentication
func (c *Client) buildRequest(ctx context.Context, method, endpoint string, params url.Values) (*http.Request, error) {
	fullURL := c.baseURL + endpoint
	if len(params) > 0 {
		fullURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, nil)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Accept", "application/json")

	// Add authentication
	if c.useToken && c.apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiToken)
	} else if c.apiSecret != "" {
		req.Header.Set("API-SECRET", hashSecret(c.apiSecret))
	}

	return req, nil
}

// doRequest executes an HTTP request and returns the response body
func (c *Client) doRequest(req *http.Request) ([]byte, error) {
	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	c.log.Debug().
		Str("path", req.URL.Path).
		Int("status", resp.StatusCode).
		Int("bytes", len(body)).
		Dur("took", time.Since(started)).
		Msg("nightscout request")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	return body, nil
}

// APIError is a non-2xx Nightscout response
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Body)
}

func (c *Client) get(ctx context.Context, endpoint string, params url.Values, out any) error {
	req, err := c.buildRequest(ctx, http.MethodGet, endpoint, params)
	if err != nil {
		return err
	}
	body, err := c.doRequest(req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parsing %s: %w", endpoint, err)
	}
	return nil
}

// GetStatus retrieves the Nightscout server status
func (c *Client) GetStatus(ctx context.Context) (*models.ServerStatus, error) {
	var status models.ServerStatus
	if err := c.get(ctx, "/api/v1/status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// TestConnection tests if the connection to Nightscout works
func (c *Client) TestConnection(ctx context.Context) error {
	_, err := c.GetStatus(ctx)
	return err
}

// GetEntries retrieves sensor glucose entries for a time range. A count of
// zero asks for everything in the range.
func (c *Client) GetEntries(ctx context.Context, from, to time.Time, count int) ([]models.GlucoseEntry, error) {
	params := url.Values{}

	if !from.IsZero() {
		params.Set("find[date][$gte]", strconv.FormatInt(from.UnixMilli(), 10))
	}
	if !to.IsZero() {
		params.Set("find[date][$lte]", strconv.FormatInt(to.UnixMilli(), 10))
	}
	if count <= 0 {
		count = maxEntries
	}
	params.Set("count", strconv.Itoa(count))

	var entries []models.GlucoseEntry
	if err := c.get(ctx, "/api/v1/entries/sgv", params, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// GetTreatments retrieves treatments created in a time range
func (c *Client) GetTreatments(ctx context.Context, from, to time.Time) ([]models.Treatment, error) {
	params := url.Values{}

	if !from.IsZero() {
		params.Set("find[created_at][$gte]", from.UTC().Format(time.RFC3339))
	}
	if !to.IsZero() {
		params.Set("find[created_at][$lte]", to.UTC().Format(time.RFC3339))
	}
	params.Set("count", strconv.Itoa(maxTreatments))

	var treatments []models.Treatment
	if err := c.get(ctx, "/api/v1/treatments", params, &treatments); err != nil {
		return nil, err
	}
	return treatments, nil
}

// GetProfiles retrieves the stored profile documents as a history ordered by
// effective time
func (c *Client) GetProfiles(ctx context.Context) ([]models.Profile, error) {
	params := url.Values{}
	params.Set("count", strconv.Itoa(maxProfiles))

	req, err := c.buildRequest(ctx, http.MethodGet, "/api/v1/profile", params)
	if err != nil {
		return nil, err
	}
	body, err := c.doRequest(req)
	if err != nil {
		return nil, err
	}
	return c.parser.ParseHistory(body), nil
}
