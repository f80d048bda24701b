// Package acquisition talks to the Lidarr-compatible acquisition service: it reads the
// active download queue and removes stalled items with blocklisting.
package acquisition

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultTimeout bounds a single HTTP request.
	DefaultTimeout = 30 * time.Second

	// DefaultRateLimit is the default requests per second.
	DefaultRateLimit = 5

	queuePageSize = 200
)

// Tracked download states that mean an item will not finish on its own.
var stalledStates = map[string]bool{
	"importblocked": true,
	"importfailed":  true,
	"failedpending": true,
}

// QueueItem is one entry of the acquisition queue.
type QueueItem struct {
	ID                    int    `json:"id"`
	DownloadID            string `json:"downloadId"`
	Title                 string `json:"title"`
	Status                string `json:"status"`
	TrackedDownloadStatus string `json:"trackedDownloadStatus"`
	TrackedDownloadState  string `json:"trackedDownloadState"`
	ErrorMessage          string `json:"errorMessage"`
	AlbumID               int    `json:"albumId"`
}

// Stalled reports whether the item is stuck and needs blocklist-and-retry.
func (q QueueItem) Stalled() bool {
	if stalledStates[strings.ToLower(q.TrackedDownloadState)] {
		return true
	}
	return strings.EqualFold(q.TrackedDownloadStatus, "error")
}

type queuePage struct {
	Page         int         `json:"page"`
	PageSize     int         `json:"pageSize"`
	TotalRecords int         `json:"totalRecords"`
	Records      []QueueItem `json:"records"`
}

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
	Endpoint   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("acquisition API error: %s (status %d, endpoint: %s)", e.Message, e.StatusCode, e.Endpoint)
}

// Client is a rate-limited HTTP client for the acquisition service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// ClientOption configures the Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = httpClient }
}

// WithRateLimit sets requests per second. Values <= 0 are ignored.
func WithRateLimit(rps float64) ClientOption {
	return func(c *Client) {
		if rps > 0 {
			burst := int(rps)
			if burst < 1 {
				burst = 1
			}
			c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		}
	}
}

// WithLogger sets a logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient builds a client for baseURL.
func NewClient(baseURL, apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		limiter:    rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, result any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	reqURL := c.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")

	c.logger.Debug("acquisition request", "method", method, "path", path)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body)), Endpoint: path}
	}
	if result == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Queue returns every item currently in the acquisition queue.
func (c *Client) Queue(ctx context.Context) ([]QueueItem, error) {
	var items []QueueItem
	for page := 1; ; page++ {
		params := url.Values{}
		params.Set("page", strconv.Itoa(page))
		params.Set("pageSize", strconv.Itoa(queuePageSize))
		params.Set("includeUnknownArtistItems", "true")

		var p queuePage
		if err := c.do(ctx, http.MethodGet, "/api/v1/queue", params, &p); err != nil {
			return nil, fmt.Errorf("fetch queue page %d: %w", page, err)
		}
		items = append(items, p.Records...)
		if len(p.Records) == 0 || len(items) >= p.TotalRecords {
			return items, nil
		}
	}
}

// RemoveAndBlocklist removes a queue item from the download client and blocklists the
// release so the service searches for an alternative.
func (c *Client) RemoveAndBlocklist(ctx context.Context, itemID int) error {
	params := url.Values{}
	params.Set("removeFromClient", "true")
	params.Set("blocklist", "true")
	if err := c.do(ctx, http.MethodDelete, "/api/v1/queue/"+strconv.Itoa(itemID), params, nil); err != nil {
		return fmt.Errorf("remove queue item %d: %w", itemID, err)
	}
	return nil
}
