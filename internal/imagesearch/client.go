// Package imagesearch finds brand logo images on the web and downloads
// them for comparison.
package imagesearch

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

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/crpwatch/crpwatch/internal/resilience"
)

// ErrNotImage is returned by Fetch for responses that are not images.
var ErrNotImage = errors.New("response is not an image")

// ErrTooLarge is returned by Fetch for images above the size limit.
var ErrTooLarge = errors.New("image exceeds size limit")

// maxPageSize is the largest num the search API accepts per request.
const maxPageSize = 10

// Config configures a Client.
type Config struct {
	Endpoint    string
	APIKey      string
	EngineID    string
	Timeout     time.Duration
	MaxBytes    int64
	RateLimitPS float64
	UserAgent   string
}

// Client queries a Custom Search style JSON API with searchType=image.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *resilience.Breaker
	logger     *zap.Logger
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithBreaker guards search requests with b.
func WithBreaker(b *resilience.Breaker) Option {
	return func(c *Client) { c.breaker = b }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates an image search client.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("image search endpoint is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 5 << 20
	}
	limit := rate.Inf
	if cfg.RateLimitPS > 0 {
		limit = rate.Limit(cfg.RateLimitPS)
	}

	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(limit, 1),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type searchResponse struct {
	Items []struct {
		Link  string `json:"link"`
		Mime  string `json:"mime"`
		Title string `json:"title"`
	} `json:"items"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// SearchImages returns up to n image URLs for query.
func (c *Client) SearchImages(ctx context.Context, query string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	if n > maxPageSize {
		n = maxPageSize
	}

	return resilience.Guard(ctx, c.breaker, func(ctx context.Context) ([]string, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		q := url.Values{}
		q.Set("q", query)
		q.Set("searchType", "image")
		q.Set("num", strconv.Itoa(n))
		if c.cfg.APIKey != "" {
			q.Set("key", c.cfg.APIKey)
		}
		if c.cfg.EngineID != "" {
			q.Set("cx", c.cfg.EngineID)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.Endpoint+"?"+q.Encode(), nil)
		if err != nil {
			return nil, fmt.Errorf("creating search request: %w", err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("image search: %w", err)
		}
		defer resp.Body.Close()

		var body searchResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return nil, fmt.Errorf("decoding search response (status %d): %w", resp.StatusCode, err)
		}
		if resp.StatusCode != http.StatusOK {
			msg := http.StatusText(resp.StatusCode)
			if body.Error != nil {
				msg = body.Error.Message
			}
			return nil, fmt.Errorf("image search returned %d: %s", resp.StatusCode, msg)
		}

		links := make([]string, 0, len(body.Items))
		for _, it := range body.Items {
			if it.Link != "" {
				links = append(links, it.Link)
			}
		}
		if len(links) > n {
			links = links[:n]
		}
		c.logger.Debug("image search", zap.String("query", query), zap.Int("results", len(links)))
		return links, nil
	})
}

// Fetch downloads one image, rejecting non-image responses and bodies
// over the configured size.
func (c *Client) Fetch(ctx context.Context, imageURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating fetch request: %w", err)
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", imageURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching %s: status %d", imageURL, resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "image/") {
		return nil, fmt.Errorf("fetching %s: %w (%s)", imageURL, ErrNotImage, ct)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", imageURL, err)
	}
	if int64(len(data)) > c.cfg.MaxBytes {
		return nil, fmt.Errorf("fetching %s: %w", imageURL, ErrTooLarge)
	}
	return data, nil
}
