// Package llm talks to an OpenAI-compatible chat completion endpoint.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/crpwatch/crpwatch/internal/domain"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the chat completion request body.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// ChatResponse is the subset of the completion response we read.
type ChatResponse struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// Choice is one completion alternative.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Usage contains token usage information
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Answer concatenates the content of every choice.
func (r *ChatResponse) Answer() string {
	var b strings.Builder
	for _, c := range r.Choices {
		b.WriteString(c.Message.Content)
	}
	return b.String()
}

// APIError is a non-200 answer from the endpoint.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Body)
}

// Chatter is anything that can run a chat completion.
type Chatter interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// MetricsRecorder receives per-request observations.
type MetricsRecorder interface {
	RecordLLMRequest(model, status string, duration time.Duration)
	RecordLLMCache(hit bool)
}

// Config for the chat client
type Config struct {
	BaseURL      string
	APIKey       string
	Model        string
	Timeout      time.Duration
	RateLimitRPM int
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		BaseURL:      "https://api.openai.com/v1",
		Model:        "gpt-3.5-turbo-16k",
		Timeout:      60 * time.Second,
		RateLimitRPM: 60,
	}
}

// Stats tracks API usage
type Stats struct {
	TotalRequests   int64
	SuccessRequests int64
	FailedRequests  int64
	PromptTokens    int64
	OutputTokens    int64
	CacheHits       int64
}

// Client is a rate limited, optionally cached chat client.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	limiter    *rate.Limiter
	cache      ResponseCache
	metrics    MetricsRecorder
	logger     *zap.Logger
	stats      Stats
}

// Option customises a Client.
type Option func(*Client)

// WithCache enables response caching for deterministic requests.
func WithCache(cache ResponseCache) Option {
	return func(c *Client) { c.cache = cache }
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(c *Client) { c.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a chat client, merging cfg with defaults.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.RateLimitRPM == 0 {
		cfg.RateLimitRPM = def.RateLimitRPM
	}
	if cfg.RateLimitRPM < 0 {
		return nil, fmt.Errorf("rate limit must be positive, got %d", cfg.RateLimitRPM)
	}

	c := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		// requests per second = RPM / 60
		limiter: rate.NewLimiter(rate.Limit(float64(cfg.RateLimitRPM)/60.0), 1),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

// Stats returns a snapshot of usage counters.
func (c *Client) Stats() Stats {
	return Stats{
		TotalRequests:   atomic.LoadInt64(&c.stats.TotalRequests),
		SuccessRequests: atomic.LoadInt64(&c.stats.SuccessRequests),
		FailedRequests:  atomic.LoadInt64(&c.stats.FailedRequests),
		PromptTokens:    atomic.LoadInt64(&c.stats.PromptTokens),
		OutputTokens:    atomic.LoadInt64(&c.stats.OutputTokens),
		CacheHits:       atomic.LoadInt64(&c.stats.CacheHits),
	}
}

// Chat sends a chat completion request. An empty req.Model uses the
// client's model. Only temperature 0 requests are cached.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	atomic.AddInt64(&c.stats.TotalRequests, 1)
	if req.Model == "" {
		req.Model = c.model
	}

	cacheable := c.cache != nil && req.Temperature == 0
	var key string
	if cacheable {
		key = CacheKey(req)
		if answer, ok := c.cache.Get(ctx, key); ok {
			atomic.AddInt64(&c.stats.CacheHits, 1)
			c.recordCache(true)
			return &ChatResponse{Model: req.Model, Choices: []Choice{{Message: Message{Role: "assistant", Content: answer}}}}, nil
		}
		c.recordCache(false)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		atomic.AddInt64(&c.stats.FailedRequests, 1)
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	start := time.Now()
	resp, err := c.doRequest(ctx, req)
	if err != nil {
		atomic.AddInt64(&c.stats.FailedRequests, 1)
		c.recordRequest(req.Model, "error", time.Since(start))
		return nil, err
	}
	c.recordRequest(req.Model, "ok", time.Since(start))

	atomic.AddInt64(&c.stats.SuccessRequests, 1)
	atomic.AddInt64(&c.stats.PromptTokens, int64(resp.Usage.PromptTokens))
	atomic.AddInt64(&c.stats.OutputTokens, int64(resp.Usage.CompletionTokens))

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion %s: %w", resp.ID, domain.ErrEmptyAnswer)
	}

	if cacheable {
		c.cache.Set(ctx, key, resp.Answer())
	}

	c.logger.Debug("chat completion",
		zap.String("model", req.Model),
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens),
		zap.Duration("latency", time.Since(start)),
	)
	return resp, nil
}

func (c *Client) doRequest(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var out ChatResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}
	return &out, nil
}

func (c *Client) recordRequest(model, status string, d time.Duration) {
	if c.metrics != nil {
		c.metrics.RecordLLMRequest(model, status, d)
	}
}

func (c *Client) recordCache(hit bool) {
	if c.metrics != nil {
		c.metrics.RecordLLMCache(hit)
	}
}
