package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crpwatch/crpwatch/internal/domain"
)

type memCache struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemCache() *memCache { return &memCache{data: map[string]string{}} }

func (m *memCache) Get(_ context.Context, key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok
}

func (m *memCache) Set(_ context.Context, key, answer string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = answer
}

type recorder struct {
	mu       sync.Mutex
	statuses []string
	hits     int
	misses   int
}

func (r *recorder) RecordLLMRequest(_, status string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
}

func (r *recorder) RecordLLMCache(hit bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if hit {
		r.hits++
	} else {
		r.misses++
	}
}

func chatServer(t *testing.T, answer string, calls *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-test", req.Model)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(ChatResponse{
			ID:      "cmpl-1",
			Model:   req.Model,
			Choices: []Choice{{Message: Message{Role: "assistant", Content: answer}}},
			Usage:   Usage{PromptTokens: 12, CompletionTokens: 3, TotalTokens: 15},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, baseURL string, opts ...Option) *Client {
	t.Helper()
	c, err := NewClient(Config{BaseURL: baseURL + "/v1/", APIKey: "test-key", Model: "gpt-test", RateLimitRPM: 6000}, opts...)
	require.NoError(t, err)
	return c
}

func TestNewClient_Defaults(t *testing.T) {
	c, err := NewClient(Config{})
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Model, c.Model())

	_, err = NewClient(Config{RateLimitRPM: -1})
	assert.Error(t, err)
}

func TestClient_Chat(t *testing.T) {
	var calls int32
	srv := chatServer(t, "paypal.com", &calls)
	rec := &recorder{}
	c := newTestClient(t, srv.URL, WithMetrics(rec))

	resp, err := c.Chat(context.Background(), ChatRequest{
		Messages:  []Message{{Role: "user", Content: "which brand?"}},
		MaxTokens: 50,
	})
	require.NoError(t, err)
	assert.Equal(t, "paypal.com", resp.Answer())
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.SuccessRequests)
	assert.Equal(t, int64(12), stats.PromptTokens)
	assert.Equal(t, []string{"ok"}, rec.statuses)
}

func TestClient_CachesDeterministicAnswers(t *testing.T) {
	var calls int32
	srv := chatServer(t, "A. This is a credential-requiring page.", &calls)
	rec := &recorder{}
	c := newTestClient(t, srv.URL, WithCache(newMemCache()), WithMetrics(rec))

	req := ChatRequest{Messages: []Message{{Role: "user", Content: "Sign in Password"}}, MaxTokens: 100}
	for i := 0; i < 3; i++ {
		resp, err := c.Chat(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, "A. This is a credential-requiring page.", resp.Answer())
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, 2, rec.hits)
	assert.Equal(t, 1, rec.misses)

	// sampled answers are never cached
	req.Temperature = 0.7
	_, err := c.Chat(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestClient_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		_, _ = w.Write([]byte(`{"error":{"message":"context length exceeded"}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.Chat(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "x"}}})

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusRequestEntityTooLarge, apiErr.StatusCode)
	assert.Contains(t, err.Error(), "context length exceeded")
	assert.Equal(t, int64(1), c.Stats().FailedRequests)
}

func TestClient_EmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"x","choices":[]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.Chat(context.Background(), ChatRequest{})
	assert.ErrorIs(t, err, domain.ErrEmptyAnswer)
}

func TestClient_ContextCancelled(t *testing.T) {
	var calls int32
	srv := chatServer(t, "x", &calls)
	c := newTestClient(t, srv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Chat(ctx, ChatRequest{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestCacheKey(t *testing.T) {
	a := ChatRequest{Model: "m", Messages: []Message{{Role: "user", Content: "hi"}}, MaxTokens: 50}
	b := a
	assert.Equal(t, CacheKey(a), CacheKey(b))

	b.MaxTokens = 100
	assert.NotEqual(t, CacheKey(a), CacheKey(b))

	c := a
	c.Messages = []Message{{Role: "user", Content: "hello"}}
	assert.NotEqual(t, CacheKey(a), CacheKey(c))
	assert.Len(t, CacheKey(a), 64)
}
