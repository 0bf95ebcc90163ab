package llm

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/crpwatch/crpwatch/internal/resilience"
)

// Query is one logical question to the model.
type Query struct {
	Op          string
	Messages    []Message
	Temperature float64
	MaxTokens   int
	// ShrinkPayload halves the last message before every retry, for
	// questions that embed page text of arbitrary size.
	ShrinkPayload bool
}

// Caller runs queries under a retry policy.
type Caller struct {
	chat    Chatter
	retrier *resilience.Retrier
	logger  *zap.Logger
}

// NewCaller wraps chat with retrier.
func NewCaller(chat Chatter, retrier *resilience.Retrier, logger *zap.Logger) *Caller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Caller{chat: chat, retrier: retrier, logger: logger}
}

// Ask returns the model's answer to q. The messages in q are not modified.
func (c *Caller) Ask(ctx context.Context, q Query) (string, error) {
	msgs := make([]Message, len(q.Messages))
	copy(msgs, q.Messages)

	var answer string
	err := c.retrier.Do(ctx, q.Op, func(ctx context.Context, attempt int) error {
		if attempt > 1 && q.ShrinkPayload && len(msgs) > 0 {
			last := &msgs[len(msgs)-1]
			last.Content = halve(last.Content)
			c.logger.Debug("shrunk payload", zap.String("op", q.Op), zap.Int("runes", len([]rune(last.Content))))
		}

		resp, err := c.chat.Chat(ctx, ChatRequest{
			Messages:    msgs,
			Temperature: q.Temperature,
			MaxTokens:   q.MaxTokens,
		})
		if err != nil {
			if rejected(err) {
				return resilience.Permanent(err)
			}
			return err
		}
		answer = resp.Answer()
		return nil
	})
	if err != nil {
		return "", err
	}
	return answer, nil
}

// rejected reports answers that no amount of waiting fixes: bad
// credentials or an unknown model. Oversized payloads stay retryable since
// the next attempt is smaller.
func rejected(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return true
	}
	return false
}

func halve(s string) string {
	r := []rune(s)
	return string(r[:len(r)/2])
}
