// Package crp decides whether a page asks the visitor for credentials.
package crp

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/crpwatch/crpwatch/internal/llm"
)

// credentialMarker is the option label the prompt assigns to
// credential-requiring pages.
const credentialMarker = "A."

// Asker runs a language model query under the retry policy.
type Asker interface {
	Ask(ctx context.Context, q llm.Query) (string, error)
}

// Classifier labels page text as credential-requiring or not.
type Classifier struct {
	asker     Asker
	prompt    []llm.Message
	maxTokens int
	logger    *zap.Logger
}

// NewClassifier creates a Classifier. maxTokens of zero uses 100.
func NewClassifier(asker Asker, maxTokens int, logger *zap.Logger) (*Classifier, error) {
	prompt, err := llm.FewShot(llm.PromptCRP)
	if err != nil {
		return nil, err
	}
	if maxTokens <= 0 {
		maxTokens = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Classifier{asker: asker, prompt: prompt, maxTokens: maxTokens, logger: logger}, nil
}

// Classify reports whether text belongs to a credential-requiring page.
func (c *Classifier) Classify(ctx context.Context, text string) (bool, error) {
	msgs := append(append([]llm.Message(nil), c.prompt...), llm.Message{
		Role:    "user",
		Content: Question(text),
	})
	answer, err := c.asker.Ask(ctx, llm.Query{
		Op:            "crp_classification",
		Messages:      msgs,
		MaxTokens:     c.maxTokens,
		ShrinkPayload: true,
	})
	if err != nil {
		return false, fmt.Errorf("crp classification: %w", err)
	}

	crp := IsCredentialAnswer(answer)
	c.logger.Debug("crp answer", zap.String("answer", answer), zap.Bool("credential", crp))
	return crp, nil
}

// Question renders the final user turn of the classification prompt.
func Question(text string) string {
	return "Given the webpage text: " + text + ". Question: A. This is a credential-requiring page. B. This is not a credential-requiring page. Answer:"
}

// IsCredentialAnswer reports whether a model answer selects the
// credential-requiring option.
func IsCredentialAnswer(answer string) bool {
	return strings.Contains(answer, credentialMarker)
}
