// Package brand infers which brand a page presents itself as and checks
// that the inferred brand is plausible.
package brand

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/crpwatch/crpwatch/internal/domain"
	"github.com/crpwatch/crpwatch/internal/domainutil"
	"github.com/crpwatch/crpwatch/internal/llm"
)

// maxAnswerLen is the length at which a model answer stops looking like a
// domain or an industry label.
const maxAnswerLen = 30

// Captioner describes an image in natural language.
type Captioner interface {
	Caption(ctx context.Context, image []byte) (string, error)
}

// Asker runs a language model query under the retry policy.
type Asker interface {
	Ask(ctx context.Context, q llm.Query) (string, error)
}

// RecognizerConfig configures a Recognizer.
type RecognizerConfig struct {
	InferIndustry     bool
	LogoExpandRatio   float64
	MaxTokens         int
	IndustryMaxTokens int
}

// RecognitionInput is the evidence gathered from one snapshot.
type RecognitionInput struct {
	Logo       *domain.LogoRegion
	Tokens     []domain.OcrToken
	Text       string
	PageWidth  int
	PageHeight int
}

// Recognizer asks the language model which domain a page's logo belongs to.
type Recognizer struct {
	captioner      Captioner
	asker          Asker
	cfg            RecognizerConfig
	brandPrompt    []llm.Message
	industryPrompt []llm.Message
	logger         *zap.Logger
}

// NewRecognizer creates a Recognizer with the embedded few-shot prompts.
func NewRecognizer(captioner Captioner, asker Asker, cfg RecognizerConfig, logger *zap.Logger) (*Recognizer, error) {
	brandPrompt, err := llm.FewShot(llm.PromptBrand)
	if err != nil {
		return nil, err
	}
	industryPrompt, err := llm.FewShot(llm.PromptIndustry)
	if err != nil {
		return nil, err
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 50
	}
	if cfg.IndustryMaxTokens == 0 {
		cfg.IndustryMaxTokens = 20
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recognizer{
		captioner:      captioner,
		asker:          asker,
		cfg:            cfg,
		brandPrompt:    brandPrompt,
		industryPrompt: industryPrompt,
		logger:         logger,
	}, nil
}

// Recognize returns the brand hypothesis for a snapshot, or nil when the
// evidence is empty or the model's answer is not a usable domain. Errors
// come from the context or an exhausted retry policy.
func (r *Recognizer) Recognize(ctx context.Context, in RecognitionInput) (*domain.BrandHypothesis, error) {
	industry, err := r.industry(ctx, in.Text)
	if err != nil {
		return nil, err
	}

	var caption, logoText string
	var crop []byte
	if in.Logo.HasCrop() {
		crop = in.Logo.Crop
		caption, err = r.captioner.Caption(ctx, crop)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			r.logger.Warn("logo caption failed", zap.Error(err))
			caption = ""
		}

		page := domain.PageRect(in.PageWidth, in.PageHeight)
		if in.PageWidth > 0 && in.PageHeight > 0 && in.Logo.Box.Within(page) {
			logoText = LogoContext(in.Tokens, in.Logo.Box, r.cfg.LogoExpandRatio, page)
		} else {
			r.logger.Warn("logo box outside screenshot coordinates, using full text",
				zap.Any("box", in.Logo.Box),
				zap.Int("width", in.PageWidth),
				zap.Int("height", in.PageHeight),
			)
			logoText = in.Text
		}
	} else {
		logoText = in.Text
	}

	caption = strings.TrimSpace(caption)
	logoText = strings.TrimSpace(logoText)
	if caption == "" && logoText == "" {
		r.logger.Debug("no brand evidence")
		return nil, nil
	}

	msgs := append(append([]llm.Message(nil), r.brandPrompt...), llm.Message{
		Role:    "user",
		Content: BrandQuestion(caption, logoText, industry),
	})
	answer, err := r.asker.Ask(ctx, llm.Query{
		Op:            "brand_recognition",
		Messages:      msgs,
		MaxTokens:     r.cfg.MaxTokens,
		ShrinkPayload: true,
	})
	if err != nil {
		return nil, fmt.Errorf("brand recognition: %w", err)
	}

	d, ok := ParseDomainAnswer(answer)
	if !ok {
		r.logger.Debug("brand answer rejected", zap.String("answer", answer))
		return nil, nil
	}
	return &domain.BrandHypothesis{Domain: d, Logo: crop}, nil
}

func (r *Recognizer) industry(ctx context.Context, text string) (string, error) {
	if !r.cfg.InferIndustry || strings.TrimSpace(text) == "" {
		return "", nil
	}
	msgs := append(append([]llm.Message(nil), r.industryPrompt...), llm.Message{
		Role:    "user",
		Content: fmt.Sprintf("Webpage text: %s. Industry:", text),
	})
	answer, err := r.asker.Ask(ctx, llm.Query{
		Op:            "industry",
		Messages:      msgs,
		MaxTokens:     r.cfg.IndustryMaxTokens,
		ShrinkPayload: true,
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		r.logger.Warn("industry inference failed", zap.Error(err))
		return "", nil
	}
	answer = strings.TrimSpace(answer)
	if len(answer) > maxAnswerLen {
		return "", nil
	}
	return answer, nil
}

// BrandQuestion renders the final user turn of the brand prompt.
func BrandQuestion(caption, logoText, industry string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Given the following description on the brand's logo: %s, and the logo's OCR text: %s", caption, logoText)
	if industry != "" {
		fmt.Fprintf(&b, ", and the industry sector: %s", industry)
	}
	b.WriteString(", question: What is the brand's domain? Answer:")
	return b.String()
}

// LogoContext joins the texts of tokens overlapping the logo box expanded
// by ratio, clamped to page.
func LogoContext(tokens []domain.OcrToken, logo domain.Rect, ratio float64, page domain.Rect) string {
	region := logo.Expand(ratio, page)
	var near []domain.OcrToken
	for _, t := range tokens {
		if region.Overlaps(t.Box) {
			near = append(near, t)
		}
	}
	return domain.TokensText(near)
}

// ParseDomainAnswer normalises a model answer and accepts it only when it
// is a short, syntactically valid domain.
func ParseDomainAnswer(answer string) (string, bool) {
	raw := strings.TrimSpace(answer)
	if raw == "" || len(raw) >= maxAnswerLen {
		return "", false
	}
	d := domainutil.NormalizeAnswer(raw)
	if !domainutil.IsValidDomain(d) {
		return "", false
	}
	return d, true
}
