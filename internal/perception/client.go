// Package perception is the gRPC client for the vision model service that
// hosts the logo detector, the captioner, the OCR engine, the siamese logo
// encoder and the CLIP image/text scorer. Messages are plain
// google.protobuf.Struct values, so no generated stubs are needed.
package perception

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/crpwatch/crpwatch/internal/domain"
	"github.com/crpwatch/crpwatch/internal/resilience"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "crpwatch.perception.v1.Perception"

const (
	methodDetect  = "/" + ServiceName + "/Detect"
	methodCaption = "/" + ServiceName + "/Caption"
	methodOCR     = "/" + ServiceName + "/OCR"
	methodEmbed   = "/" + ServiceName + "/Embed"
	methodScore   = "/" + ServiceName + "/ScoreConcepts"
)

// Client wraps the perception gRPC connection
type Client struct {
	conn    *grpc.ClientConn
	timeout time.Duration
	breaker *resilience.Breaker
	logger  *zap.Logger
}

// ClientConfig contains configuration for the perception client
type ClientConfig struct {
	Address     string
	Timeout     time.Duration
	MaxMsgSize  int
	Breaker     *resilience.Breaker
	Logger      *zap.Logger
	DialOptions []grpc.DialOption
}

// DefaultClientConfig returns sensible defaults
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Address:    "localhost:50051",
		Timeout:    60 * time.Second,
		MaxMsgSize: 64 * 1024 * 1024,
	}
}

// NewClient creates a new perception client. The connection is lazy; the
// first call dials.
func NewClient(cfg ClientConfig) (*Client, error) {
	def := DefaultClientConfig()
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Address == "" {
		cfg.Address = def.Address
	}
	if cfg.MaxMsgSize == 0 {
		cfg.MaxMsgSize = def.MaxMsgSize
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}

	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(cfg.MaxMsgSize),
			grpc.MaxCallSendMsgSize(cfg.MaxMsgSize),
		),
	}, cfg.DialOptions...)

	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create perception client for %s: %w", cfg.Address, err)
	}

	cfg.Logger.Info("perception client ready", zap.String("address", cfg.Address))

	return &Client{
		conn:    conn,
		timeout: cfg.Timeout,
		breaker: cfg.Breaker,
		logger:  cfg.Logger,
	}, nil
}

// Close closes the connection
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, req map[string]interface{}) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, fmt.Errorf("encoding %s request: %w", method, err)
	}

	return resilience.Guard(ctx, c.breaker, func(ctx context.Context) (*structpb.Struct, error) {
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		out := &structpb.Struct{}
		start := time.Now()
		if err := c.conn.Invoke(ctx, method, in, out); err != nil {
			return nil, fmt.Errorf("%s failed: %w", method, err)
		}
		c.logger.Debug("perception call", zap.String("method", method), zap.Duration("latency", time.Since(start)))
		return out, nil
	})
}

func encodeImage(img []byte) string {
	return base64.StdEncoding.EncodeToString(img)
}

// Detect returns boxes of the given class, most confident first.
func (c *Client) Detect(ctx context.Context, screenshot []byte, class string) ([]domain.Rect, error) {
	resp, err := c.invoke(ctx, methodDetect, map[string]interface{}{
		"image": encodeImage(screenshot),
		"class": class,
	})
	if err != nil {
		return nil, err
	}

	boxes := resp.GetFields()["boxes"].GetListValue().GetValues()
	out := make([]domain.Rect, 0, len(boxes))
	for i, b := range boxes {
		r, err := rectFromValue(b)
		if err != nil {
			return nil, fmt.Errorf("box %d: %w", i, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// Caption describes an image in natural language.
func (c *Client) Caption(ctx context.Context, image []byte) (string, error) {
	resp, err := c.invoke(ctx, methodCaption, map[string]interface{}{
		"image": encodeImage(image),
	})
	if err != nil {
		return "", err
	}
	return resp.GetFields()["caption"].GetStringValue(), nil
}

// OCR recognises text using the language model for lang.
func (c *Client) OCR(ctx context.Context, screenshot []byte, lang string) ([]domain.OcrToken, error) {
	resp, err := c.invoke(ctx, methodOCR, map[string]interface{}{
		"image": encodeImage(screenshot),
		"lang":  lang,
	})
	if err != nil {
		return nil, err
	}

	items := resp.GetFields()["tokens"].GetListValue().GetValues()
	tokens := make([]domain.OcrToken, 0, len(items))
	for i, item := range items {
		f := item.GetStructValue().GetFields()
		box, err := rectFromValue(f["box"])
		if err != nil {
			return nil, fmt.Errorf("token %d: %w", i, err)
		}
		tokens = append(tokens, domain.OcrToken{
			Text:       f["text"].GetStringValue(),
			Box:        box,
			Confidence: f["confidence"].GetNumberValue(),
		})
	}
	return tokens, nil
}

// Embed returns the siamese logo embedding of image. Embeddings are L2
// normalised by the service, so the dot product is the cosine similarity.
func (c *Client) Embed(ctx context.Context, image []byte) ([]float64, error) {
	resp, err := c.invoke(ctx, methodEmbed, map[string]interface{}{
		"image": encodeImage(image),
	})
	if err != nil {
		return nil, err
	}
	vec := numbers(resp.GetFields()["vector"])
	if len(vec) == 0 {
		return nil, fmt.Errorf("empty embedding")
	}
	return vec, nil
}

// ScoreConcepts returns one row of image/text logits per image, one column
// per concept.
func (c *Client) ScoreConcepts(ctx context.Context, images [][]byte, concepts []string) ([][]float64, error) {
	encoded := make([]interface{}, len(images))
	for i, img := range images {
		encoded[i] = encodeImage(img)
	}
	texts := make([]interface{}, len(concepts))
	for i, t := range concepts {
		texts[i] = t
	}

	resp, err := c.invoke(ctx, methodScore, map[string]interface{}{
		"images":   encoded,
		"concepts": texts,
	})
	if err != nil {
		return nil, err
	}

	rows := resp.GetFields()["logits"].GetListValue().GetValues()
	if len(rows) != len(images) {
		return nil, fmt.Errorf("got %d logit rows for %d images", len(rows), len(images))
	}
	out := make([][]float64, len(rows))
	for i, row := range rows {
		out[i] = numbers(row)
		if len(out[i]) != len(concepts) {
			return nil, fmt.Errorf("row %d has %d logits for %d concepts", i, len(out[i]), len(concepts))
		}
	}
	return out, nil
}

func numbers(v *structpb.Value) []float64 {
	vals := v.GetListValue().GetValues()
	out := make([]float64, len(vals))
	for i, n := range vals {
		out[i] = n.GetNumberValue()
	}
	return out
}

func rectFromValue(v *structpb.Value) (domain.Rect, error) {
	n := numbers(v)
	if len(n) != 4 {
		return domain.Rect{}, fmt.Errorf("expected 4 coordinates, got %d", len(n))
	}
	return domain.Rect{X1: n[0], Y1: n[1], X2: n[2], Y2: n[3]}, nil
}
