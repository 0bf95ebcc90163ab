package perception

import (
	"context"
	"encoding/base64"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/crpwatch/crpwatch/internal/domain"
	"github.com/crpwatch/crpwatch/internal/resilience"
)

type handlerFunc func(method string, req *structpb.Struct) (map[string]interface{}, error)

func startFakeService(t *testing.T, breaker *resilience.Breaker, h handlerFunc) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnknownServiceHandler(func(_ interface{}, stream grpc.ServerStream) error {
		method, _ := grpc.MethodFromServerStream(stream)
		req := &structpb.Struct{}
		if err := stream.RecvMsg(req); err != nil {
			return err
		}
		resp, err := h(method, req)
		if err != nil {
			return err
		}
		out, err := structpb.NewStruct(resp)
		if err != nil {
			return err
		}
		return stream.SendMsg(out)
	}))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	c, err := NewClient(ClientConfig{
		Address: "passthrough:///bufnet",
		Timeout: 5 * time.Second,
		Breaker: breaker,
		Logger:  zap.NewNop(),
		DialOptions: []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func decoded(t *testing.T, req *structpb.Struct, field string) []byte {
	t.Helper()
	b, err := base64.StdEncoding.DecodeString(req.GetFields()[field].GetStringValue())
	require.NoError(t, err)
	return b
}

func TestClient_Detect(t *testing.T) {
	c := startFakeService(t, nil, func(method string, req *structpb.Struct) (map[string]interface{}, error) {
		assert.Equal(t, "/"+ServiceName+"/Detect", method)
		assert.Equal(t, []byte("png"), decoded(t, req, "image"))
		assert.Equal(t, "logo", req.GetFields()["class"].GetStringValue())
		return map[string]interface{}{
			"boxes": []interface{}{
				[]interface{}{10.0, 20.0, 110.0, 60.0},
				[]interface{}{0.0, 0.0, 5.0, 5.0},
			},
		}, nil
	})

	boxes, err := c.Detect(context.Background(), []byte("png"), "logo")
	require.NoError(t, err)
	require.Len(t, boxes, 2)
	assert.Equal(t, domain.Rect{X1: 10, Y1: 20, X2: 110, Y2: 60}, boxes[0])
}

func TestClient_DetectMalformedBox(t *testing.T) {
	c := startFakeService(t, nil, func(string, *structpb.Struct) (map[string]interface{}, error) {
		return map[string]interface{}{"boxes": []interface{}{[]interface{}{1.0, 2.0}}}, nil
	})

	_, err := c.Detect(context.Background(), []byte("png"), "logo")
	assert.Error(t, err)
}

func TestClient_OCR(t *testing.T) {
	c := startFakeService(t, nil, func(method string, req *structpb.Struct) (map[string]interface{}, error) {
		assert.Equal(t, "ru", req.GetFields()["lang"].GetStringValue())
		return map[string]interface{}{
			"tokens": []interface{}{
				map[string]interface{}{"text": "Sign in", "box": []interface{}{1.0, 2.0, 3.0, 4.0}, "confidence": 0.97},
				map[string]interface{}{"text": "PayPal", "box": []interface{}{5.0, 6.0, 7.0, 8.0}, "confidence": 0.99},
			},
		}, nil
	})

	tokens, err := c.OCR(context.Background(), []byte("png"), "ru")
	require.NoError(t, err)
	require.Len(t, tokens, 2)
	assert.Equal(t, "Sign in", tokens[0].Text)
	assert.Equal(t, 0.99, tokens[1].Confidence)
	assert.Equal(t, domain.Rect{X1: 5, Y1: 6, X2: 7, Y2: 8}, tokens[1].Box)
}

func TestClient_CaptionAndEmbed(t *testing.T) {
	c := startFakeService(t, nil, func(method string, req *structpb.Struct) (map[string]interface{}, error) {
		switch method {
		case methodCaption:
			return map[string]interface{}{"caption": "a blue letter p"}, nil
		case methodEmbed:
			return map[string]interface{}{"vector": []interface{}{0.6, 0.8}}, nil
		}
		return nil, status.Error(codes.Unimplemented, method)
	})

	caption, err := c.Caption(context.Background(), []byte("logo"))
	require.NoError(t, err)
	assert.Equal(t, "a blue letter p", caption)

	vec, err := c.Embed(context.Background(), []byte("logo"))
	require.NoError(t, err)
	assert.Equal(t, []float64{0.6, 0.8}, vec)
}

func TestClient_ScoreConcepts(t *testing.T) {
	c := startFakeService(t, nil, func(method string, req *structpb.Struct) (map[string]interface{}, error) {
		assert.Len(t, req.GetFields()["images"].GetListValue().GetValues(), 2)
		return map[string]interface{}{
			"logits": []interface{}{
				[]interface{}{1.0, 3.0},
				[]interface{}{2.0, 0.5},
			},
		}, nil
	})

	logits, err := c.ScoreConcepts(context.Background(), [][]byte{[]byte("a"), []byte("b")}, []string{"not a login button", "a login button"})
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{1, 3}, {2, 0.5}}, logits)

	_, err = c.ScoreConcepts(context.Background(), [][]byte{[]byte("a")}, []string{"x", "y"})
	assert.Error(t, err, "row count mismatch must be reported")
}

func TestClient_BreakerOpensOnServiceErrors(t *testing.T) {
	breaker := resilience.NewBreaker(resilience.BreakerConfig{Name: "perception", FailureThreshold: 2, Cooldown: time.Hour})
	var calls int32
	c := startFakeService(t, breaker, func(string, *structpb.Struct) (map[string]interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return nil, status.Error(codes.Unavailable, "model loading")
	})

	for i := 0; i < 2; i++ {
		_, err := c.Caption(context.Background(), []byte("x"))
		require.Error(t, err)
		assert.Equal(t, codes.Unavailable, status.Code(err))
	}

	_, err := c.Caption(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestDefaultClientConfig(t *testing.T) {
	cfg := DefaultClientConfig()
	assert.Equal(t, "localhost:50051", cfg.Address)
	assert.Equal(t, 64*1024*1024, cfg.MaxMsgSize)
}
