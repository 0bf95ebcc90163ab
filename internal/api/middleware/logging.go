package middleware

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/crpwatch/crpwatch/internal/domain"
	"github.com/crpwatch/crpwatch/pkg/httputil"
)

// statusRecorder captures the status and size of a response.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	n, err := s.ResponseWriter.Write(b)
	s.bytes += int64(n)
	return n, err
}

// probePaths are logged at debug level only.
var probePaths = map[string]bool{"/health": true, "/ready": true, "/metrics": true}

// LoggingMiddleware logs one line per request with the matched route and,
// for investigation routes, the identifier.
type LoggingMiddleware struct {
	logger *zap.Logger
}

// NewLoggingMiddleware creates a new logging middleware
func NewLoggingMiddleware(logger *zap.Logger) *LoggingMiddleware {
	return &LoggingMiddleware{logger: logger}
}

// Handler returns the middleware handler
func (m *LoggingMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		requestID := requestIDOf(r)
		w.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(rec, r)

		fields := []zap.Field{
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Int64("bytes", rec.bytes),
			zap.Duration("duration", time.Since(start)),
			zap.String("client", clientKey(r)),
		}
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if pattern := rc.RoutePattern(); pattern != "" {
				fields = append(fields, zap.String("route", pattern))
			}
			if id := rc.URLParam("identifier"); id != "" {
				fields = append(fields, zap.String("identifier", id))
			}
		}

		switch {
		case rec.status >= 500:
			m.logger.Error("request failed", fields...)
		case rec.status >= 400:
			m.logger.Warn("request rejected", fields...)
		case probePaths[r.URL.Path]:
			m.logger.Debug("probe", fields...)
		default:
			m.logger.Info("request", fields...)
		}
	})
}

// requestIDOf prefers the caller's X-Request-ID, then chi's request id.
func requestIDOf(r *http.Request) string {
	if id := r.Header.Get("X-Request-ID"); id != "" {
		return id
	}
	if id := middleware.GetReqID(r.Context()); id != "" {
		return id
	}
	return uuid.NewString()
}

// RecoveryMiddleware turns a handler panic into a 500 envelope.
type RecoveryMiddleware struct {
	logger *zap.Logger
}

// NewRecoveryMiddleware creates a new recovery middleware
func NewRecoveryMiddleware(logger *zap.Logger) *RecoveryMiddleware {
	return &RecoveryMiddleware{logger: logger}
}

// Handler returns the middleware handler
func (m *RecoveryMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				if p == http.ErrAbortHandler {
					panic(p)
				}
				m.logger.Error("handler panicked",
					zap.Any("panic", p),
					zap.ByteString("stack", debug.Stack()),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
				)
				httputil.JSONError(w, http.StatusInternalServerError, domain.ErrCodeInternal, "internal server error", nil)
			}
		}()

		next.ServeHTTP(w, r)
	})
}
