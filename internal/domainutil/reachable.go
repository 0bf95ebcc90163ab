package domainutil

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Checker decides whether a domain is live: it must resolve and answer an
// HTTP request with a non-server-error status.
type Checker struct {
	lookup  func(ctx context.Context, host string) ([]string, error)
	client  *http.Client
	schemes []string
	logger  *zap.Logger
}

// CheckerOption customises a Checker.
type CheckerOption func(*Checker)

// WithLookup replaces DNS resolution.
func WithLookup(fn func(ctx context.Context, host string) ([]string, error)) CheckerOption {
	return func(c *Checker) { c.lookup = fn }
}

// WithHTTPClient replaces the HTTP client used for the content probe.
func WithHTTPClient(client *http.Client) CheckerOption {
	return func(c *Checker) { c.client = client }
}

// NewChecker creates a liveness checker.
func NewChecker(timeout time.Duration, logger *zap.Logger, opts ...CheckerOption) *Checker {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Checker{
		lookup:  net.DefaultResolver.LookupHost,
		client:  &http.Client{Timeout: timeout},
		schemes: []string{"https", "http"},
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Reachable reports whether domain resolves and serves content.
func (c *Checker) Reachable(ctx context.Context, domain string) bool {
	addrs, err := c.lookup(ctx, domain)
	if err != nil || len(addrs) == 0 {
		c.logger.Debug("domain does not resolve", zap.String("domain", domain), zap.Error(err))
		return false
	}

	for _, scheme := range c.schemes {
		if err := c.probe(ctx, fmt.Sprintf("%s://%s/", scheme, domain)); err != nil {
			c.logger.Debug("probe failed", zap.String("domain", domain), zap.String("scheme", scheme), zap.Error(err))
			continue
		}
		return true
	}
	return false
}

func (c *Checker) probe(ctx context.Context, target string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	n, err := io.Copy(io.Discard, io.LimitReader(resp.Body, 1))
	if err != nil {
		return fmt.Errorf("reading body: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("empty body")
	}
	return nil
}
