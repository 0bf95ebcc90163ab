package pipeline

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/crpwatch/crpwatch/internal/domain"
)

// FileSink appends results as tab separated lines to a file.
type FileSink struct {
	path string

	mu   sync.Mutex
	seen map[string]struct{}
}

// NewFileSink opens path, loading the identifiers already recorded.
func NewFileSink(path string) (*FileSink, error) {
	s := &FileSink{path: path, seen: map[string]struct{}{}}

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening result file: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		id, _, _ := strings.Cut(sc.Text(), "\t")
		if id != "" {
			s.seen[id] = struct{}{}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading result file: %w", err)
	}
	return s, nil
}

// Exists reports whether identifier already has a line.
func (s *FileSink) Exists(_ context.Context, identifier string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[identifier]
	return ok, nil
}

// Save appends the result's line.
func (s *FileSink) Save(_ context.Context, r *domain.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating result dir: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening result file: %w", err)
	}
	if _, err := f.WriteString(r.TSV() + "\n"); err != nil {
		f.Close()
		return fmt.Errorf("writing result: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing result file: %w", err)
	}
	s.seen[r.Identifier] = struct{}{}
	return nil
}

// Sinks fans results out to several sinks. A target exists when any sink
// has it.
type Sinks []ResultSink

// Exists implements ResultSink.
func (ss Sinks) Exists(ctx context.Context, identifier string) (bool, error) {
	var errs []error
	for _, s := range ss {
		ok, err := s.Exists(ctx, identifier)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			return true, nil
		}
	}
	return false, errors.Join(errs...)
}

// Save implements ResultSink.
func (ss Sinks) Save(ctx context.Context, r *domain.Result) error {
	var errs []error
	for _, s := range ss {
		if err := s.Save(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
