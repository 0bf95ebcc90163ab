package pipeline

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/url"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Target is one site to investigate.
type Target struct {
	Identifier string
	URL        string
}

// ErrInvalidIdentifier is returned for identifiers that cannot name a
// working folder.
var ErrInvalidIdentifier = errors.New("invalid identifier")

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// ValidateIdentifier checks that id is usable as a single path element
// below the work directory.
func ValidateIdentifier(id string) error {
	if !identifierPattern.MatchString(id) || id == "." || id == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, id)
	}
	return nil
}

// IdentifierFor derives a stable identifier from a URL.
func IdentifierFor(rawURL string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(rawURL)).String()
}

// ParseTargets reads one target per line, either "url" or
// "identifier<TAB>url". Blank lines and lines starting with # are
// ignored.
func ParseTargets(r io.Reader) ([]Target, error) {
	var out []Target
	sc := bufio.NewScanner(r)
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		var t Target
		if id, u, ok := strings.Cut(line, "\t"); ok {
			t = Target{Identifier: strings.TrimSpace(id), URL: strings.TrimSpace(u)}
		} else {
			t = Target{URL: line}
		}

		parsed, err := url.Parse(t.URL)
		if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
			return nil, fmt.Errorf("line %d: invalid url %q", n, t.URL)
		}
		if t.Identifier == "" {
			t.Identifier = IdentifierFor(t.URL)
		}
		if err := ValidateIdentifier(t.Identifier); err != nil {
			return nil, fmt.Errorf("line %d: %w", n, err)
		}
		out = append(out, t)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading targets: %w", err)
	}
	return out, nil
}
