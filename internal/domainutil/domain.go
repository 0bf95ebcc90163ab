// Package domainutil splits hosts into registrable domains and checks
// candidate brand domains.
package domainutil

import (
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// Host extracts the lowercase host name from a URL or bare host string.
func Host(hostOrURL string) string {
	s := strings.TrimSpace(hostOrURL)
	if s == "" {
		return ""
	}
	if !strings.Contains(s, "://") {
		s = "http://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return ""
	}
	return strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
}

// SplitRegistrable returns the registrable label and public suffix of a
// host or URL, ignoring subdomains: "https://login.paypal.co.uk/x" gives
// ("paypal", "co.uk"). Hosts without a registrable part, such as IP
// addresses, come back as (host, "").
func SplitRegistrable(hostOrURL string) (domain, suffix string) {
	host := Host(hostOrURL)
	if host == "" {
		return "", ""
	}
	if net.ParseIP(host) != nil {
		return host, ""
	}
	etld1, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host, ""
	}
	suffix, _ = publicsuffix.PublicSuffix(host)
	return strings.TrimSuffix(etld1, "."+suffix), suffix
}

// Registrable returns domain.suffix for hostOrURL.
func Registrable(hostOrURL string) string {
	d, s := SplitRegistrable(hostOrURL)
	if s == "" {
		return d
	}
	return d + "." + s
}

// SameRegistrable reports whether a and b belong to the same registration.
func SameRegistrable(a, b string) bool {
	ra, rb := Registrable(a), Registrable(b)
	return ra != "" && ra == rb
}

// IsValidDomain reports whether s is a syntactically valid domain name with
// a registrable part under a known public suffix.
func IsValidDomain(s string) bool {
	if s == "" || len(s) > 253 || strings.HasSuffix(s, ".") {
		return false
	}
	labels := strings.Split(s, ".")
	if len(labels) < 2 {
		return false
	}
	for _, l := range labels {
		if !validLabel(l) {
			return false
		}
	}
	tld := labels[len(labels)-1]
	if !strings.HasPrefix(tld, "xn--") {
		for _, r := range tld {
			if r < 'a' || r > 'z' {
				return false
			}
		}
	}
	_, err := publicsuffix.EffectiveTLDPlusOne(s)
	return err == nil
}

func validLabel(l string) bool {
	if len(l) == 0 || len(l) > 63 {
		return false
	}
	if l[0] == '-' || l[len(l)-1] == '-' {
		return false
	}
	for _, r := range l {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
		default:
			return false
		}
	}
	return true
}

// NormalizeAnswer turns a free-text model answer into a bare lowercase host:
// surrounding quotes and punctuation, scheme, credentials, port and path are
// removed.
func NormalizeAnswer(answer string) string {
	s := strings.ToLower(strings.TrimSpace(answer))
	s = strings.Trim(s, "\"'`*<> \t\r\n.,;:!")
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	if i := strings.LastIndex(s, "@"); i >= 0 {
		s = s[i+1:]
	}
	if h, _, err := net.SplitHostPort(s); err == nil {
		s = h
	}
	return strings.TrimRight(s, ".,;:!")
}
