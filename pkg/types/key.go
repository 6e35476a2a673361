package types

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// ErrInvalidKey is returned when a raw URL cannot be normalized into a Key.
var ErrInvalidKey = errors.New("invalid image key")

// Key is the canonical identifier of an image resource: a normalized URL.
// Two spellings of the same resource normalize to the same Key.
type Key string

// String returns the normalized URL.
func (k Key) String() string { return string(k) }

// Scheme returns the URL scheme of the key, e.g. "https" or "gs".
func (k Key) Scheme() string {
	s, _, ok := strings.Cut(string(k), "://")
	if !ok {
		return ""
	}
	return s
}

// Hash returns a 64-bit digest of the key, used to spread keys over shards.
func (k Key) Hash() uint64 { return xxhash.Sum64String(string(k)) }

// defaultPorts are stripped from the host so that "http://a:80/x" and
// "http://a/x" are the same key.
var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
}

// supportedSchemes lists the schemes a transport exists for.
var supportedSchemes = map[string]bool{
	"http":  true,
	"https": true,
	"gs":    true,
}

// NormalizeKey turns a raw URL into a Key. The scheme and host are
// lowercased, default ports and fragments are dropped and an empty http(s)
// path becomes "/". Percent-escapes in the path and query are uppercased and
// escaped unreserved characters are decoded; otherwise the query is kept as
// written.
func NormalizeKey(raw string) (Key, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty url", ErrInvalidKey)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if !supportedSchemes[scheme] {
		return "", fmt.Errorf("%w: unsupported scheme %q in %q", ErrInvalidKey, u.Scheme, raw)
	}
	if u.Opaque != "" || u.Host == "" {
		return "", fmt.Errorf("%w: %q has no host", ErrInvalidKey, raw)
	}

	host := strings.ToLower(u.Host)
	if h, port, err := net.SplitHostPort(host); err == nil {
		if port == "" || port == defaultPorts[scheme] {
			host = h
			if strings.Contains(h, ":") {
				host = "[" + h + "]"
			}
		}
	}
	if host == "" || host == "[]" {
		return "", fmt.Errorf("%w: %q has no host", ErrInvalidKey, raw)
	}

	norm := url.URL{
		Scheme:   scheme,
		User:     u.User,
		Host:     host,
		Path:     u.Path,
		RawPath:  normalizeEscapes(u.EscapedPath()),
		RawQuery: normalizeEscapes(u.RawQuery),
	}
	if scheme == "gs" {
		if strings.Trim(norm.Path, "/") == "" {
			return "", fmt.Errorf("%w: %q has no object name", ErrInvalidKey, raw)
		}
	} else if norm.Path == "" {
		norm.Path = "/"
	}
	return Key(norm.String()), nil
}

// normalizeEscapes rewrites every %XX in s with uppercase hex, or as the
// literal character when it is unreserved (RFC 3986 section 2.3). s must
// already be validly escaped.
func normalizeEscapes(s string) string {
	if !strings.Contains(s, "%") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '%' || i+2 >= len(s) {
			b.WriteByte(s[i])
			continue
		}
		hi, ok1 := unhex(s[i+1])
		lo, ok2 := unhex(s[i+2])
		if !ok1 || !ok2 {
			b.WriteByte(s[i])
			continue
		}
		if c := hi<<4 | lo; isUnreserved(c) {
			b.WriteByte(c)
		} else {
			b.WriteByte('%')
			b.WriteString(strings.ToUpper(s[i+1 : i+3]))
		}
		i += 2
	}
	return b.String()
}

func unhex(c byte) (byte, bool) {
	switch {
	case '0' <= c && c <= '9':
		return c - '0', true
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10, true
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

func isUnreserved(c byte) bool {
	return 'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z' || '0' <= c && c <= '9' ||
		c == '-' || c == '.' || c == '_' || c == '~'
}
