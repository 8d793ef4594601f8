// Package roomurl canonicalizes audio room URLs so that the same room is
// always addressed the same way regardless of which domain variant or share
// suffix it was copied with.
package roomurl

import (
	"errors"
	"net/url"
	"path"
	"strings"
)

// ErrEmpty is returned for blank input.
var ErrEmpty = errors.New("room url is empty")

// ErrInvalid is returned when input cannot be parsed as an http(s) URL with a host.
var ErrInvalid = errors.New("room url is invalid")

// Normalizer rewrites alternate domains to Primary and strips share suffixes.
type Normalizer struct {
	Primary    string   // canonical host, e.g. twitter.com
	Alternates []string // hosts collapsed into Primary
	Suffixes   []string // trailing path segments removed, e.g. /peek
}

// Default targets twitter.com Spaces.
var Default = Normalizer{
	Primary:    "twitter.com",
	Alternates: []string{"x.com"},
	Suffixes:   []string{"/peek"},
}

// Normalize applies Default.
func Normalize(raw string) (string, error) {
	return Default.Normalize(raw)
}

// RoomID applies Default.
func RoomID(raw string) string {
	return Default.RoomID(raw)
}

// Normalize returns the canonical form of raw: https scheme, primary host,
// no www./mobile. prefix, no share suffix, no trailing slash, no query or
// fragment.
func (n Normalizer) Normalize(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrEmpty
	}
	if strings.HasPrefix(raw, "//") {
		raw = "https:" + raw
	} else if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", errors.Join(ErrInvalid, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", ErrInvalid
	}
	host := n.canonicalHost(u.Hostname())
	if host == "" {
		return "", ErrInvalid
	}

	p := u.Path
	for {
		trimmed := strings.TrimRight(p, "/")
		stripped := n.stripSuffix(trimmed)
		if stripped == p {
			break
		}
		p = stripped
	}
	if p != "" {
		p = path.Clean(p)
		if p == "/" || p == "." {
			p = ""
		}
	}

	out := url.URL{Scheme: "https", Host: host, Path: p}
	return out.String(), nil
}

// RoomID returns the last path segment of the normalized URL, or "" when raw
// cannot be normalized or has no path.
func (n Normalizer) RoomID(raw string) string {
	u, err := n.Normalize(raw)
	if err != nil {
		return ""
	}
	parsed, err := url.Parse(u)
	if err != nil || parsed.Path == "" {
		return ""
	}
	return path.Base(parsed.Path)
}

// IsCanonical reports whether raw is already in normalized form.
func (n Normalizer) IsCanonical(raw string) bool {
	u, err := n.Normalize(raw)
	return err == nil && u == raw
}

func (n Normalizer) canonicalHost(host string) string {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	for _, prefix := range []string{"www.", "mobile.", "m."} {
		host = strings.TrimPrefix(host, prefix)
	}
	if n.Primary == "" {
		return host
	}
	for _, alt := range n.Alternates {
		if host == strings.ToLower(alt) {
			return n.Primary
		}
	}
	return host
}

func (n Normalizer) stripSuffix(p string) string {
	lower := strings.ToLower(p)
	for _, s := range n.Suffixes {
		if s != "" && strings.HasSuffix(lower, strings.ToLower(s)) {
			return p[:len(p)-len(s)]
		}
	}
	return p
}
