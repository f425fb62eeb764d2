// Package urlcred embeds credentials into server URLs.
package urlcred

import (
	"fmt"
	"net/url"
	"strings"
)

// WithCredentials inserts "user:password@" in front of the host part of raw.
// Both values are percent-encoded with an empty safe set, so credentials
// containing ':', '@', '/' and friends survive a parse round trip.
func WithCredentials(raw, username, password string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", raw, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("url %q has no host", raw)
	}
	userinfo := encodeAll(username) + ":" + encodeAll(password)
	rest := strings.TrimPrefix(raw, u.Scheme+"://")
	// Strip any userinfo already present.
	if at := strings.Index(rest, "@"); at >= 0 && at < strings.IndexAny(rest+"/", "/") {
		rest = rest[at+1:]
	}
	return u.Scheme + "://" + userinfo + "@" + rest, nil
}

const upperhex = "0123456789ABCDEF"

// encodeAll percent-encodes every byte outside the RFC 3986 unreserved set.
func encodeAll(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if 'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z' || '0' <= c && c <= '9' ||
			c == '-' || c == '.' || c == '_' || c == '~' {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(upperhex[c>>4])
		b.WriteByte(upperhex[c&0xf])
	}
	return b.String()
}
