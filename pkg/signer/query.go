package signer

import (
	"sort"
	"strings"
)

// Query renders request parameters as the exact query string that is both
// sent on the wire and fed into the signature.
type Query interface {
	Canonical() string
}

// Params is an unordered set of query parameters. Keys are sorted by byte
// order when canonicalized, so insertion order never affects the result.
type Params map[string]string

// Canonical returns key=value pairs sorted by key, percent-encoded and joined by '&'.
// An empty or nil mapping yields the empty string.
func (p Params) Canonical() string {
	if len(p) == 0 {
		return ""
	}

	keys := make([]string, 0, len(p))
	for key := range p {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, key := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(EncodeComponent(key))
		b.WriteByte('=')
		b.WriteString(EncodeComponent(p[key]))
	}
	return b.String()
}

// RawQuery is an already serialized query string. It is used verbatim, so the
// caller is responsible for its ordering and encoding. Following a pagination
// cursor relies on this.
type RawQuery string

// Canonical returns the raw string unchanged.
func (r RawQuery) Canonical() string {
	return string(r)
}

// Canonicalize returns the canonical form of q. A nil query yields "".
func Canonicalize(q Query) string {
	if q == nil {
		return ""
	}
	return q.Canonical()
}

const upperhex = "0123456789ABCDEF"

// EncodeComponent percent-encodes s the way URI components are encoded:
// ALPHA / DIGIT / "-" / "_" / "." / "!" / "~" / "*" / "'" / "(" / ")" stay literal,
// every other byte of the UTF-8 encoding becomes %XX.
func EncodeComponent(s string) string {
	n := 0
	for i := 0; i < len(s); i++ {
		if !isUnreserved(s[i]) {
			n++
		}
	}
	if n == 0 {
		return s
	}

	buf := make([]byte, 0, len(s)+2*n)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) {
			buf = append(buf, c)
			continue
		}
		buf = append(buf, '%', upperhex[c>>4], upperhex[c&0x0f])
	}
	return string(buf)
}

func isUnreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	switch c {
	case '-', '_', '.', '!', '~', '*', '\'', '(', ')':
		return true
	}
	return false
}
