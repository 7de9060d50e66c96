package cache

import "strings"

// Prefix starts every cache key.
const Prefix = "scalr"

// Key identifies a cached response.
type Key struct {
	// KeyID scopes entries to the API key; different keys may see different data
	KeyID string

	// Path is the request path, e.g. "/api/user/v1beta0/4/images/"
	Path string

	// Query is the canonical query string
	Query string
}

// String renders the key as scalr:<key-id>:<path>[?<query>].
//
// Example:
//
//	scalr:APIKEY123:/api/user/v1beta0/os/?family=ubuntu
func (k Key) String() string {
	var b strings.Builder
	b.WriteString(k.PathPrefix())
	if k.Query != "" {
		b.WriteByte('?')
		b.WriteString(k.Query)
	}
	return b.String()
}

// PathPrefix is the part of the key shared by every query variant of a path.
func (k Key) PathPrefix() string {
	return Prefix + ":" + k.KeyID + ":" + k.Path
}
