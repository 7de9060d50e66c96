// Package signer builds the canonical signing string and the HMAC-SHA256
// authentication headers required by the Scalr API.
package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"time"
)

const (
	// SignatureVersion prefixes every signature header value.
	SignatureVersion = "V1-HMAC-SHA256"

	// DefaultVendor is the vendor segment of the X-<Vendor>-* header names.
	DefaultVendor = "Scalr"

	// TimeFormat is ISO-8601 in UTC with millisecond precision.
	TimeFormat = "2006-01-02T15:04:05.000Z07:00"
)

var (
	// ErrMissingKeyID is returned when credentials carry no key identifier.
	ErrMissingKeyID = errors.New("signer: key id is required")

	// ErrMissingSecretKey is returned when credentials carry no secret key.
	ErrMissingSecretKey = errors.New("signer: secret key is required")
)

// Credentials identify the API key used to sign requests.
type Credentials struct {
	KeyID     string
	SecretKey string
}

// Validate reports whether both credential fields are present.
func (c Credentials) Validate() error {
	if strings.TrimSpace(c.KeyID) == "" {
		return ErrMissingKeyID
	}
	if c.SecretKey == "" {
		return ErrMissingSecretKey
	}
	return nil
}

// AuthHeaders is the header set attached to one signed request.
type AuthHeaders struct {
	KeyID     string
	Date      string
	Debug     string
	Signature string

	vendor string
}

// Apply sets the authentication headers on h.
func (a AuthHeaders) Apply(h http.Header) {
	vendor := a.vendor
	if vendor == "" {
		vendor = DefaultVendor
	}
	h.Set(HeaderName(vendor, "Key-Id"), a.KeyID)
	h.Set(HeaderName(vendor, "Date"), a.Date)
	h.Set(HeaderName(vendor, "Debug"), a.Debug)
	h.Set(HeaderName(vendor, "Signature"), a.Signature)
}

// HeaderName returns "X-<vendor>-<field>".
func HeaderName(vendor, field string) string {
	return "X-" + vendor + "-" + field
}

// Option configures a Signer.
type Option func(*Signer)

// WithVendor overrides the vendor segment of the header names.
func WithVendor(vendor string) Option {
	return func(s *Signer) {
		if vendor != "" {
			s.vendor = vendor
		}
	}
}

// Signer signs requests for one set of credentials. It holds no mutable state
// and is safe for concurrent use.
type Signer struct {
	creds  Credentials
	secret []byte
	vendor string
}

// New creates a Signer. Incomplete credentials fail here, before any request
// can be signed with empty values.
func New(creds Credentials, opts ...Option) (*Signer, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}

	s := &Signer{
		creds:  creds,
		secret: []byte(creds.SecretKey),
		vendor: DefaultVendor,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Vendor returns the vendor segment used for header names.
func (s *Signer) Vendor() string {
	return s.vendor
}

// KeyID returns the key identifier requests are signed with.
func (s *Signer) KeyID() string {
	return s.creds.KeyID
}

// Sign computes the authentication headers for a single request. query must
// already be canonical; it is signed exactly as given.
func (s *Signer) Sign(method, timestamp, path, query, body string) AuthHeaders {
	return AuthHeaders{
		KeyID:     s.creds.KeyID,
		Date:      timestamp,
		Debug:     "1",
		Signature: SignatureVersion + " " + s.Signature(StringToSign(method, timestamp, path, query, body)),
		vendor:    s.vendor,
	}
}

// Signature returns the base64 HMAC-SHA256 of stringToSign keyed by the secret.
func (s *Signer) Signature(stringToSign string) string {
	return computeSignature(s.secret, stringToSign)
}

// StringToSign joins method, timestamp, path, query and body with '\n'.
// There is no trailing newline.
func StringToSign(method, timestamp, path, query, body string) string {
	return strings.Join([]string{method, timestamp, path, query, body}, "\n")
}

// FormatTime renders t the way the date header expects it.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// Verify checks a signature header value against stringToSign.
func Verify(secretKey, stringToSign, headerValue string) bool {
	sig, ok := strings.CutPrefix(headerValue, SignatureVersion+" ")
	if !ok {
		return false
	}
	expected := computeSignature([]byte(secretKey), stringToSign)
	return hmac.Equal([]byte(expected), []byte(sig))
}

func computeSignature(secret []byte, stringToSign string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(stringToSign))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
