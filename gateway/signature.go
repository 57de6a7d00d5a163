package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"hash"
	"net/http"
	"strings"

	"github.com/warp/payment-reconciler/generic"
)

// Scheme describes how a provider signs its webhooks.
type Scheme struct {
	Header   string
	Hash     func() hash.Hash
	Encoding Encoding
}

type Encoding int

const (
	Hex Encoding = iota
	Base64
)

var (
	HMACSHA256Hex    = func(header string) Scheme { return Scheme{Header: header, Hash: sha256.New, Encoding: Hex} }
	HMACSHA256Base64 = func(header string) Scheme { return Scheme{Header: header, Hash: sha256.New, Encoding: Base64} }
	HMACSHA512Hex    = func(header string) Scheme { return Scheme{Header: header, Hash: sha512.New, Encoding: Hex} }
)

// Sign computes the signature of body under secret.
func (s Scheme) Sign(secret string, body []byte) string {
	mac := hmac.New(s.Hash, []byte(secret))
	mac.Write(body)
	sum := mac.Sum(nil)
	if s.Encoding == Base64 {
		return base64.StdEncoding.EncodeToString(sum)
	}
	return hex.EncodeToString(sum)
}

// Verify checks the signature header against the raw body. It must run
// before any field of the payload is trusted.
func (s Scheme) Verify(gatewayName, secret string, header http.Header, body []byte) error {
	if secret == "" {
		return &generic.AuthenticationError{Gateway: gatewayName, Reason: "webhook secret not configured"}
	}
	got := strings.TrimSpace(header.Get(s.Header))
	if got == "" {
		return &generic.AuthenticationError{Gateway: gatewayName, Reason: "missing " + s.Header + " header"}
	}

	want := s.Sign(secret, body)
	if s.Encoding == Hex {
		got = strings.ToLower(got)
	}
	if !hmac.Equal([]byte(got), []byte(want)) {
		return &generic.AuthenticationError{Gateway: gatewayName, Reason: "signature mismatch"}
	}
	return nil
}
