// Package auth implements the AUTH LOGIN allow-list check and the
// base64 codec helpers the protocol engine uses to decode the
// username/password challenge-response exchange.
package auth

import (
	"encoding/base64"
	"fmt"
)

const (
	// MaxAuthDataSize limits the raw base64 input size to prevent DoS.
	MaxAuthDataSize = 1024
	// MaxDecodedSize limits the decoded data size.
	MaxDecodedSize = 768
)

// Wildcard is the allow-list entry that accepts any login.
const Wildcard = "*"

// Authenticator checks a decoded AUTH LOGIN username against the
// configured allow-list. The password is never validated — this is a
// capture sink, not a real authentication boundary.
type Authenticator interface {
	Allowed(username string) bool
}

// AllowListAuthenticator accepts any login present in its list verbatim,
// or any login at all if the list contains the wildcard entry.
type AllowListAuthenticator struct {
	allowed map[string]struct{}
	wild    bool
}

// NewAllowListAuthenticator builds an authenticator from the configured
// allowed_addresses list.
func NewAllowListAuthenticator(addresses []string) *AllowListAuthenticator {
	a := &AllowListAuthenticator{allowed: make(map[string]struct{}, len(addresses))}
	for _, addr := range addresses {
		if addr == Wildcard {
			a.wild = true
			continue
		}
		a.allowed[addr] = struct{}{}
	}
	return a
}

// Allowed reports whether username may proceed past AUTH LOGIN.
func (a *AllowListAuthenticator) Allowed(username string) bool {
	if a.wild {
		return true
	}
	_, ok := a.allowed[username]
	return ok
}

// DecodeBase64 decodes a base64 string from an AUTH LOGIN challenge
// response, bounding both the encoded and decoded size.
func DecodeBase64(s string) (string, error) {
	if len(s) > MaxAuthDataSize {
		return "", fmt.Errorf("authentication data too large: %d bytes (max %d)", len(s), MaxAuthDataSize)
	}

	decoded, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("invalid base64 encoding: %w", err)
	}

	if len(decoded) > MaxDecodedSize {
		return "", fmt.Errorf("decoded authentication data too large: %d bytes (max %d)", len(decoded), MaxDecodedSize)
	}

	return string(decoded), nil
}

// EncodeBase64 encodes a string for an AUTH LOGIN challenge ("Username:"
// or "Password:").
func EncodeBase64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}
