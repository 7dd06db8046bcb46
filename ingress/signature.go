// Package ingress accepts webhook deliveries, verifies their signature,
// decodes the push event, and exposes task status over HTTP.
package ingress

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
)

var ErrBadSignature = errors.New("ingress: signature missing, malformed, or does not match")

// VerifySignature checks an "sha1=<hex>" header value against body using
// secret, in constant time. A missing or malformed header, a wrong-length
// digest, or a genuine mismatch are all reported as ErrBadSignature so no
// verification detail leaks to the caller.
func VerifySignature(secret string, body []byte, header string) error {
	if header == "" {
		return ErrBadSignature
	}

	hexDigest, ok := strings.CutPrefix(header, "sha1=")
	if !ok {
		return ErrBadSignature
	}

	provided, err := hex.DecodeString(hexDigest)
	if err != nil {
		return ErrBadSignature
	}

	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write(body)
	expected := mac.Sum(nil)

	if subtle.ConstantTimeCompare(expected, provided) != 1 {
		return ErrBadSignature
	}
	return nil
}
