package backend

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"strings"

	"github.com/taskwire/taskwire/internal/config"
)

// ErrBadSignature is returned when a webhook signature does not match.
// Callers must not touch task state after seeing it.
var ErrBadSignature = errors.New("backend: signature mismatch")

// Sign computes the signature value for body under the given scheme.
func Sign(scheme config.SignatureScheme, secret string, body []byte) (string, error) {
	var h func() hash.Hash
	switch scheme {
	case config.SchemeHMACSHA256Hex, config.SchemeHMACSHA256Base64:
		h = sha256.New
	case config.SchemeHMACSHA1Hex:
		h = sha1.New
	default:
		return "", fmt.Errorf("unknown signature scheme %q", scheme)
	}
	mac := hmac.New(h, []byte(secret))
	mac.Write(body)
	sum := mac.Sum(nil)
	if scheme == config.SchemeHMACSHA256Base64 {
		return base64.StdEncoding.EncodeToString(sum), nil
	}
	return hex.EncodeToString(sum), nil
}

// VerifySignature checks a webhook signature in constant time. A scheme
// prefix like "sha256=" on the header value is tolerated.
func VerifySignature(scheme config.SignatureScheme, secret, got string, body []byte) error {
	if secret == "" {
		return errors.New("backend: webhook secret not configured")
	}
	if i := strings.IndexByte(got, '='); i >= 0 && !strings.ContainsAny(got[:i], "+/") {
		// "sha256=<hex>" style prefix; base64 values may themselves contain
		// '=', which the ContainsAny guard leaves alone.
		if got[:i] == "sha256" || got[:i] == "sha1" {
			got = got[i+1:]
		}
	}
	want, err := Sign(scheme, secret, body)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
		return ErrBadSignature
	}
	return nil
}
