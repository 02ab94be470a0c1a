package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
)

// errVerification is deliberately uninformative.
var errVerification = errors.New("webhook verification failed")

// verifyHMACSignature checks an HMAC-SHA256 signature over body in constant
// time. Accepts "sha256=<hex>" and bare hex.
func verifyHMACSignature(body []byte, signature, secret string) error {
	if secret == "" || signature == "" {
		return errVerification
	}

	actual, err := parseSignature(signature)
	if err != nil {
		return errVerification
	}
	if subtle.ConstantTimeCompare(signBody(body, secret), actual) != 1 {
		return errVerification
	}
	return nil
}

func parseSignature(signature string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(signature), "sha256="))
}

func signBody(body []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}

// Sign returns the "sha256=<hex>" signature a sender puts in the header.
func Sign(body []byte, secret string) string {
	return "sha256=" + hex.EncodeToString(signBody(body, secret))
}
