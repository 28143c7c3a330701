package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SignatureHeader is the header carrying the platform's body signature.
const SignatureHeader = "X-Hub-Signature-256"

const signaturePrefix = "sha256="

// Sign returns the header value the platform would send for body.
func Sign(body []byte, secret string) string {
	return signaturePrefix + digest(body, secret)
}

// Verify reports whether header is a valid HMAC-SHA256 signature of body
// under secret. A missing, malformed or mismatched header yields false.
func Verify(body []byte, header, secret string) bool {
	if header == "" || secret == "" {
		return false
	}
	got, ok := strings.CutPrefix(header, signaturePrefix)
	if !ok || got == "" {
		return false
	}
	expected := digest(body, secret)
	return hmac.Equal([]byte(expected), []byte(got))
}

func digest(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
