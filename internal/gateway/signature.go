package gateway

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"strings"

	"github.com/tasklinker/backend/internal/apperr"
)

// SignatureHeader carries the hex HMAC-SHA512 of the raw webhook body.
const SignatureHeader = "x-gateway-signature"

// Sign returns the hex HMAC-SHA512 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature compares in constant time. A missing header, an empty
// secret or a mismatch all fail with InvalidSignature.
func VerifySignature(secret string, body []byte, header string) error {
	header = strings.TrimSpace(header)
	if secret == "" || header == "" {
		return apperr.New(apperr.InvalidSignature, "missing webhook signature")
	}
	got, err := hex.DecodeString(strings.ToLower(header))
	if err != nil {
		return apperr.New(apperr.InvalidSignature, "malformed webhook signature")
	}
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return apperr.New(apperr.InvalidSignature, "webhook signature mismatch")
	}
	return nil
}
