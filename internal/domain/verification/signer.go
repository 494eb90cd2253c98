package verification

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Signer produces and checks detached signatures over content digests.
type Signer interface {
	Sign(digest string) string
	Verify(digest, signature string) bool
}

// HMACSigner signs digests with HMAC-SHA256 under a shared service secret.
type HMACSigner struct {
	secret []byte
}

func NewHMACSigner(secret []byte) *HMACSigner {
	return &HMACSigner{secret: secret}
}

func (s *HMACSigner) Sign(digest string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(digest))
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *HMACSigner) Verify(digest, signature string) bool {
	expected, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(digest))
	return hmac.Equal(mac.Sum(nil), expected)
}
