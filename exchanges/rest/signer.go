package rest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Signer produces HMAC-SHA256 hex signatures with an API secret.
type Signer struct {
	secret []byte
}

func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

func (s *Signer) Sign(payload string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
