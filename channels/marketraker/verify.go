package marketraker

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"strings"

	"github.com/go-faster/errors"
)

var ErrInvalidPublicKey = errors.New("invalid public key")

// Verify reports whether signatureB64 is a valid RSA-PSS/SHA-256 signature of
// payload under publicKeyPEM. It never fails loudly: bad input yields false.
func Verify(payload []byte, signatureB64, publicKeyPEM string) bool {
	pub, err := ParsePublicKey(publicKeyPEM)
	if err != nil {
		return false
	}
	return verifyWithKey(pub, payload, signatureB64)
}

// ParsePublicKey loads a PEM encoded RSA public key. Escaped "\n" sequences,
// as found in single-line environment values, are expanded first.
func ParsePublicKey(publicKeyPEM string) (*rsa.PublicKey, error) {
	text := strings.ReplaceAll(publicKeyPEM, `\n`, "\n")
	block, _ := pem.Decode([]byte(strings.TrimSpace(text)))
	if block == nil {
		return nil, errors.Wrap(ErrInvalidPublicKey, "no PEM block")
	}

	if key, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, errors.Wrap(ErrInvalidPublicKey, "not an RSA key")
		}
		return rsaKey, nil
	}
	key, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidPublicKey, err.Error())
	}
	return key, nil
}

func verifyWithKey(pub *rsa.PublicKey, payload []byte, signatureB64 string) bool {
	if pub == nil {
		return false
	}
	sig, err := decodeSignature(signatureB64)
	if err != nil || len(sig) == 0 {
		return false
	}
	digest := sha256.Sum256(payload)
	opts := &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthAuto, Hash: crypto.SHA256}
	return rsa.VerifyPSS(pub, crypto.SHA256, digest[:], sig, opts) == nil
}

func decodeSignature(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if sig, err := base64.StdEncoding.DecodeString(s); err == nil {
		return sig, nil
	}
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}
