package marketraker

import (
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"go.uber.org/zap"

	"github.com/MarketRaker/trading-bot-example-code/models"
)

type Parser struct {
	key *rsa.PublicKey
	log *zap.Logger
	now func() time.Time
}

// NewParser returns a channel parser for MarketRaker webhooks. A key that fails
// to load is logged; every signature then verifies false.
func NewParser(publicKeyPEM string, log *zap.Logger) *Parser {
	key, err := ParsePublicKey(publicKeyPEM)
	if err != nil {
		log.Warn("marketraker public key not loaded, signatures will not verify", zap.Error(err))
	}
	return &Parser{key: key, log: log, now: time.Now}
}

// ParseSignal decodes and verifies a webhook body. Signature failure is not an
// error: it is reported through SignatureValid and the caller applies policy.
func (p *Parser) ParseSignal(body []byte, signature string) (models.VerifiedSignal, error) {
	env, err := DecodeEnvelope(body)
	if err != nil {
		return models.VerifiedSignal{}, err
	}

	vs := models.VerifiedSignal{
		Type:       env.Type,
		Digest:     digest(env.Candidates[0]),
		ReceivedAt: p.now(),
	}
	for _, candidate := range env.Candidates {
		if verifyWithKey(p.key, candidate, signature) {
			vs.SignatureValid = true
			break
		}
	}

	switch env.Type {
	case models.Indicator:
		vs.Signal, err = ParseSignal(env.Data)
		if err != nil {
			return models.VerifiedSignal{}, err
		}
	case models.MarketDirectionUpdate:
	}
	return vs, nil
}

func digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
