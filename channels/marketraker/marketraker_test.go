package marketraker

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/MarketRaker/trading-bot-example-code/models"
)

var (
	keyOnce sync.Once
	keys    [2]*rsa.PrivateKey
)

func testKeys(t *testing.T) (*rsa.PrivateKey, *rsa.PrivateKey) {
	t.Helper()
	keyOnce.Do(func() {
		for i := range keys {
			k, err := rsa.GenerateKey(rand.Reader, 2048)
			if err != nil {
				panic(err)
			}
			keys[i] = k
		}
	})
	return keys[0], keys[1]
}

func publicPEM(t *testing.T, key *rsa.PrivateKey) string {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

func sign(t *testing.T, key *rsa.PrivateKey, payload []byte) string {
	t.Helper()
	digest := sha256.Sum256(payload)
	sig, err := rsa.SignPSS(rand.Reader, key, crypto.SHA256, digest[:], &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthAuto})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return base64.StdEncoding.EncodeToString(sig)
}

func TestVerify(t *testing.T) {
	key, other := testKeys(t)
	pub := publicPEM(t, key)
	payload := []byte(`{"type": "indicator", "data": "{\"trading_pair\": \"BTC/USD\"}"}`)
	sig := sign(t, key, payload)

	if !Verify(payload, sig, pub) {
		t.Fatalf("expected valid signature")
	}

	escaped := strings.ReplaceAll(pub, "\n", `\n`)
	if !Verify(payload, sig, escaped) {
		t.Fatalf("expected key with escaped newlines to verify")
	}

	if Verify(payload, sign(t, other, payload), pub) {
		t.Fatalf("signature from another key must not verify")
	}
	if Verify(payload, "not base64!!", pub) {
		t.Fatalf("garbage signature must not verify")
	}
	if Verify(payload, sig, "not a key") {
		t.Fatalf("garbage key must not verify")
	}
	if Verify(payload, "", pub) {
		t.Fatalf("empty signature must not verify")
	}
}

func TestVerifyBitFlips(t *testing.T) {
	key, _ := testKeys(t)
	pub := publicPEM(t, key)
	payload := []byte(`{"type": "indicator", "data": "{}"}`)
	sig := sign(t, key, payload)
	raw, _ := base64.StdEncoding.DecodeString(sig)

	for i := 0; i < len(payload)*8; i += 7 {
		mutated := append([]byte(nil), payload...)
		mutated[i/8] ^= 1 << (i % 8)
		if Verify(mutated, sig, pub) {
			t.Fatalf("payload bit %d flipped still verifies", i)
		}
	}
	for i := 0; i < len(raw)*8; i += 97 {
		mutated := append([]byte(nil), raw...)
		mutated[i/8] ^= 1 << (i % 8)
		if Verify(payload, base64.StdEncoding.EncodeToString(mutated), pub) {
			t.Fatalf("signature bit %d flipped still verifies", i)
		}
	}
}

func TestNormalizeSymbol(t *testing.T) {
	cases := map[string]string{
		"BTC/USD":  "BTCUSDT",
		"BTC_USDT": "BTCUSDT",
		"ETHBTC":   "ETHBTC",
		"BTCUSDT":  "BTCUSDT",
		"USDC/USD": "USDCUSDT",
		"ETH/USDC": "ETHUSDC",
		"SOL_USD":  "SOLUSDT",
		"":         "",
	}
	for in, want := range cases {
		got := NormalizeSymbol(in)
		if got != want {
			t.Fatalf("NormalizeSymbol(%q) = %q, want %q", in, got, want)
		}
		if again := NormalizeSymbol(got); again != got {
			t.Fatalf("NormalizeSymbol not idempotent for %q: %q then %q", in, got, again)
		}
	}
}

func TestDecodeEnvelopeStringData(t *testing.T) {
	body := []byte(`{"type":"indicator","data":"{\"trading_pair\":\"BTC/USD\",\"leverage\":2}"}`)
	env, err := DecodeEnvelope(body)
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	if env.Type != models.Indicator {
		t.Fatalf("expected indicator, got %v", env.Type)
	}
	want := `{"type": "indicator", "data": "{\"trading_pair\":\"BTC/USD\",\"leverage\":2}"}`
	if string(env.Candidates[0]) != want {
		t.Fatalf("signed bytes mismatch\n got: %s\nwant: %s", env.Candidates[0], want)
	}
	if len(env.Candidates) != 2 || string(env.Candidates[1]) != string(body) {
		t.Fatalf("expected raw body as second candidate")
	}
	if string(env.Data) != `{"trading_pair":"BTC/USD","leverage":2}` {
		t.Fatalf("unexpected data: %s", env.Data)
	}
}

func TestDecodeEnvelopeObjectData(t *testing.T) {
	body := []byte(`{"data":{"trading_pair":"BTC/USD","percentage_change":3.50,"leverage":2,` +
		`"stoploss":null,"ok":true,"n":"é","big":1E2,"list":[1,-0]},"type":"indicator"}`)
	env, err := DecodeEnvelope(body)
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	want := `{"type": "indicator", "data": "{\"trading_pair\": \"BTC/USD\", \"percentage_change\": 3.5, ` +
		`\"leverage\": 2, \"stoploss\": null, \"ok\": true, \"n\": \"\\u00e9\", \"big\": 100.0, \"list\": [1, 0]}"}`
	if string(env.Candidates[0]) != want {
		t.Fatalf("signed bytes mismatch\n got: %s\nwant: %s", env.Candidates[0], want)
	}
}

func TestDecodeEnvelopeErrors(t *testing.T) {
	bodies := []string{
		``,
		`[]`,
		`{"data":"{}"}`,
		`{"type":"indicator"}`,
		`{"type":"weather","data":"{}"}`,
		`{"type":"indicator","data":42}`,
		`{"type":"indicator","data":"{}"} trailing`,
	}
	for _, b := range bodies {
		if _, err := DecodeEnvelope([]byte(b)); err == nil {
			t.Fatalf("expected error for %q", b)
		}
	}
}

func TestPyFloat(t *testing.T) {
	cases := map[string]string{
		"1e16":     "1e+16",
		"1.5e16":   "1.5e+16",
		"1e15":     "1000000000000000.0",
		"0.0001":   "0.0001",
		"0.00001":  "1e-05",
		"100.0":    "100.0",
		"-0.0":     "-0.0",
		"0.1":      "0.1",
		"3.14159":  "3.14159",
		"1.5e300":  "1.5e+300",
		"12345678": "12345678",
		"-0":       "0",
		"1e400":    "Infinity",
	}
	for in, want := range cases {
		if got := pyNumber(in); got != want {
			t.Fatalf("pyNumber(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestWriteStringEscapes(t *testing.T) {
	got := string(pyDumps(stringNode("a\"b\\c\n\x01\x7f€😀")))
	want := `"a\"b\\c\n\u0001\u007f\u20ac\ud83d\ude00"`
	if got != want {
		t.Fatalf("got %s, want %s", got, want)
	}
}

func TestParseSignal(t *testing.T) {
	sig, err := ParseSignal([]byte(`{"trading_pair":"BTC/USD","trading_type":"Long","market_direction":"Bull",` +
		`"percentage_change":3,"percentage_change_24h":6.5,"leverage":2,"buy_price":100,"stoploss":95,"risk":3,` +
		`"trading_type_24h":"Short","buy_price_24h":98}`))
	if err != nil {
		t.Fatalf("ParseSignal: %v", err)
	}
	if sig.Leverage != 2 || sig.TradingType != models.Long || sig.MarketDirection != models.Bull {
		t.Fatalf("unexpected signal %+v", sig)
	}
	if sig.Stoploss == nil || *sig.Stoploss != 95 {
		t.Fatalf("expected stoploss 95")
	}
	if sig.Risk == nil || *sig.Risk != 3 {
		t.Fatalf("expected risk 3")
	}
	if sig.Variant24h == nil || sig.Variant24h.TradingType != models.Short || sig.Variant24h.BuyPrice != 98 {
		t.Fatalf("unexpected 24h variant %+v", sig.Variant24h)
	}

	bad := []string{
		`{"trading_pair":"BTC/USD","trading_type":"Long","market_direction":"Bull","leverage":9}`,
		`{"trading_pair":"BTC/USD","trading_type":"Long","market_direction":"Bull","leverage":1.5}`,
		`{"trading_pair":"BTC/USD","trading_type":"Sideways","market_direction":"Bull","leverage":1}`,
		`{"trading_pair":"","trading_type":"Long","market_direction":"Bull","leverage":1}`,
		`not json`,
	}
	for _, b := range bad {
		if _, err := ParseSignal([]byte(b)); err == nil {
			t.Fatalf("expected error for %s", b)
		}
	}
}

func TestParserVerifiesReconstructedPayload(t *testing.T) {
	key, _ := testKeys(t)
	data := `{"trading_pair": "ETH/USD", "trading_type": "Short", "market_direction": "Bear", ` +
		`"percentage_change": -3.0, "percentage_change_24h": -6.0, "leverage": 4, "buy_price": 2000.5, "stoploss": null}`
	signed := `{"type": "indicator", "data": "` + strings.ReplaceAll(data, `"`, `\"`) + `"}`
	sig := sign(t, key, []byte(signed))

	// Delivered compactly with data as an object; the parser must rebuild the signed form.
	body := []byte(`{"type":"indicator","data":{"trading_pair":"ETH/USD","trading_type":"Short",` +
		`"market_direction":"Bear","percentage_change":-3.0,"percentage_change_24h":-6.0,"leverage":4,` +
		`"buy_price":2000.5,"stoploss":null}}`)

	p := NewParser(publicPEM(t, key), zap.NewNop())
	vs, err := p.ParseSignal(body, sig)
	if err != nil {
		t.Fatalf("ParseSignal: %v", err)
	}
	if !vs.SignatureValid {
		t.Fatalf("expected signature to verify against reconstructed payload")
	}
	if vs.Signal.TradingPair != "ETH/USD" || vs.Signal.Leverage != 4 || vs.Signal.Stoploss != nil {
		t.Fatalf("unexpected signal %+v", vs.Signal)
	}
	if vs.Digest == "" {
		t.Fatalf("expected digest")
	}

	vs, err = p.ParseSignal(body, sign(t, key, []byte("something else")))
	if err != nil {
		t.Fatalf("ParseSignal: %v", err)
	}
	if vs.SignatureValid {
		t.Fatalf("expected invalid signature")
	}
}

func TestParserMarketDirection(t *testing.T) {
	p := NewParser("", zap.NewNop())
	vs, err := p.ParseSignal([]byte(`{"type":"market_direction","data":"{\"direction\":\"Bull\"}"}`), "")
	if err != nil {
		t.Fatalf("ParseSignal: %v", err)
	}
	if vs.Type != models.MarketDirectionUpdate || vs.SignatureValid {
		t.Fatalf("unexpected result %+v", vs)
	}
}
