package authx

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"strings"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

func TestNewHMACKey(t *testing.T) {
	key, err := NewHMACKey([]byte(testSecret), "")
	if err != nil {
		t.Fatalf("NewHMACKey: %v", err)
	}
	if key.Algorithm() != jwa.HS256 {
		t.Fatalf("unexpected default algorithm: %s", key.Algorithm())
	}

	if _, err := NewHMACKey([]byte("too-short"), jwa.HS256); err == nil {
		t.Fatal("expected short secret error")
	}
	if _, err := NewHMACKey([]byte(testSecret), jwa.ES256); err == nil {
		t.Fatal("expected non-hmac algorithm error")
	}
}

func TestParseSigningKey_Ed25519PEM(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	key, err := ParseSigningKey(pkcs8PEM(t, priv), "ed-1")
	if err != nil {
		t.Fatalf("ParseSigningKey: %v", err)
	}
	if key.Algorithm() != jwa.EdDSA {
		t.Fatalf("unexpected algorithm: %s", key.Algorithm())
	}
	if key.KeyID() != "ed-1" {
		t.Fatalf("unexpected kid: %s", key.KeyID())
	}
	assertKeyRoundTrip(t, key)
}

func TestParseSigningKey_ECDSAIsRandomized(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	key, err := ParseSigningKey(pkcs8PEM(t, priv), "")
	if err != nil {
		t.Fatalf("ParseSigningKey: %v", err)
	}
	if key.Algorithm() != jwa.ES256 {
		t.Fatalf("unexpected algorithm: %s", key.Algorithm())
	}

	svc, err := NewService(ServiceConfig{Key: key}, WithClock(FixedClock(testEpoch)))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	claims, err := svc.NewClaims("user-42", map[string]any{"role": "citizen"}, time.Hour)
	if err != nil {
		t.Fatalf("NewClaims: %v", err)
	}
	first, err := svc.Issue(claims)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	second, err := svc.Issue(claims)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if first.Value == second.Value {
		t.Fatal("expected randomized ecdsa signatures to differ")
	}
	for _, tok := range []*Token{first, second} {
		got, err := svc.Validate(context.Background(), tok.Value)
		if err != nil {
			t.Fatalf("Validate: %v", err)
		}
		if got.StringAttribute("role") != "citizen" {
			t.Fatalf("unexpected attributes: %v", got.Attributes)
		}
	}
}

func TestParseSigningKey_SymmetricJWK(t *testing.T) {
	raw, err := jwk.FromRaw([]byte(testSecret))
	if err != nil {
		t.Fatalf("FromRaw: %v", err)
	}
	doc, err := json.Marshal(raw)
	if err != nil {
		t.Fatalf("marshal jwk: %v", err)
	}
	key, err := ParseSigningKey(doc, "oct-1")
	if err != nil {
		t.Fatalf("ParseSigningKey: %v", err)
	}
	if key.Algorithm() != jwa.HS256 {
		t.Fatalf("unexpected algorithm: %s", key.Algorithm())
	}
	assertKeyRoundTrip(t, key)
}

func TestParseSigningKey_Rejects(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	publicPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	cases := map[string][]byte{
		"empty":      nil,
		"garbage":    []byte("not a key"),
		"public key": publicPEM,
		"short oct":  []byte(`{"kty":"oct","k":"c2hvcnQ"}`),
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseSigningKey(data, ""); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestGenerateHMACSecret(t *testing.T) {
	secret, err := GenerateHMACSecret()
	if err != nil {
		t.Fatalf("GenerateHMACSecret: %v", err)
	}
	raw, err := base64.RawURLEncoding.DecodeString(secret)
	if err != nil {
		t.Fatalf("decode secret: %v", err)
	}
	if len(raw) != MinHMACSecretLength {
		t.Fatalf("unexpected secret length: %d", len(raw))
	}
	if _, err := NewService(ServiceConfig{SigningSecret: secret}); err != nil {
		t.Fatalf("generated secret rejected: %v", err)
	}
}

func assertKeyRoundTrip(t *testing.T, key *SigningKey) {
	t.Helper()
	svc, err := NewService(ServiceConfig{Key: key}, WithClock(FixedClock(testEpoch)))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	token, err := svc.IssueFor("user-42", nil, time.Minute)
	if err != nil {
		t.Fatalf("IssueFor: %v", err)
	}
	if kid := key.KeyID(); kid != "" {
		header, _, _ := strings.Cut(token.Value, ".")
		decoded, err := base64.RawURLEncoding.DecodeString(header)
		if err != nil {
			t.Fatalf("decode header: %v", err)
		}
		if !strings.Contains(string(decoded), `"kid":"`+kid+`"`) {
			t.Fatalf("header missing kid: %s", decoded)
		}
	}
	if _, err := svc.Validate(context.Background(), token.Value); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func pkcs8PEM(t *testing.T, key any) []byte {
	t.Helper()
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal pkcs8: %v", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
}
