package authx

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// MinHMACSecretLength is the shortest accepted HMAC secret, in bytes.
const MinHMACSecretLength = 32

// SigningKey is the process-wide key material of a Service. It is read-only
// once constructed.
type SigningKey struct {
	alg    jwa.SignatureAlgorithm
	sign   jwk.Key
	verify jwk.Key
}

// Algorithm returns the JWS algorithm tokens are signed with.
func (k *SigningKey) Algorithm() jwa.SignatureAlgorithm {
	return k.alg
}

// KeyID returns the key id placed in token headers, if any.
func (k *SigningKey) KeyID() string {
	return k.sign.KeyID()
}

// NewHMACKey builds a symmetric signing key. alg must be HS256, HS384 or HS512.
func NewHMACKey(secret []byte, alg jwa.SignatureAlgorithm) (*SigningKey, error) {
	switch alg {
	case jwa.HS256, jwa.HS384, jwa.HS512:
	case "":
		alg = jwa.HS256
	default:
		return nil, fmt.Errorf("algorithm %q is not an HMAC algorithm", alg)
	}
	if len(secret) < MinHMACSecretLength {
		return nil, fmt.Errorf("hmac secret must be at least %d bytes, got %d", MinHMACSecretLength, len(secret))
	}
	key, err := jwk.FromRaw(append([]byte(nil), secret...))
	if err != nil {
		return nil, fmt.Errorf("build hmac key: %w", err)
	}
	return &SigningKey{alg: alg, sign: key, verify: key}, nil
}

// ParseSigningKey parses a private key in PEM or JWK JSON form and infers
// its signing algorithm from the key type.
func ParseSigningKey(data []byte, keyID string) (*SigningKey, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errors.New("signing key is empty")
	}
	var (
		key jwk.Key
		err error
	)
	if data[0] == '{' {
		key, err = jwk.ParseKey(data)
	} else {
		key, err = jwk.ParseKey(data, jwk.WithPEM(true))
	}
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	if keyID != "" {
		if err := key.Set(jwk.KeyIDKey, keyID); err != nil {
			return nil, fmt.Errorf("set kid: %w", err)
		}
	}

	alg, err := inferAlgorithm(key)
	if err != nil {
		return nil, err
	}
	if alg == jwa.HS256 {
		return &SigningKey{alg: alg, sign: key, verify: key}, nil
	}
	pub, err := key.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}
	return &SigningKey{alg: alg, sign: key, verify: pub}, nil
}

func inferAlgorithm(key jwk.Key) (jwa.SignatureAlgorithm, error) {
	switch k := key.(type) {
	case jwk.SymmetricKey:
		if len(k.Octets()) < MinHMACSecretLength {
			return "", fmt.Errorf("hmac secret must be at least %d bytes", MinHMACSecretLength)
		}
		return jwa.HS256, nil
	case jwk.RSAPrivateKey:
		return jwa.RS256, nil
	case jwk.ECDSAPrivateKey:
		switch k.Crv() {
		case jwa.P256:
			return jwa.ES256, nil
		case jwa.P384:
			return jwa.ES384, nil
		case jwa.P521:
			return jwa.ES512, nil
		}
		return "", fmt.Errorf("unsupported ecdsa curve %q", k.Crv())
	case jwk.OKPPrivateKey:
		if k.Crv() != jwa.Ed25519 {
			return "", fmt.Errorf("unsupported okp curve %q", k.Crv())
		}
		return jwa.EdDSA, nil
	}
	return "", fmt.Errorf("key type %q is not a private signing key", key.KeyType())
}

// GenerateHMACSecret returns a random secret of MinHMACSecretLength bytes,
// base64url encoded.
func GenerateHMACSecret() (string, error) {
	buf := make([]byte, MinHMACSecretLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
