package authx

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"go.uber.org/zap"
)

const (
	// TokenType is the scheme clients present tokens with.
	TokenType = "Bearer"

	attributesClaim = "attrs"
	tokenSegments   = 3
)

// Token is a signed session token plus the metadata a client needs to use it.
type Token struct {
	Value     string        `json:"access_token"`
	Type      string        `json:"token_type"`
	TokenID   string        `json:"-"`
	ExpiresAt time.Time     `json:"expires_at"`
	ExpiresIn time.Duration `json:"-"`
}

// TokenValidator validates presented tokens.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (*Claims, error)
}

// Service issues and validates signed session tokens. It holds no per-user
// state and is safe for concurrent use.
type Service struct {
	key         *SigningKey
	issuer      string
	defaultTTL  time.Duration
	leeway      time.Duration
	clock       jwt.Clock
	revocations RevocationList
	logger      *zap.Logger
}

// ServiceOption customizes a Service.
type ServiceOption func(*Service)

// WithClock replaces the time source used for issuance and expiry checks.
func WithClock(clock jwt.Clock) ServiceOption {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithRevocationList enables the revocation check during validation.
func WithRevocationList(list RevocationList) ServiceOption {
	return func(s *Service) {
		s.revocations = list
	}
}

// WithLogger sets the logger used for debug output.
func WithLogger(logger *zap.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

var _ TokenValidator = (*Service)(nil)

// NewService builds a token service from the given configuration.
func NewService(cfg ServiceConfig, opts ...ServiceOption) (*Service, error) {
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	key, err := cfg.signingKey()
	if err != nil {
		return nil, err
	}
	s := &Service{
		key:        key,
		issuer:     cfg.Issuer,
		defaultTTL: cfg.DefaultTTL,
		leeway:     cfg.Leeway,
		clock:      systemClock,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// DefaultTTL returns the lifetime used when IssueFor is called without one.
func (s *Service) DefaultTTL() time.Duration {
	return s.defaultTTL
}

// NewClaims builds claims using the service clock.
func (s *Service) NewClaims(subject string, attributes map[string]any, ttl time.Duration) (*Claims, error) {
	return newClaims(s.clock, subject, attributes, ttl)
}

// IssueFor constructs claims for subject and issues a token. A zero ttl
// selects the configured default.
func (s *Service) IssueFor(subject string, attributes map[string]any, ttl time.Duration) (*Token, error) {
	if ttl == 0 {
		ttl = s.defaultTTL
	}
	claims, err := s.NewClaims(subject, attributes, ttl)
	if err != nil {
		return nil, err
	}
	return s.Issue(claims)
}

// Issue signs claims into a token.
func (s *Service) Issue(claims *Claims) (*Token, error) {
	if err := claims.Validate(); err != nil {
		return nil, err
	}
	tokenID := claims.TokenID
	if tokenID == "" {
		tokenID = uuid.NewString()
	}

	builder := jwt.NewBuilder().
		Subject(claims.Subject).
		IssuedAt(claims.IssuedAt).
		Expiration(claims.ExpiresAt).
		JwtID(tokenID)
	if s.issuer != "" {
		builder = builder.Issuer(s.issuer)
	}
	if len(claims.Attributes) > 0 {
		builder = builder.Claim(attributesClaim, cloneAttributes(claims.Attributes))
	}
	tok, err := builder.Build()
	if err != nil {
		return nil, newError(ErrCodeInvalidClaims, err)
	}

	headers := jws.NewHeaders()
	if err := headers.Set(jws.TypeKey, "JWT"); err != nil {
		return nil, newError(ErrCodeInternal, err)
	}
	if kid := s.key.KeyID(); kid != "" {
		if err := headers.Set(jws.KeyIDKey, kid); err != nil {
			return nil, newError(ErrCodeInternal, err)
		}
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(s.key.alg, s.key.sign, jws.WithProtectedHeaders(headers)))
	if err != nil {
		return nil, newError(ErrCodeInternal, fmt.Errorf("sign token: %w", err))
	}

	s.logger.Debug("token_issued",
		zap.String("subject", claims.Subject),
		zap.String("token_id", tokenID),
		zap.Time("expires_at", claims.ExpiresAt),
	)
	return &Token{
		Value:     string(signed),
		Type:      TokenType,
		TokenID:   tokenID,
		ExpiresAt: claims.ExpiresAt,
		ExpiresIn: claims.TTL(),
	}, nil
}

// Validate checks a presented token and returns the claims it carries.
// Stages run in order: structure, signature, claims decoding, revocation,
// expiry. The first failing stage decides the error code.
func (s *Service) Validate(ctx context.Context, token string) (*Claims, error) {
	msg, err := parseStructure(token)
	if err != nil {
		return nil, err
	}
	if err := s.verifySignature(msg, token); err != nil {
		return nil, err
	}
	claims, err := s.decodeClaims(token)
	if err != nil {
		return nil, err
	}
	if err := s.checkRevoked(ctx, claims); err != nil {
		return nil, err
	}
	now := s.clock.Now()
	if !now.Before(claims.ExpiresAt.Add(s.leeway)) {
		return nil, newError(ErrCodeExpired, fmt.Errorf("expired at %s", claims.ExpiresAt.Format(time.RFC3339)))
	}
	return claims, nil
}

// Revoke denylists a valid token until it expires. Revoking an already
// revoked token is a no-op.
func (s *Service) Revoke(ctx context.Context, token string) error {
	if s.revocations == nil {
		return newError(ErrCodeInternal, errors.New("revocation not configured"))
	}
	claims, err := s.Validate(ctx, token)
	if err != nil {
		if IsCode(err, ErrCodeRevoked) {
			return nil
		}
		return err
	}
	if claims.TokenID == "" {
		return newError(ErrCodeMalformedClaims, errors.New("token has no id"))
	}
	if err := s.revocations.Revoke(ctx, claims.TokenID, claims.ExpiresAt); err != nil {
		return newError(ErrCodeInternal, fmt.Errorf("revoke token: %w", err))
	}
	s.logger.Info("token_revoked",
		zap.String("subject", claims.Subject),
		zap.String("token_id", claims.TokenID),
	)
	return nil
}

func parseStructure(token string) (*jws.Message, error) {
	if token == "" {
		return nil, newError(ErrCodeMalformedToken, errors.New("token is empty"))
	}
	segments := strings.Split(token, ".")
	if len(segments) != tokenSegments {
		return nil, newError(ErrCodeMalformedToken, fmt.Errorf("expected %d segments, got %d", tokenSegments, len(segments)))
	}
	for i, segment := range segments {
		if segment == "" {
			return nil, newError(ErrCodeMalformedToken, fmt.Errorf("segment %d is empty", i))
		}
		// Strict decoding rejects non-canonical trailing bits, so every
		// textual change to a segment changes its bytes.
		if _, err := base64.RawURLEncoding.Strict().DecodeString(segment); err != nil {
			return nil, newError(ErrCodeMalformedToken, fmt.Errorf("segment %d: %w", i, err))
		}
	}
	msg, err := jws.Parse([]byte(token))
	if err != nil {
		return nil, newError(ErrCodeMalformedToken, err)
	}
	if n := len(msg.Signatures()); n != 1 {
		return nil, newError(ErrCodeMalformedToken, fmt.Errorf("expected 1 signature, got %d", n))
	}
	return msg, nil
}

func (s *Service) verifySignature(msg *jws.Message, token string) error {
	if alg := msg.Signatures()[0].ProtectedHeaders().Algorithm(); alg != s.key.alg {
		return newError(ErrCodeInvalidSignature, fmt.Errorf("unexpected algorithm %q", alg))
	}
	if _, err := jws.Verify([]byte(token), jws.WithKey(s.key.alg, s.key.verify)); err != nil {
		return newError(ErrCodeInvalidSignature, err)
	}
	return nil
}

func (s *Service) decodeClaims(token string) (*Claims, error) {
	parsed, err := jwt.ParseInsecure([]byte(token))
	if err != nil {
		return nil, newError(ErrCodeMalformedClaims, err)
	}
	claims := &Claims{
		Subject:   parsed.Subject(),
		IssuedAt:  parsed.IssuedAt(),
		ExpiresAt: parsed.Expiration(),
		TokenID:   parsed.JwtID(),
		Issuer:    parsed.Issuer(),
	}
	switch {
	case claims.Subject == "":
		return nil, newError(ErrCodeMalformedClaims, errors.New("sub is missing"))
	case claims.IssuedAt.IsZero():
		return nil, newError(ErrCodeMalformedClaims, errors.New("iat is missing"))
	case claims.ExpiresAt.IsZero():
		return nil, newError(ErrCodeMalformedClaims, errors.New("exp is missing"))
	case !claims.ExpiresAt.After(claims.IssuedAt):
		return nil, newError(ErrCodeMalformedClaims, errors.New("exp is not after iat"))
	case s.issuer != "" && claims.Issuer != s.issuer:
		return nil, newError(ErrCodeMalformedClaims, fmt.Errorf("issuer mismatch: got %q, want %q", claims.Issuer, s.issuer))
	}
	if v, ok := parsed.Get(attributesClaim); ok {
		attrs, ok := v.(map[string]any)
		if !ok {
			return nil, newError(ErrCodeMalformedClaims, fmt.Errorf("%s must be an object, got %T", attributesClaim, v))
		}
		claims.Attributes = cloneAttributes(attrs)
	}
	return claims, nil
}

func (s *Service) checkRevoked(ctx context.Context, claims *Claims) error {
	if s.revocations == nil || claims.TokenID == "" {
		return nil
	}
	revoked, err := s.revocations.IsRevoked(ctx, claims.TokenID)
	if err != nil {
		return newError(ErrCodeInternal, fmt.Errorf("revocation lookup: %w", err))
	}
	if revoked {
		return newError(ErrCodeRevoked, fmt.Errorf("token %s revoked", claims.TokenID))
	}
	return nil
}
