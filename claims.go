package authx

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"
	"unicode"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

var claimsValidator = newClaimsValidator()

func newClaimsValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

// Claims is the session payload carried inside a token.
type Claims struct {
	Subject    string         `json:"subject" validate:"required"`
	Attributes map[string]any `json:"attributes,omitempty" validate:"-"`
	IssuedAt   time.Time      `json:"issued_at" validate:"required"`
	ExpiresAt  time.Time      `json:"expires_at" validate:"required,gtfield=IssuedAt"`
	TokenID    string         `json:"token_id,omitempty"`
	Issuer     string         `json:"issuer,omitempty"`
}

// NewClaims builds claims for subject that expire ttl from now.
func NewClaims(subject string, attributes map[string]any, ttl time.Duration) (*Claims, error) {
	return newClaims(systemClock, subject, attributes, ttl)
}

func newClaims(clock jwt.Clock, subject string, attributes map[string]any, ttl time.Duration) (*Claims, error) {
	if strings.TrimSpace(subject) == "" {
		return nil, newError(ErrCodeInvalidClaims, errors.New("subject is required"))
	}
	if ttl <= 0 {
		return nil, newError(ErrCodeInvalidClaims, fmt.Errorf("ttl must be positive, got %s", ttl))
	}
	now := truncateNow(clock)
	expiresAt := now.Add(ttl)
	// Sub-second TTLs would collapse onto IssuedAt at wire precision.
	if !expiresAt.Truncate(time.Second).After(now) {
		return nil, newError(ErrCodeInvalidClaims, fmt.Errorf("ttl %s is shorter than one second", ttl))
	}
	claims := &Claims{
		Subject:    subject,
		Attributes: cloneAttributes(attributes),
		IssuedAt:   now,
		ExpiresAt:  expiresAt.Truncate(time.Second),
		TokenID:    uuid.NewString(),
	}
	return claims, nil
}

// Validate checks that the claims may be embedded in a token.
func (c *Claims) Validate() error {
	if c == nil {
		return newError(ErrCodeInvalidClaims, errors.New("claims are nil"))
	}
	if err := claimsValidator.Struct(c); err != nil {
		return newError(ErrCodeInvalidClaims, describeValidation(err))
	}
	// The wire form carries whole seconds only.
	if !c.ExpiresAt.Truncate(time.Second).After(c.IssuedAt.Truncate(time.Second)) {
		return newError(ErrCodeInvalidClaims, errors.New("expires_at must be at least one second after issued_at"))
	}
	if len(c.Attributes) > 0 {
		if _, err := json.Marshal(c.Attributes); err != nil {
			return newError(ErrCodeInvalidClaims, fmt.Errorf("attributes: %w", err))
		}
	}
	return nil
}

// TTL returns the lifetime the claims were minted with.
func (c *Claims) TTL() time.Duration {
	return c.ExpiresAt.Sub(c.IssuedAt)
}

// Attribute returns the attribute stored under key.
func (c *Claims) Attribute(key string) (any, bool) {
	if c == nil || c.Attributes == nil {
		return nil, false
	}
	v, ok := c.Attributes[key]
	return v, ok
}

// StringAttribute returns the attribute under key when it is a string.
func (c *Claims) StringAttribute(key string) string {
	v, ok := c.Attribute(key)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func describeValidation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Field()
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, field+" is required")
		case "gtfield":
			msgs = append(msgs, fmt.Sprintf("%s must be after %s", field, snakeCase(fe.Param())))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s", field, fe.Tag()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}

func snakeCase(name string) string {
	var b strings.Builder
	for i, r := range name {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}

func cloneAttributes(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
