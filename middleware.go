package authx

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/lestrrat-go/jwx/v2/jwt"
	"go.uber.org/zap"
)

type middlewareOptions struct {
	logger    *zap.Logger
	devBypass *DevBypassClaims
	clock     jwt.Clock
}

// MiddlewareOption customizes Middleware.
type MiddlewareOption func(*middlewareOptions)

// WithMiddlewareLogger sets the logger used for authentication failures.
func WithMiddlewareLogger(logger *zap.Logger) MiddlewareOption {
	return func(o *middlewareOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithDevBypass admits requests without a token as the given synthetic caller.
// Requests that do present a token are still validated.
func WithDevBypass(claims DevBypassClaims) MiddlewareOption {
	return func(o *middlewareOptions) {
		o.devBypass = &claims
	}
}

// WithMiddlewareClock sets the time source for dev bypass callers.
func WithMiddlewareClock(clock jwt.Clock) MiddlewareOption {
	return func(o *middlewareOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// Middleware authenticates requests carrying "Authorization: Bearer <token>"
// and binds the caller into the request context. Failures answer 401.
func Middleware(validator TokenValidator, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	o := middlewareOptions{logger: zap.NewNop(), clock: systemClock}
	for _, opt := range opts {
		opt(&o)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				if o.devBypass != nil {
					ctx := BindCallerClaims(r.Context(), o.devBypass.ToCallerClaims(o.clock.Now()))
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
				respondUnauthorized(w, "Missing Authorization header", "")
				return
			}

			token, ok := bearerToken(authHeader)
			if !ok {
				respondUnauthorized(w, "Invalid Authorization header format", ErrCodeMalformedToken)
				return
			}

			claims, err := validator.Validate(r.Context(), token)
			if err != nil {
				code := CodeOf(err)
				logFailure(o.logger, r, code, err)
				if code == "" {
					code = ErrCodeInternal
				}
				if code == ErrCodeInternal {
					respondError(w, http.StatusInternalServerError, "Authentication unavailable", code)
					return
				}
				respondUnauthorized(w, unauthorizedMessage(code), code)
				return
			}

			ctx := BindCallerClaims(r.Context(), CallerClaims{Claims: claims, Token: token})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// BearerToken extracts the token from a request's Authorization header.
func BearerToken(r *http.Request) (string, bool) {
	return bearerToken(r.Header.Get("Authorization"))
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, TokenType) {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func logFailure(logger *zap.Logger, r *http.Request, code ErrorCode, err error) {
	fields := []zap.Field{
		zap.String("code", string(code)),
		zap.String("path", r.URL.Path),
		zap.String("remote_addr", r.RemoteAddr),
		zap.Error(err),
	}
	switch code {
	case ErrCodeInvalidSignature:
		logger.Warn("token_signature_invalid", fields...)
	case ErrCodeRevoked:
		logger.Warn("token_revoked_presented", fields...)
	case ErrCodeExpired:
		logger.Debug("token_expired", fields...)
	case ErrCodeInternal, "":
		logger.Error("token_validation_failed", fields...)
	default:
		logger.Info("token_rejected", fields...)
	}
}

func unauthorizedMessage(code ErrorCode) string {
	if code == ErrCodeExpired {
		return "Token expired"
	}
	return "Invalid token"
}

func respondUnauthorized(w http.ResponseWriter, message string, code ErrorCode) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="citydash"`)
	respondError(w, http.StatusUnauthorized, message, code)
}

func respondError(w http.ResponseWriter, status int, message string, code ErrorCode) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	response := map[string]any{
		"success": false,
		"error":   message,
	}
	if code != "" {
		response["code"] = code
	}
	_ = json.NewEncoder(w).Encode(response)
}
