package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	authx "github.com/bionicotaku/citydash-authx"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/ulule/limiter/v3"
	stdlibmw "github.com/ulule/limiter/v3/drivers/middleware/stdlib"
	"go.uber.org/zap"
)

const maxRequestBody = 64 << 10

// apiDeps is everything the demo API needs to serve requests.
type apiDeps struct {
	cfg          *authx.Config
	service      *authx.Service
	limiterStore limiter.Store
	health       func(ctx context.Context) error
	logger       *zap.Logger
}

type issueRequest struct {
	Subject    string         `json:"subject"`
	Attributes map[string]any `json:"attributes,omitempty"`
	TTLSeconds int64          `json:"ttl_seconds,omitempty"`
}

type meResponse struct {
	Subject    string         `json:"subject"`
	Attributes map[string]any `json:"attributes,omitempty"`
	IssuedAt   time.Time      `json:"issued_at"`
	ExpiresAt  time.Time      `json:"expires_at"`
	DevBypass  bool           `json:"dev_bypass,omitempty"`
}

type healthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// newRouter wires the auth routes.
//
//	GET  /healthz
//	POST /api/v1/auth/token   (dev_issue only, rate limited)
//	GET  /api/v1/auth/me      (authenticated)
//	POST /api/v1/auth/revoke  (authenticated)
func newRouter(deps apiDeps) (http.Handler, error) {
	if deps.logger == nil {
		deps.logger = zap.NewNop()
	}
	r := mux.NewRouter()

	origins := deps.cfg.Server.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowCredentials: true,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
	})
	r.Use(c.Handler)
	r.Use(requestTimeout(deps.cfg.Server.RequestTimeout))

	r.HandleFunc("/healthz", healthHandler(deps)).Methods(http.MethodGet)

	authRouter := r.PathPrefix("/api/v1/auth").Subrouter()

	if deps.cfg.Server.DevIssue {
		rate, err := limiter.NewRateFromFormatted(deps.cfg.Server.IssueRate)
		if err != nil {
			return nil, fmt.Errorf("invalid issue rate %q: %w", deps.cfg.Server.IssueRate, err)
		}
		rateLimit := stdlibmw.NewMiddleware(limiter.New(deps.limiterStore, rate))
		authRouter.Handle("/token", rateLimit.Handler(issueHandler(deps))).Methods(http.MethodPost)
	}

	mwOpts := []authx.MiddlewareOption{authx.WithMiddlewareLogger(deps.logger)}
	if deps.cfg.Server.DevBypass {
		mwOpts = append(mwOpts, authx.WithDevBypass(authx.DefaultDevBypassClaims()))
	}
	protected := authRouter.PathPrefix("").Subrouter()
	protected.Use(authx.Middleware(deps.service, mwOpts...))
	protected.HandleFunc("/me", meHandler).Methods(http.MethodGet)
	protected.HandleFunc("/revoke", revokeHandler(deps)).Methods(http.MethodPost)

	r.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return r, nil
}

func healthHandler(deps apiDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := healthResponse{
			Status:    "healthy",
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}
		status := http.StatusOK
		if deps.health != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
			defer cancel()
			if err := deps.health(ctx); err != nil {
				deps.logger.Warn("health_check_failed", zap.Error(err))
				response.Status = "unhealthy"
				response.Checks = map[string]string{"revocation_store": "unhealthy"}
				status = http.StatusServiceUnavailable
			} else {
				response.Checks = map[string]string{"revocation_store": "healthy"}
			}
		}
		writeResponse(w, status, response)
	}
}

func issueHandler(deps apiDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req issueRequest
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			respondAPIError(w, http.StatusBadRequest, "Invalid request body", authx.ErrCodeInvalidClaims)
			return
		}

		ttl := issueTTL(req.TTLSeconds, deps.cfg.Service.MaxTTL)
		token, err := deps.service.IssueFor(strings.TrimSpace(req.Subject), req.Attributes, ttl)
		if err != nil {
			if authx.IsCode(err, authx.ErrCodeInvalidClaims) {
				respondAPIError(w, http.StatusBadRequest, err.Error(), authx.ErrCodeInvalidClaims)
				return
			}
			deps.logger.Error("token_issue_failed", zap.Error(err))
			respondAPIError(w, http.StatusInternalServerError, "Failed to issue token", authx.CodeOf(err))
			return
		}
		deps.logger.Info("dev_token_issued",
			zap.String("subject", req.Subject),
			zap.String("token_id", token.TokenID),
			zap.String("remote_addr", r.RemoteAddr),
		)
		respondAPI(w, http.StatusOK, newTokenResponse(token))
	}
}

// issueTTL converts a requested lifetime in seconds, capped at maxTTL. The cap
// is applied before conversion so large values cannot overflow.
func issueTTL(seconds int64, maxTTL time.Duration) time.Duration {
	if maxTTL > 0 && seconds > int64(maxTTL/time.Second) {
		return maxTTL
	}
	if limit := int64(math.MaxInt64 / int64(time.Second)); seconds > limit {
		seconds = limit
	} else if seconds < -limit {
		seconds = -limit
	}
	return time.Duration(seconds) * time.Second
}

func meHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := authx.CallerClaimsFromContext(r.Context())
	if !ok || caller.Claims == nil {
		respondAPIError(w, http.StatusUnauthorized, "Unauthorized", "")
		return
	}
	respondAPI(w, http.StatusOK, meResponse{
		Subject:    caller.Claims.Subject,
		Attributes: caller.Claims.Attributes,
		IssuedAt:   caller.Claims.IssuedAt,
		ExpiresAt:  caller.Claims.ExpiresAt,
		DevBypass:  caller.DevBypass,
	})
}

func revokeHandler(deps apiDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := authx.CallerClaimsFromContext(r.Context())
		if !ok || caller.Token == "" {
			respondAPIError(w, http.StatusBadRequest, "No session token to revoke", "")
			return
		}
		if err := deps.service.Revoke(r.Context(), caller.Token); err != nil {
			code := authx.CodeOf(err)
			if code == authx.ErrCodeInternal || code == "" {
				deps.logger.Error("token_revoke_failed", zap.Error(err))
				respondAPIError(w, http.StatusInternalServerError, "Failed to revoke token", authx.ErrCodeInternal)
				return
			}
			respondAPIError(w, http.StatusUnauthorized, "Invalid token", code)
			return
		}
		respondAPI(w, http.StatusOK, map[string]string{"status": "revoked"})
	}
}

// requestTimeout bounds the lifetime of each request context.
func requestTimeout(timeout time.Duration) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		if timeout <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func respondAPI(w http.ResponseWriter, status int, data any) {
	writeResponse(w, status, map[string]any{
		"success":   true,
		"data":      data,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func respondAPIError(w http.ResponseWriter, status int, message string, code authx.ErrorCode) {
	response := map[string]any{
		"success": false,
		"error":   message,
	}
	if code != "" {
		response["code"] = code
	}
	writeResponse(w, status, response)
}

func writeResponse(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}
