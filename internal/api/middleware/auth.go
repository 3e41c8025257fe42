package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	apiContext "courier/internal/api/context"
	"courier/internal/pkg/errors"
	"courier/internal/platform/audit"
	"courier/internal/platform/auth"
)

// Auditor records rejected credentials.
type Auditor interface {
	CreateAuditLog(ctx context.Context, in audit.CreateInput) (*audit.Entry, error)
}

type AuthMiddleware struct {
	tokenSvc *auth.TokenService
	auditor  Auditor
}

// NewAuthMiddleware builds the bearer token check. auditor may be nil.
func NewAuthMiddleware(tokenSvc *auth.TokenService, auditor Auditor) *AuthMiddleware {
	return &AuthMiddleware{tokenSvc: tokenSvc, auditor: auditor}
}

func (m *AuthMiddleware) Handle(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			errors.WriteError(w, http.StatusUnauthorized, errors.ErrCodeUnauthorized, "Missing authorization header", nil)
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			m.reject(r, "malformed authorization header")
			errors.WriteError(w, http.StatusUnauthorized, errors.ErrCodeUnauthorized, "Invalid authorization header format", nil)
			return
		}

		claims, err := m.tokenSvc.ValidateToken(parts[1])
		if err != nil {
			m.reject(r, err.Error())
			errors.WriteError(w, http.StatusUnauthorized, errors.ErrCodeUnauthorized, "Invalid or expired token", nil)
			return
		}

		ctx := context.WithValue(r.Context(), apiContext.Claims, claims)
		ctx = audit.WithActor(ctx, claims.UserID)
		next(w, r.WithContext(ctx))
	}
}

func (m *AuthMiddleware) reject(r *http.Request, reason string) {
	log.Warn().Str("path", r.URL.Path).Str("remote_addr", r.RemoteAddr).Str("reason", reason).Msg("authentication failed")
	if m.auditor == nil {
		return
	}
	meta, _ := json.Marshal(map[string]string{
		"path":        r.URL.Path,
		"remote_addr": r.RemoteAddr,
		"user_agent":  r.UserAgent(),
	})
	_, err := m.auditor.CreateAuditLog(r.Context(), audit.CreateInput{
		EventType:   audit.EventAuthFailure,
		Action:      "authenticate",
		Description: "Rejected API credentials: " + reason,
		Metadata:    meta,
		Tags:        []string{"auth"},
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to audit authentication failure")
	}
}

// ClaimsFrom returns the verified claims set by AuthMiddleware.
func ClaimsFrom(ctx context.Context) *auth.Claims {
	claims, _ := ctx.Value(apiContext.Claims).(*auth.Claims)
	return claims
}

// RequireRole rejects callers whose role is not in roles.
func RequireRole(roles ...string) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFrom(r.Context())

			allowed := false
			for _, role := range roles {
				if claims != nil && claims.Role == role {
					allowed = true
					break
				}
			}

			if !allowed {
				errors.WriteError(w, http.StatusForbidden, errors.ErrCodeForbidden, "Insufficient permissions", nil)
				return
			}

			next(w, r)
		}
	}
}
