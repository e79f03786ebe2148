/**
 * @description
 * This file contains custom middleware for the HTTP router: reviewer authentication with
 * JWTs signed by the identity provider, the shared-key guard for internal endpoints, and
 * structured request logging.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: token parsing and signature validation.
 * - github.com/go-chi/chi/v5/middleware: response wrapping and request ids.
 */

package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SecurityGroup is the group a reviewer must belong to.
const SecurityGroup = "Security"

type contextKey string

const reviewerContextKey = contextKey("reviewer")

// Reviewer is the authenticated user making a request.
type Reviewer struct {
	ID     uuid.UUID
	Groups []string
}

// InGroup reports whether the reviewer belongs to group.
func (r Reviewer) InGroup(group string) bool {
	for _, g := range r.Groups {
		if g == group {
			return true
		}
	}
	return false
}

// AuthConfig controls which tokens JWTAuthMiddleware accepts.
type AuthConfig struct {
	Keys     KeySource
	Audience string
	Issuer   string
}

// JWTAuthMiddleware validates RS256 bearer tokens and stores the Reviewer in the request
// context. The sub claim must be the reviewer's UUID.
func JWTAuthMiddleware(cfg AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "Authorization header required")
				return
			}

			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				writeError(w, http.StatusUnauthorized, "Invalid Authorization header format")
				return
			}

			var opts []jwt.ParserOption
			if cfg.Audience != "" {
				opts = append(opts, jwt.WithAudience(cfg.Audience))
			}
			if cfg.Issuer != "" {
				opts = append(opts, jwt.WithIssuer(cfg.Issuer))
			}

			claims := jwt.MapClaims{}
			token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				kid, ok := token.Header["kid"].(string)
				if !ok {
					return nil, fmt.Errorf("kid not found in token header")
				}
				return cfg.Keys.Key(r.Context(), kid)
			}, opts...)
			if err != nil || !token.Valid {
				writeError(w, http.StatusUnauthorized, "Invalid token")
				return
			}

			sub, err := claims.GetSubject()
			if err != nil || sub == "" {
				writeError(w, http.StatusUnauthorized, "User ID not found in token")
				return
			}
			userID, err := uuid.Parse(sub)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "Invalid user ID in token")
				return
			}

			reviewer := Reviewer{ID: userID, Groups: stringsClaim(claims["groups"])}
			ctx := context.WithValue(r.Context(), reviewerContextKey, reviewer)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireGroup rejects authenticated reviewers outside group.
func RequireGroup(group string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reviewer, ok := ReviewerFromContext(r.Context())
			if !ok || !reviewer.InGroup(group) {
				writeError(w, http.StatusForbidden, "You do not have permission to perform this action.")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// InternalAuthMiddleware guards server-to-server endpoints with a shared key. An empty key
// disables the endpoints entirely.
func InternalAuthMiddleware(requiredKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if requiredKey == "" {
				writeError(w, http.StatusServiceUnavailable, "Internal endpoints are disabled")
				return
			}
			provided := r.Header.Get("X-Internal-API-Key")
			if provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(requiredKey)) != 1 {
				writeError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestLogger logs one line per request.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			started := time.Now()
			next.ServeHTTP(ww, r)
			logger.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("elapsed", time.Since(started)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

// ReviewerFromContext returns the reviewer stored by JWTAuthMiddleware.
func ReviewerFromContext(ctx context.Context) (Reviewer, bool) {
	reviewer, ok := ctx.Value(reviewerContextKey).(Reviewer)
	return reviewer, ok
}

// WithReviewer returns a context carrying reviewer.
func WithReviewer(ctx context.Context, reviewer Reviewer) context.Context {
	return context.WithValue(ctx, reviewerContextKey, reviewer)
}

func stringsClaim(v interface{}) []string {
	switch value := v.(type) {
	case []interface{}:
		out := make([]string, 0, len(value))
		for _, item := range value {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return value
	case string:
		return []string{value}
	}
	return nil
}
