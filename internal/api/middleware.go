/**
 * @description
 * This file contains the authentication middleware for the HTTP router.
 * Admin callers authenticate with an HS256 bearer token whose claims carry
 * the admin's login and capability list; route groups then require a
 * specific capability before the handler runs, so the service layer itself
 * stays free of session and permission state.
 *
 * @dependencies
 * - context, net/http, strings: Standard Go libraries.
 * - github.com/golang-jwt/jwt/v5: JWT parsing and validation.
 */

package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Capabilities recognized by the admin API.
const (
	CapDonorsEdit = "donors:edit"
	CapDonorsView = "donors:view"
)

// actorContextKey is a custom type for context keys to avoid collisions.
type actorContextKey string

const (
	actorKey actorContextKey = "actor"
	capsKey  actorContextKey = "caps"
)

type authClaims struct {
	Capabilities []string `json:"caps"`
	jwt.RegisteredClaims
}

// AuthMiddleware validates the bearer token and stores the actor login and
// capability list on the request context.
func AuthMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}
			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
				return
			}

			claims := &authClaims{}
			token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				return []byte(secret), nil
			})
			if err != nil || !token.Valid {
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), actorKey, claims.Subject)
			ctx = context.WithValue(ctx, capsKey, claims.Capabilities)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireCapability rejects requests whose token does not carry the given
// capability.
func RequireCapability(capability string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caps, _ := r.Context().Value(capsKey).([]string)
			for _, c := range caps {
				if c == capability {
					next.ServeHTTP(w, r)
					return
				}
			}
			http.Error(w, "You do not have permission to manage donors", http.StatusForbidden)
		})
	}
}

// ActorFromContext returns the authenticated admin's login, or "" when the
// request was not authenticated.
func ActorFromContext(ctx context.Context) string {
	actor, _ := ctx.Value(actorKey).(string)
	return actor
}
