package middleware

import (
	"context"
	"net/http"
	"strings"

	"canvas-sync/auth"

	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"
)

type contextKey string

const ClaimsContextKey = contextKey("claims")

// AuthJWT requires a valid bearer token. Browsers cannot set headers on a
// websocket handshake, so a token query parameter is accepted as well.
func AuthJWT(signer *auth.Signer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := r.URL.Query().Get("token")

			if authHeader := r.Header.Get("Authorization"); authHeader != "" {
				parts := strings.Split(authHeader, " ")
				if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
					render.Status(r, http.StatusUnauthorized)
					render.JSON(w, r, map[string]string{"error": "Authorization header format must be Bearer {token}"})
					return
				}
				tokenString = parts[1]
			}

			if tokenString == "" {
				render.Status(r, http.StatusUnauthorized)
				render.JSON(w, r, map[string]string{"error": "Authorization header is required"})
				return
			}

			claims, err := signer.Parse(tokenString)
			if err != nil {
				logrus.WithError(err).Debug("Rejected bearer token")
				render.Status(r, http.StatusUnauthorized)
				render.JSON(w, r, map[string]string{"error": "Invalid token"})
				return
			}

			ctx := context.WithValue(r.Context(), ClaimsContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Claims returns the claims stored by AuthJWT, or nil.
func Claims(ctx context.Context) *auth.AppClaims {
	claims, _ := ctx.Value(ClaimsContextKey).(*auth.AppClaims)
	return claims
}
