// Package auth handles the bearer credential shared by the sync client and
// the reference server. Issuing and refreshing real credentials is left to
// an external identity provider; Signer exists for the reference server and
// local development.
package auth

import (
	"errors"
	"fmt"
	"time"

	"canvas-sync/core"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// AppClaims are the claims carried by a canvas bearer token. The subject is
// the user ID.
type AppClaims struct {
	jwt.RegisteredClaims
	Name string `json:"name,omitempty"`
}

type Signer struct {
	secret []byte
	ttl    time.Duration
}

func NewSigner(secret []byte, ttl time.Duration) *Signer {
	return &Signer{secret: secret, ttl: ttl}
}

func (s *Signer) Issue(userID, name string) (string, error) {
	now := time.Now()
	claims := AppClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
		Name: name,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

func (s *Signer) Parse(tokenString string) (*AppClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &AppClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrAuth, err)
	}

	claims, ok := token.Claims.(*AppClaims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, fmt.Errorf("%w: invalid token", core.ErrAuth)
	}
	return claims, nil
}

// UnverifiedClaims reads the claims of a token without checking its
// signature. Clients use it to learn their own user ID.
func UnverifiedClaims(tokenString string) (*AppClaims, error) {
	claims := &AppClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrAuth, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: token has no subject", core.ErrAuth)
	}
	return claims, nil
}

var errExpired = errors.New("credential expired")

// TokenSource serves a fixed bearer token until it expires. The expiry is
// taken from the token's exp claim when it has one; after that Token fails
// with core.ErrAuth instead of handing out a token the server will refuse.
func TokenSource(token string) oauth2.TokenSource {
	tok := &oauth2.Token{AccessToken: token, TokenType: "Bearer"}
	if claims, err := UnverifiedClaims(token); err == nil && claims.ExpiresAt != nil {
		tok.Expiry = claims.ExpiresAt.Time
	}
	return oauth2.ReuseTokenSource(tok, expiredSource{})
}

type expiredSource struct{}

func (expiredSource) Token() (*oauth2.Token, error) {
	return nil, fmt.Errorf("%w: %w", core.ErrAuth, errExpired)
}
