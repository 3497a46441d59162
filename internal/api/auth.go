package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"wealthcore/internal/config"
)

var errNoToken = errors.New("api: missing bearer token")

// bearerToken extracts the JWT from the Authorization header, falling back
// to the token query parameter for browser WebSocket clients, which cannot
// set headers on the upgrade request.
func bearerToken(r *http.Request) (string, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			return "", errNoToken
		}
		return token, nil
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}
	return "", errNoToken
}

// Authenticator verifies HS256 bearer tokens issued by the platform's auth
// service. The subject claim is the user id.
type Authenticator struct {
	secret   []byte
	audience string
}

// NewAuthenticator builds the token verifier.
func NewAuthenticator(cfg config.AuthConfig) *Authenticator {
	return &Authenticator{secret: []byte(cfg.JWTSecret), audience: cfg.Audience}
}

// UserID verifies signature, expiry, and audience, and returns the token's
// subject.
func (a *Authenticator) UserID(tokenString string) (string, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if a.audience != "" {
		opts = append(opts, jwt.WithAudience(a.audience))
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("verify token: %w", err)
	}
	if claims.Subject == "" {
		return "", errors.New("verify token: empty subject")
	}
	return claims.Subject, nil
}
