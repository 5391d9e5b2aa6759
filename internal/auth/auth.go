// Package auth extracts the authenticated principal from a bearer JWT.
// Signature verification policy is supplied by the caller; this package
// only knows how to get a market.Principal out of a validated token.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/yitech/marketfeed/internal/market"
)

// ErrMissingToken is returned when neither the Authorization header nor
// the token query parameter carries a bearer token.
var ErrMissingToken = errors.New("auth: no bearer token presented")

// Authenticator parses and validates bearer tokens into principals.
type Authenticator struct {
	keyfunc jwt.Keyfunc
}

// New constructs an Authenticator. keyfunc supplies the verification key
// for a given token, the same collaborator golang-jwt's Parse functions
// expect; signature policy itself lives entirely outside this package.
func New(keyfunc jwt.Keyfunc) *Authenticator {
	return &Authenticator{keyfunc: keyfunc}
}

// FromRequest extracts the bearer token from r — the Authorization
// header if present, otherwise the "token" query parameter (browser
// EventSource clients cannot set custom headers) — and resolves it to a
// Principal.
func (a *Authenticator) FromRequest(r *http.Request) (market.Principal, error) {
	raw := bearerFromHeader(r.Header.Get("Authorization"))
	if raw == "" {
		raw = r.URL.Query().Get("token")
	}
	if raw == "" {
		return "", ErrMissingToken
	}
	return a.Principal(raw)
}

// Principal parses raw and returns its subject claim as a Principal.
func (a *Authenticator) Principal(raw string) (market.Principal, error) {
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, a.keyfunc)
	if err != nil {
		return "", fmt.Errorf("auth: parse token: %w", err)
	}
	if !token.Valid {
		return "", fmt.Errorf("auth: token is not valid")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("auth: token has no subject claim")
	}
	return market.Principal(sub), nil
}

func bearerFromHeader(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return header[len(prefix):]
	}
	return ""
}
