package rpc

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Auth decides who may call the node. With neither field set every
// request is accepted. A request passes if its bearer credential equals
// Token or is an HS256 JWT signed with JWTSecret.
type Auth struct {
	Token     string
	JWTSecret string
}

// Enabled reports whether any credential is required.
func (a Auth) Enabled() bool { return a.Token != "" || a.JWTSecret != "" }

var errNoCredential = errors.New("missing bearer credential")

// Check validates the credential carried by r. Browsers cannot set headers
// on a websocket handshake, so ?token= is accepted as a fallback.
func (a Auth) Check(r *http.Request) error {
	if !a.Enabled() {
		return nil
	}
	cred := ""
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			return errors.New("invalid authorization format")
		}
		cred = parts[1]
	} else {
		cred = r.URL.Query().Get("token")
	}
	if cred == "" {
		return errNoCredential
	}
	if a.Token != "" && subtle.ConstantTimeCompare([]byte(cred), []byte(a.Token)) == 1 {
		return nil
	}
	if a.JWTSecret == "" {
		return errors.New("invalid token")
	}
	_, err := a.parse(cred)
	return err
}

func (a Auth) parse(cred string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(cred, claims, func(*jwt.Token) (any, error) {
		return []byte(a.JWTSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("invalid jwt: %w", err)
	}
	return claims, nil
}

// IssueToken mints an HS256 token for subject valid for ttl.
func IssueToken(secret, subject string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret not configured")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
