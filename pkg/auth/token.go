// Package auth inspects the client keys handed to the control plane.
package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrTokenExpired = errors.New("token expired")
	ErrEmptyToken   = errors.New("empty token")
)

// Leeway absorbs clock skew between the client and the control plane.
const Leeway = 30 * time.Second

// Claims are the fields read from a client key. The signature is not
// verified here; the control plane does that.
type Claims struct {
	AgentID string `json:"agent_id,omitempty"`
	jwt.RegisteredClaims
}

// Parse decodes a bearer or basic token. Non-JWT keys (basic credentials,
// API keys) return nil claims and no error.
func Parse(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	token = strings.TrimPrefix(token, "Bearer ")
	if token == "" {
		return nil, ErrEmptyToken
	}
	if strings.Count(token, ".") != 2 {
		return nil, nil
	}

	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// CheckExpiry fails when a JWT key has expired at now.
func CheckExpiry(token string, now time.Time) error {
	claims, err := Parse(token)
	if err != nil {
		return err
	}
	if claims == nil || claims.ExpiresAt == nil {
		return nil
	}
	if now.After(claims.ExpiresAt.Time.Add(Leeway)) {
		return ErrTokenExpired
	}
	return nil
}
