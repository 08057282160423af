// Package auth is the identity gate: it verifies the bearer credential
// presented at connection establishment and yields the user identity bound
// to the connection. No messaging operation runs without that binding.
package auth

import (
	"crypto/rsa"
	"fmt"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fathima-sithara/messaging-core/internal/apperr"
)

type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// Identity is the authenticated-context value threaded explicitly into
// handlers; it is never attached to an ambient request object.
type Identity struct {
	UserID string
}

type Validator struct {
	alg    string
	secret []byte
	pub    *rsa.PublicKey
}

func NewHS256Validator(secret string) (*Validator, error) {
	if secret == "" {
		return nil, fmt.Errorf("hs256 secret is empty")
	}
	return &Validator{alg: "HS256", secret: []byte(secret)}, nil
}

func NewRS256Validator(pubKeyPath string) (*Validator, error) {
	b, err := os.ReadFile(pubKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	pub, err := jwt.ParseRSAPublicKeyFromPEM(b)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	return &Validator{alg: "RS256", pub: pub}, nil
}

// ParseBearer extracts the token from an Authorization header value.
func ParseBearer(header string) (string, error) {
	if header == "" {
		return "", fmt.Errorf("%w: authorization header empty", apperr.ErrUnauthorized)
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", fmt.Errorf("%w: malformed authorization header", apperr.ErrUnauthorized)
	}
	return parts[1], nil
}

// Validate verifies signature and expiry and returns the bound identity.
// Every failure path maps to apperr.ErrUnauthorized; the connection carrying
// the bad credential is not admitted.
func (v *Validator) Validate(tokenStr string) (Identity, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		switch v.alg {
		case "HS256":
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return v.secret, nil
		case "RS256":
			if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return v.pub, nil
		default:
			return nil, fmt.Errorf("unsupported algorithm %q", v.alg)
		}
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", apperr.ErrUnauthorized, err)
	}
	if !token.Valid || claims.UserID == "" {
		return Identity{}, fmt.Errorf("%w: invalid claims", apperr.ErrUnauthorized)
	}
	return Identity{UserID: claims.UserID}, nil
}
