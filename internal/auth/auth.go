// Package auth verifies the bearer tokens issued by the account service and
// extracts the owner identity the storage routes act for.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"quotadrive/internal/config"
)

var (
	ErrMissingToken = errors.New("no authorization header")
	ErrInvalidToken = errors.New("invalid token")
)

// Identity is the verified caller.
type Identity struct {
	OwnerID string
	Tier    string
}

type claims struct {
	jwt.RegisteredClaims
	Tier string `json:"tier"`
}

// Verifier checks HS256 tokens signed with a shared secret.
type Verifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

func NewVerifier(cfg config.AuthConfig) (*Verifier, error) {
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}
	return &Verifier{
		secret: []byte(cfg.JWTSecret),
		issuer: cfg.Issuer,
		now:    time.Now,
	}, nil
}

// VerifyToken reads the bearer token of r. The subject is the owner id; the
// tier claim may be empty, in which case the default tier applies.
func (v *Verifier) VerifyToken(r *http.Request) (Identity, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return Identity{}, ErrMissingToken
	}

	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return Identity{}, fmt.Errorf("%w: expected bearer token", ErrInvalidToken)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	var parsed claims
	_, err := jwt.ParseWithClaims(strings.TrimSpace(token), &parsed, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if strings.TrimSpace(parsed.Subject) == "" {
		return Identity{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	return Identity{OwnerID: parsed.Subject, Tier: parsed.Tier}, nil
}

// Sign issues a token for id valid for ttl. Used by tooling and tests.
func (v *Verifier) Sign(id Identity, ttl time.Duration) (string, error) {
	now := v.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.OwnerID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Tier: id.Tier,
	})
	return token.SignedString(v.secret)
}
