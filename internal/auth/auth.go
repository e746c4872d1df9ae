// Package auth validates the opaque token a browser carries in the signal
// URL. Issuing tokens is someone else's job.
package auth

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/golang-jwt/jwt/v5"
)

const (
	ModeJWT  = "jwt"
	ModeNone = "none"
)

var (
	ErrMissingToken = errors.New("missing token")
	ErrInvalidToken = errors.New("invalid token")
)

// Identity is what the relay learns from a valid token. Used for logging only.
type Identity struct {
	Subject string
}

type Verifier interface {
	Verify(token string) (Identity, error)
}

func NewVerifier(mode, secret string) (Verifier, error) {
	switch mode {
	case ModeJWT:
		if secret == "" {
			return nil, errors.New("jwt auth mode needs jwt_secret")
		}
		return NewJWTVerifier(secret), nil
	case ModeNone, "":
		return AllowAll{}, nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", mode)
	}
}

func TokenFromQuery(q url.Values) (string, error) {
	if token := q.Get("token"); token != "" {
		return token, nil
	}
	return "", ErrMissingToken
}

// JWTVerifier accepts HS256 tokens signed with a shared secret and carrying an exp claim.
type JWTVerifier struct {
	secret []byte
	parser *jwt.Parser
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
		),
	}
}

func (v *JWTVerifier) Verify(token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrMissingToken
	}
	var claims jwt.RegisteredClaims
	_, err := v.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return Identity{Subject: claims.Subject}, nil
}

// AllowAll admits everyone. Only for local development.
type AllowAll struct{}

func (AllowAll) Verify(token string) (Identity, error) {
	return Identity{Subject: token}, nil
}
