package gateway

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Issuer is the iss claim of gateway tokens.
const Issuer = "regionsync"

// DefaultTokenTTL is the lifetime of minted tokens.
const DefaultTokenTTL = 24 * time.Hour

// ErrInvalidToken is returned for tokens that fail verification.
var ErrInvalidToken = errors.New("invalid gateway token")

// Claims are the claims of a gateway token. The subject is the principal
// that object mutations are attributed to.
type Claims struct {
	jwt.RegisteredClaims
}

// Tokens mints and verifies HMAC-signed gateway tokens.
type Tokens struct {
	secret []byte
	now    func() time.Time
}

// NewTokens creates a token codec for secret.
func NewTokens(secret string) (*Tokens, error) {
	if secret == "" {
		return nil, errors.New("gateway secret is empty")
	}
	return &Tokens{secret: []byte(secret), now: time.Now}, nil
}

// Mint issues a token for principal valid for ttl.
func (t *Tokens) Mint(principal string, ttl time.Duration) (string, error) {
	if principal == "" {
		return "", errors.New("principal is required")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	now := t.now()
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    Issuer,
		Subject:   principal,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks a token and returns its principal.
func (t *Tokens) Verify(token string) (string, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims.Subject, nil
}
