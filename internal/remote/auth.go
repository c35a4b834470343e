package remote

import (
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenSource yields the bearer credential for a backend.
type TokenSource interface {
	Token(baseURL string) (string, error)
}

// StaticToken sends the same shared token to every backend.
type StaticToken string

func (t StaticToken) Token(string) (string, error) {
	return string(t), nil
}

const defaultTokenTTL = 5 * time.Minute

// JWTSigner mints a short-lived HS256 token per call, scoped to the backend host.
// The zero TTL means five minutes.
type JWTSigner struct {
	Secret []byte
	Issuer string
	TTL    time.Duration
	now    func() time.Time
}

// NewJWTSigner builds a signer; ttl defaults to five minutes.
func NewJWTSigner(secret, issuer string, ttl time.Duration) *JWTSigner {
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return &JWTSigner{Secret: []byte(secret), Issuer: issuer, TTL: ttl, now: time.Now}
}

func (s *JWTSigner) Token(baseURL string) (string, error) {
	now := time.Now()
	if s.now != nil {
		now = s.now()
	}
	ttl := s.TTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	claims := jwt.RegisteredClaims{
		Issuer:    s.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	if u, err := url.Parse(baseURL); err == nil && u.Host != "" {
		claims.Audience = jwt.ClaimStrings{u.Host}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.Secret)
}
