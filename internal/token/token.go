// Package token mints and verifies the short-lived access tokens returned
// by a successful authentication ceremony.
package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/golang-jwt/jwt/v5"
	"github.com/keyfold/keyfold/internal/identity"
	"github.com/keyfold/keyfold/internal/platform/id"
)

// ErrInvalidToken indicates a token that failed signature or claim checks.
var ErrInvalidToken = errors.New("invalid access token")

// Config controls access token issuance.
type Config struct {
	Secret string        `env:"KEYFOLD_TOKEN_SECRET"`
	Issuer string        `env:"KEYFOLD_TOKEN_ISSUER" envDefault:"keyfold"`
	TTL    time.Duration `env:"KEYFOLD_TOKEN_TTL"    envDefault:"30m"`
}

// LoadConfigFromEnv returns token configuration with defaults. The secret
// has no default: issuance stays disabled until one is configured.
func LoadConfigFromEnv() Config {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{Issuer: "keyfold", TTL: 30 * time.Minute}
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Minute
	}
	if strings.TrimSpace(cfg.Issuer) == "" {
		cfg.Issuer = "keyfold"
	}
	return cfg
}

// Claims is the decoded payload of an access token.
type Claims struct {
	Handle string `json:"handle"`
	jwt.RegisteredClaims
}

// Issuer mints HMAC-signed access tokens for verified identities.
type Issuer struct {
	secret      []byte
	issuer      string
	ttl         time.Duration
	clock       func() time.Time
	idGenerator func() (string, error)
}

// NewIssuer builds an issuer from config. A missing secret returns a nil
// issuer, which mints nothing; callers treat that as "tokens disabled".
func NewIssuer(cfg Config) *Issuer {
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		return nil
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Issuer{
		secret:      []byte(secret),
		issuer:      cfg.Issuer,
		ttl:         ttl,
		clock:       time.Now,
		idGenerator: id.NewID,
	}
}

// TTL returns the configured token lifetime.
func (i *Issuer) TTL() time.Duration {
	if i == nil {
		return 0
	}
	return i.ttl
}

// Mint returns a signed access token for the identity. A nil issuer returns
// an empty token without error so ceremonies keep working with tokens
// disabled.
func (i *Issuer) Mint(subject identity.Identity) (string, error) {
	if i == nil {
		return "", nil
	}
	jti, err := i.idGenerator()
	if err != nil {
		return "", fmt.Errorf("generate token id: %w", err)
	}
	now := i.clock().UTC()
	claims := Claims{
		Handle: subject.Handle,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   subject.ID,
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token, returning its claims.
func (i *Issuer) Verify(value string) (Claims, error) {
	if i == nil {
		return Claims{}, ErrInvalidToken
	}
	var claims Claims
	parsed, err := jwt.ParseWithClaims(value, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithIssuer(i.issuer), jwt.WithTimeFunc(func() time.Time { return i.clock() }))
	if err != nil || !parsed.Valid {
		return Claims{}, ErrInvalidToken
	}
	return claims, nil
}
