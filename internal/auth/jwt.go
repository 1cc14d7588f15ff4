package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"math/big"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/modelrelay/relay/internal/config"
)

// Signer mints RS256 ID tokens and publishes the verification key as JWKS.
// The keypair is generated at startup; ID tokens are advisory identity
// assertions, so key rotation across restarts is acceptable.
//
// The signer also verifies HS256 service JWTs minted by trusted backends
// sharing the configured secret.
type Signer struct {
	cfg    config.JWT
	key    *rsa.PrivateKey
	keyID  string
	issuer string
}

// NewSigner generates the signing keypair.
func NewSigner(cfg config.JWT, issuer string) (*Signer, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	if cfg.Issuer != "" {
		issuer = cfg.Issuer
	}
	return &Signer{
		cfg:    cfg,
		key:    key,
		keyID:  newOpaqueToken("kid")[:20],
		issuer: issuer,
	}, nil
}

// MintIDToken issues an OIDC ID token for the given subject.
func (s *Signer) MintIDToken(sub, email, audience string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"iss": s.issuer,
		"sub": sub,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if email != "" {
		claims["email"] = email
	}
	if audience != "" {
		claims["aud"] = audience
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = s.keyID
	return tok.SignedString(s.key)
}

// ServiceClaims are the fields the gateway reads from a trusted HS256 JWT.
type ServiceClaims struct {
	Scopes []string `json:"scopes"`
	Email  string   `json:"email"`
	jwt.RegisteredClaims
}

// ParseServiceJWT verifies an HS256 token against the shared secret and
// returns its claims. Expiry and issuer/audience (when configured) are
// enforced by the parser.
func (s *Signer) ParseServiceJWT(raw string) (*ServiceClaims, error) {
	if s.cfg.Secret == "" {
		return nil, fmt.Errorf("service JWTs are not configured")
	}
	var opts []jwt.ParserOption
	opts = append(opts, jwt.WithValidMethods([]string{"HS256"}))
	if s.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.cfg.Issuer))
	}
	if s.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(s.cfg.Audience))
	}
	claims := &ServiceClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return []byte(s.cfg.Secret), nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// JWKS renders the public verification key as an RFC 7517 key set.
func (s *Signer) JWKS() map[string]any {
	pub := s.key.Public().(*rsa.PublicKey)
	return map[string]any{
		"keys": []map[string]any{{
			"kty": "RSA",
			"use": "sig",
			"alg": "RS256",
			"kid": s.keyID,
			"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		}},
	}
}
