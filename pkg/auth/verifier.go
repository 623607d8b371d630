//
//  Copyright © Manetu Inc. All rights reserved.
//

package auth

import (
	"crypto/rsa"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/manetu/flowpilot/pkg/common"
)

// Tolerances for clock skew between token issuers and this service.
const (
	// Leeway applied to exp/nbf validation.
	clockLeeway = 10 * time.Second

	// Maximum distance an iat claim may sit in the future before the token
	// is rejected as forged or badly skewed.
	maxIssuedAtSkew = 60 * time.Second
)

// Claims is the claim set carried by FlowPilot tokens.
type Claims struct {
	jwt.RegisteredClaims

	// TokenType distinguishes minted access tokens from upstream identity
	// tokens.
	TokenType string `json:"token_type,omitempty"`

	// Azp carries the authorized party for service-account tokens, in which
	// case it identifies the calling service rather than a user.
	Azp string `json:"azp,omitempty"`
}

// Principal returns the identity the token speaks for: azp for service
// accounts, sub otherwise.
func (c *Claims) Principal() string {
	if c.Azp != "" {
		return c.Azp
	}
	return c.Subject
}

// Verifier validates RS256 bearer tokens against the configured issuer,
// audience, and public key.
type Verifier struct {
	key      *rsa.PublicKey
	issuer   string
	audience string
}

// NewVerifier creates a verifier. publicKey is PEM material or a file path.
func NewVerifier(publicKey, issuer, audience string) (*Verifier, error) {
	key, err := loadPublicKey(publicKey)
	if err != nil {
		return nil, err
	}
	return &Verifier{key: key, issuer: issuer, audience: audience}, nil
}

func invalidToken(cause error, msg string) error {
	return common.WrapError(common.KindUnauthenticated, "auth.invalid_token", cause, msg)
}

// Verify parses and validates a bearer token, returning its claims.
//
// Rejected: wrong signature or algorithm, wrong issuer or audience, expired
// tokens (with a small leeway), and tokens stamped more than a minute in the
// future.
func (v *Verifier) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (interface{}, error) { return v.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(clockLeeway),
	)
	if err != nil {
		return nil, invalidToken(err, "token validation failed")
	}

	if claims.Subject == "" {
		return nil, invalidToken(nil, "token has no subject")
	}
	if claims.IssuedAt == nil {
		return nil, invalidToken(nil, "token has no iat claim")
	}
	if claims.IssuedAt.After(time.Now().Add(maxIssuedAtSkew)) {
		return nil, invalidToken(nil, "token issued in the future")
	}
	return claims, nil
}
