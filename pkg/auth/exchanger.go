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

// TokenTypeAccess marks tokens minted by the exchange endpoint.
const TokenTypeAccess = "access"

// Exchanger mints short-lived FlowPilot access tokens for subjects whose
// upstream identity has already been verified.
type Exchanger struct {
	key      *rsa.PrivateKey
	issuer   string
	audience string
	expiry   time.Duration
}

// NewExchanger creates an exchanger. signingKey is PEM material or a file
// path; expirySeconds <= 0 falls back to 15 minutes.
func NewExchanger(signingKey, issuer, audience string, expirySeconds int) (*Exchanger, error) {
	key, err := loadPrivateKey(signingKey)
	if err != nil {
		return nil, err
	}
	if expirySeconds <= 0 {
		expirySeconds = 900
	}
	return &Exchanger{
		key:      key,
		issuer:   issuer,
		audience: audience,
		expiry:   time.Duration(expirySeconds) * time.Second,
	}, nil
}

// Mint signs a fresh access token for subject, returning the token and its
// expiry.
func (e *Exchanger) Mint(subject string) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(e.expiry)

	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    e.issuer,
			Audience:  jwt.ClaimStrings{e.audience},
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		TokenType: TokenTypeAccess,
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(e.key)
	if err != nil {
		return "", time.Time{}, common.WrapError(common.KindUnknown, "auth.signing_failed", err, "cannot sign access token")
	}
	return token, expiresAt, nil
}
