//
//  Copyright © Manetu Inc. All rights reserved.
//

// Package auth provides the token plumbing shared by the services: RS256
// verification of inbound bearer tokens, minting of downstream access tokens
// at the exchange endpoint, and cached client-credentials tokens for
// service-to-service calls.
package auth

import (
	"crypto/rsa"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/manetu/flowpilot/pkg/common"
)

// keyBytes accepts key material either inline (PEM content, as delivered by
// an env var) or as a path to a PEM file.
func keyBytes(material string) ([]byte, error) {
	if strings.Contains(material, "-----BEGIN") {
		return []byte(material), nil
	}
	data, err := os.ReadFile(material)
	if err != nil {
		return nil, common.WrapError(common.KindUnknown, "auth.invalid_key", err, "cannot read key file")
	}
	return data, nil
}

func loadPrivateKey(material string) (*rsa.PrivateKey, error) {
	data, err := keyBytes(material)
	if err != nil {
		return nil, err
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(data)
	if err != nil {
		return nil, common.WrapError(common.KindUnknown, "auth.invalid_key", err, "cannot parse RSA private key")
	}
	return key, nil
}

func loadPublicKey(material string) (*rsa.PublicKey, error) {
	data, err := keyBytes(material)
	if err != nil {
		return nil, err
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(data)
	if err != nil {
		return nil, common.WrapError(common.KindUnknown, "auth.invalid_key", err, "cannot parse RSA public key")
	}
	return key, nil
}
