package openid4vp

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RequestObjectTyp is the JOSE typ for JWT-secured authorization requests
// (RFC 9101).
const RequestObjectTyp = "oauth-authz-req+jwt"

// SignRequestObject serializes the full authorization request to JSON and
// signs it as a compact JWS with ES256. iat and exp are carried in the
// protected header alongside typ and the optional x5c chain.
func SignRequestObject(a *AuthorizationRequest, key *ecdsa.PrivateKey, x5c []string, iat, exp time.Time) (string, error) {
	if key == nil {
		return "", fmt.Errorf("signing key is required")
	}

	b, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("failed to marshal authorization request: %w", err)
	}
	var claims jwt.MapClaims
	if err := json.Unmarshal(b, &claims); err != nil {
		return "", fmt.Errorf("failed to build request object claims: %w", err)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["typ"] = RequestObjectTyp
	if len(x5c) > 0 {
		token.Header["x5c"] = x5c
	}
	token.Header["iat"] = iat.Unix()
	token.Header["exp"] = exp.Unix()

	return token.SignedString(key)
}

// ParseRequestObject verifies a signed request object and decodes its claims
// back into an AuthorizationRequest.
func ParseRequestObject(signed string, key *ecdsa.PublicKey) (*AuthorizationRequest, error) {
	var claims jwt.MapClaims
	token, err := jwt.ParseWithClaims(signed, &claims,
		func(t *jwt.Token) (interface{}, error) { return key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse request object: %w", err)
	}
	if typ, _ := token.Header["typ"].(string); typ != RequestObjectTyp {
		return nil, fmt.Errorf("unexpected request object typ: %v", token.Header["typ"])
	}

	b, err := json.Marshal(claims)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request object claims: %w", err)
	}
	var a AuthorizationRequest
	if err := json.Unmarshal(b, &a); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization request: %w", err)
	}
	return &a, nil
}
