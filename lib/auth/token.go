// Copyright 2026 The Livetap Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/livetap/livetap/lib/codec"
)

// Claims is the CBOR-encoded payload of a developer access token.
type Claims struct {
	// DeveloperID is the authenticated developer identity.
	DeveloperID string `cbor:"1,keyasint"`

	// IssuedAt is a Unix timestamp (seconds) of when the platform
	// minted this token.
	IssuedAt int64 `cbor:"2,keyasint"`

	// ExpiresAt is a Unix timestamp (seconds) after which this token
	// is no longer valid.
	ExpiresAt int64 `cbor:"3,keyasint"`
}

// Errors returned by VerifyToken.
var (
	ErrTokenMalformed   = errors.New("auth: malformed token")
	ErrInvalidSignature = errors.New("auth: invalid token signature")
	ErrTokenExpired     = errors.New("auth: token has expired")
)

// MintToken signs claims with the platform's private key and returns
// the wire form: base64url of the CBOR payload followed by the
// 64-byte Ed25519 signature.
func MintToken(privateKey ed25519.PrivateKey, claims *Claims) (string, error) {
	payload, err := codec.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("auth: encoding token claims: %w", err)
	}

	signature := ed25519.Sign(privateKey, payload)
	raw := make([]byte, len(payload)+ed25519.SignatureSize)
	copy(raw, payload)
	copy(raw[len(payload):], signature)

	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// VerifyToken decodes and verifies a token string, checking the
// signature and expiry against now. Returns the decoded claims on
// success.
func VerifyToken(publicKey ed25519.PublicKey, token string, now time.Time) (*Claims, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}
	if len(raw) <= ed25519.SignatureSize {
		return nil, ErrTokenMalformed
	}

	splitPoint := len(raw) - ed25519.SignatureSize
	payload := raw[:splitPoint]
	signature := raw[splitPoint:]

	if !ed25519.Verify(publicKey, payload, signature) {
		return nil, ErrInvalidSignature
	}

	var claims Claims
	if err := codec.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}
	if now.Unix() >= claims.ExpiresAt {
		return nil, ErrTokenExpired
	}
	return &claims, nil
}

// ParseClaims decodes a token's claims without verifying the
// signature. Clients use it to learn their own identity; the platform
// must use VerifyToken.
func ParseClaims(token string) (*Claims, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}
	if len(raw) <= ed25519.SignatureSize {
		return nil, ErrTokenMalformed
	}
	var claims Claims
	if err := codec.Unmarshal(raw[:len(raw)-ed25519.SignatureSize], &claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}
	return &claims, nil
}

// GenerateSigningKey returns a fresh Ed25519 key pair for token
// signing.
func GenerateSigningKey() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

// ParseSigningKey derives the signing key pair from a base64url
// 32-byte seed, the form the daemon config carries.
func ParseSigningKey(seed string) (ed25519.PrivateKey, error) {
	raw, err := base64.RawURLEncoding.DecodeString(seed)
	if err != nil {
		return nil, fmt.Errorf("auth: decoding signing key seed: %w", err)
	}
	if len(raw) != ed25519.SeedSize {
		return nil, fmt.Errorf("auth: signing key seed is %d bytes, want %d", len(raw), ed25519.SeedSize)
	}
	return ed25519.NewKeyFromSeed(raw), nil
}

// GenerateSigningSeed returns a fresh base64url signing key seed for
// config files.
func GenerateSigningSeed() (string, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return "", fmt.Errorf("auth: generating signing key seed: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(seed), nil
}
