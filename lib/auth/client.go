// Copyright 2026 The Livetap Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"

	"github.com/zeebo/blake3"
)

// ClientAccess is the credential pair a probe presents on connect.
// Secret is the plaintext, present only in the response of the create
// and refresh operations; the store keeps only the hash.
type ClientAccess struct {
	ID     string `json:"id"`
	Secret string `json:"secret,omitempty"`
}

const (
	clientIDLength     = 8
	clientSecretLength = 30
)

// GenerateClientAccess returns a fresh accessor with a random id and
// secret.
func GenerateClientAccess() (ClientAccess, error) {
	id, err := randomToken(clientIDLength)
	if err != nil {
		return ClientAccess{}, err
	}
	secret, err := randomToken(clientSecretLength)
	if err != nil {
		return ClientAccess{}, err
	}
	return ClientAccess{ID: id, Secret: secret}, nil
}

// GenerateClientSecret returns a fresh secret for rotating an
// existing accessor.
func GenerateClientSecret() (string, error) {
	return randomToken(clientSecretLength)
}

// HashClientSecret returns the at-rest form of a client secret.
func HashClientSecret(secret string) []byte {
	sum := blake3.Sum256([]byte(secret))
	return sum[:]
}

// VerifyClientSecret compares a presented secret against a stored
// hash in constant time.
func VerifyClientSecret(storedHash []byte, secret string) bool {
	presented := blake3.Sum256([]byte(secret))
	return subtle.ConstantTimeCompare(storedHash, presented[:]) == 1
}

const tokenAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// randomToken returns n alphanumeric characters from crypto/rand.
// Modulo bias over a 62-character alphabet is negligible for
// credential purposes.
func randomToken(n int) (string, error) {
	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("auth: generating random token: %w", err)
	}
	out := make([]byte, n)
	for i, b := range raw {
		out[i] = tokenAlphabet[int(b)%len(tokenAlphabet)]
	}
	return string(out), nil
}
