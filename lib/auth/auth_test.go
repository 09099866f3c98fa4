// Copyright 2026 The Livetap Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"testing"
	"time"
)

func TestHasInstrumentAccess(t *testing.T) {
	whiteAcme := AccessPermission{ID: "w1", Type: WhiteListAccess, LocationPatterns: []string{"com.acme.*"}}
	blackAcme := AccessPermission{ID: "b1", Type: BlackListAccess, LocationPatterns: []string{"com.acme.*"}}
	blackSecret := AccessPermission{ID: "b2", Type: BlackListAccess, LocationPatterns: []string{"com.acme.secret.**"}}

	tests := []struct {
		name        string
		permissions []AccessPermission
		source      string
		want        bool
	}{
		{"no permissions is unrestricted", nil, "com.other.Foo", true},
		{"white list match", []AccessPermission{whiteAcme}, "com.acme.Foo", true},
		{"white list miss", []AccessPermission{whiteAcme}, "com.other.Foo", false},
		{"black list match", []AccessPermission{blackSecret}, "com.acme.secret.Vault", false},
		{"black list miss", []AccessPermission{blackSecret}, "com.acme.Foo", true},
		{"white overrides overlapping black", []AccessPermission{whiteAcme, blackAcme}, "com.acme.Foo", true},
		{"both lists, neither matches", []AccessPermission{whiteAcme, blackSecret}, "com.other.Foo", true},
		{"both lists, only black matches", []AccessPermission{whiteAcme, blackSecret}, "com.acme.secret.Vault", false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := HasInstrumentAccess(test.permissions, test.source); got != test.want {
				t.Errorf("HasInstrumentAccess(%q) = %v, want %v", test.source, got, test.want)
			}
		})
	}
}

func TestTokenRoundTrip(t *testing.T) {
	publicKey, privateKey, err := GenerateSigningKey()
	if err != nil {
		t.Fatalf("GenerateSigningKey: %v", err)
	}

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	claims := &Claims{
		DeveloperID: "dev-alice",
		IssuedAt:    now.Unix(),
		ExpiresAt:   now.Add(time.Hour).Unix(),
	}
	token, err := MintToken(privateKey, claims)
	if err != nil {
		t.Fatalf("MintToken: %v", err)
	}

	verified, err := VerifyToken(publicKey, token, now)
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if verified.DeveloperID != "dev-alice" {
		t.Errorf("developer id = %q", verified.DeveloperID)
	}
}

func TestTokenExpiry(t *testing.T) {
	publicKey, privateKey, err := GenerateSigningKey()
	if err != nil {
		t.Fatalf("GenerateSigningKey: %v", err)
	}

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	token, err := MintToken(privateKey, &Claims{
		DeveloperID: "dev-alice",
		IssuedAt:    now.Unix(),
		ExpiresAt:   now.Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("MintToken: %v", err)
	}

	if _, err := VerifyToken(publicKey, token, now.Add(2*time.Hour)); err != ErrTokenExpired {
		t.Errorf("expired token error = %v, want ErrTokenExpired", err)
	}
}

func TestTokenForgery(t *testing.T) {
	publicKey, _, err := GenerateSigningKey()
	if err != nil {
		t.Fatalf("GenerateSigningKey: %v", err)
	}
	_, otherKey, err := GenerateSigningKey()
	if err != nil {
		t.Fatalf("GenerateSigningKey: %v", err)
	}

	now := time.Now()
	forged, err := MintToken(otherKey, &Claims{
		DeveloperID: "dev-mallory",
		IssuedAt:    now.Unix(),
		ExpiresAt:   now.Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("MintToken: %v", err)
	}

	if _, err := VerifyToken(publicKey, forged, now); err != ErrInvalidSignature {
		t.Errorf("forged token error = %v, want ErrInvalidSignature", err)
	}
}

func TestTokenMalformed(t *testing.T) {
	publicKey, _, err := GenerateSigningKey()
	if err != nil {
		t.Fatalf("GenerateSigningKey: %v", err)
	}
	for _, token := range []string{"", "not!base64!", "c2hvcnQ"} {
		if _, err := VerifyToken(publicKey, token, time.Now()); err == nil {
			t.Errorf("VerifyToken(%q) accepted a malformed token", token)
		}
	}
}

func TestSigningSeedRoundTrip(t *testing.T) {
	seed, err := GenerateSigningSeed()
	if err != nil {
		t.Fatalf("GenerateSigningSeed: %v", err)
	}
	privateKey, err := ParseSigningKey(seed)
	if err != nil {
		t.Fatalf("ParseSigningKey: %v", err)
	}
	again, err := ParseSigningKey(seed)
	if err != nil {
		t.Fatalf("ParseSigningKey: %v", err)
	}
	if !privateKey.Equal(again) {
		t.Error("same seed produced different keys")
	}
	if _, err := ParseSigningKey("dG9vc2hvcnQ"); err == nil {
		t.Error("ParseSigningKey accepted a short seed")
	}
}

func TestClientSecretVerification(t *testing.T) {
	access, err := GenerateClientAccess()
	if err != nil {
		t.Fatalf("GenerateClientAccess: %v", err)
	}
	if len(access.ID) != 8 || len(access.Secret) != 30 {
		t.Errorf("accessor lengths: id=%d secret=%d", len(access.ID), len(access.Secret))
	}

	hash := HashClientSecret(access.Secret)
	if !VerifyClientSecret(hash, access.Secret) {
		t.Error("correct secret rejected")
	}
	if VerifyClientSecret(hash, access.Secret+"x") {
		t.Error("wrong secret accepted")
	}

	rotated, err := GenerateClientSecret()
	if err != nil {
		t.Fatalf("GenerateClientSecret: %v", err)
	}
	if rotated == access.Secret {
		t.Error("rotation produced an identical secret")
	}
	if VerifyClientSecret(hash, rotated) {
		t.Error("rotated secret verified against the old hash")
	}
}

func TestPermissionClassification(t *testing.T) {
	if AddLiveBreakpoint.ManagerOnly() {
		t.Error("ADD_LIVE_BREAKPOINT classified as manager-only")
	}
	if !AddDeveloper.ManagerOnly() {
		t.Error("ADD_DEVELOPER not classified as manager-only")
	}

	for discriminator, want := range map[string]Permission{
		"BREAKPOINT": AddLiveBreakpoint,
		"LOG":        AddLiveLog,
		"METER":      AddLiveMeter,
	} {
		got, ok := AddPermissionFor(discriminator)
		if !ok || got != want {
			t.Errorf("AddPermissionFor(%s) = %s, %v", discriminator, got, ok)
		}
	}
	if _, ok := AddPermissionFor("SPAN"); ok {
		t.Error("AddPermissionFor accepted an unknown discriminator")
	}
}
