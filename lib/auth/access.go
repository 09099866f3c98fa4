// Copyright 2026 The Livetap Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"github.com/livetap/livetap/lib/pattern"
)

// AccessType classifies an access permission as an allow-list or a
// deny-list over source locations.
type AccessType string

const (
	WhiteListAccess AccessType = "WHITE_LIST"
	BlackListAccess AccessType = "BLACK_LIST"
)

// AccessPermission is a named set of location patterns attached to
// zero or more roles. A developer's effective access permissions are
// the union over their roles.
type AccessPermission struct {
	ID               string     `json:"id"`
	Type             AccessType `json:"type"`
	LocationPatterns []string   `json:"locationPatterns"`
}

// HasInstrumentAccess evaluates a developer's effective access
// permissions against one source location:
//
//   - no permissions at all: access is unrestricted
//   - only white-lists: access requires a match
//   - only black-lists: access requires no match
//   - both: a white-list match overrides a black-list match
func HasInstrumentAccess(permissions []AccessPermission, source string) bool {
	if len(permissions) == 0 {
		return true
	}

	var whitePatterns, blackPatterns []string
	for _, permission := range permissions {
		switch permission.Type {
		case WhiteListAccess:
			whitePatterns = append(whitePatterns, permission.LocationPatterns...)
		case BlackListAccess:
			blackPatterns = append(blackPatterns, permission.LocationPatterns...)
		}
	}

	inWhiteList := pattern.MatchAny(whitePatterns, source)
	inBlackList := pattern.MatchAny(blackPatterns, source)

	switch {
	case len(whitePatterns) == 0:
		return !inBlackList
	case len(blackPatterns) == 0:
		return inWhiteList
	default:
		return !inBlackList || inWhiteList
	}
}
