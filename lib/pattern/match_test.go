// Copyright 2026 The Livetap Authors
// SPDX-License-Identifier: Apache-2.0

package pattern

import "testing"

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern  string
		location string
		want     bool
	}{
		// Exact.
		{"com.acme.Foo", "com.acme.Foo", true},
		{"com.acme.Foo", "com.acme.Bar", false},
		{"com.acme.Foo", "com.acme", false},

		// Single-segment wildcard never crosses a dot.
		{"com.acme.*", "com.acme.Foo", true},
		{"com.acme.*", "com.acme.sub.Foo", false},
		{"com.*.Foo", "com.acme.Foo", true},
		{"com.*.Foo", "com.acme.sub.Foo", false},
		{"*", "Foo", true},
		{"*", "com.Foo", false},

		// Wildcard within a segment.
		{"com.acme.User*", "com.acme.UserService", true},
		{"com.acme.User*", "com.acme.OrderService", false},
		{"com.acme.*Service", "com.acme.UserService", true},
		{"com.acme.*Service", "com.acme.UserDao", false},

		// Recursive wildcard.
		{"**", "Foo", true},
		{"**", "com.acme.sub.Foo", true},
		{"com.acme.**", "com.acme.Foo", true},
		{"com.acme.**", "com.acme.sub.Foo", true},
		{"com.acme.**", "com.acme", true},
		{"com.acme.**", "com.other.Foo", false},
		{"com.ac*.**", "com.acme.sub.Foo", true},

		// Leading recursive wildcard.
		{"**.Foo", "Foo", true},
		{"**.Foo", "com.acme.Foo", true},
		{"**.Foo", "com.acme.Bar", false},

		// Interior recursive wildcard.
		{"com.**.Dao", "com.Dao", true},
		{"com.**.Dao", "com.acme.Dao", true},
		{"com.**.Dao", "com.acme.store.Dao", true},
		{"com.**.Dao", "org.acme.Dao", false},
		{"com.**.Dao", "com.acme.Service", false},

		// Single-character wildcard.
		{"com.acme.Fo?", "com.acme.Foo", true},
		{"com.acme.Fo?", "com.acme.Food", false},
		{"com.acme.Fo?", "com.acme.Fo", false},

		// Malformed patterns match nothing.
		{"com.a**b.Foo", "com.axb.Foo", false},
		{"com.**.sub.**", "com.acme.sub.Foo", false},
		{"", "com.acme.Foo", false},

		// Empty segments.
		{"com..Foo", "com..Foo", true},
		{"com.**.Foo", "com..Foo", false},
	}
	for _, test := range tests {
		if got := Match(test.pattern, test.location); got != test.want {
			t.Errorf("Match(%q, %q) = %v, want %v",
				test.pattern, test.location, got, test.want)
		}
	}
}

func TestMatchAny(t *testing.T) {
	patterns := []string{"com.acme.*", "org.example.**"}
	if !MatchAny(patterns, "com.acme.Foo") {
		t.Error("MatchAny missed a single-segment match")
	}
	if !MatchAny(patterns, "org.example.deep.Foo") {
		t.Error("MatchAny missed a recursive match")
	}
	if MatchAny(patterns, "net.other.Foo") {
		t.Error("MatchAny matched an unrelated location")
	}
	if MatchAny(nil, "com.acme.Foo") {
		t.Error("MatchAny matched with no patterns")
	}
}
