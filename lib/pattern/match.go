// Copyright 2026 The Livetap Authors
// SPDX-License-Identifier: Apache-2.0

// Package pattern matches instrument locations against glob patterns
// over dot-separated source hierarchies ("com.acme.UserService").
package pattern

import "strings"

// Match checks whether a source location matches a glob pattern using
// the hierarchical location conventions:
//
//   - Exact match: "com.acme.Foo" matches only "com.acme.Foo"
//   - Single-segment wildcard: "com.acme.*" matches "com.acme.Foo"
//     but not "com.acme.sub.Foo"
//   - Recursive wildcard: "com.acme.**" matches both of the above
//   - Universal: "**" matches any location
//   - Interior recursive: "com.**.Dao" matches "com.Dao" and
//     "com.acme.store.Dao"
//   - Character wildcard: "?" matches a single non-dot character
//
// The single-segment wildcard "*" never crosses a dot boundary; use
// "**" to match across hierarchy levels. All other characters are
// literal. Malformed patterns (a "**" embedded in a segment, more than
// one "**") match nothing, since a pattern that cannot be understood
// must never widen access.
func Match(pattern, location string) bool {
	if pattern == "**" {
		return true
	}

	if !strings.Contains(pattern, "**") {
		return matchGlob(pattern, location)
	}

	// Suffix: "com.acme.**" matches the prefix, then anything after.
	if suffix, ok := strings.CutSuffix(pattern, ".**"); ok && !strings.Contains(suffix, "**") {
		// ** matches zero additional segments: the whole location is
		// the prefix.
		if matchGlob(suffix, location) {
			return true
		}
		return hasMatchingPrefix(suffix, location)
	}

	// Prefix: "**.Dao" matches anything before, then the suffix.
	if rest, ok := strings.CutPrefix(pattern, "**."); ok && !strings.Contains(rest, "**") {
		if matchGlob(rest, location) {
			return true
		}
		return hasMatchingSuffix(rest, location)
	}

	// Interior: "com.**.Dao" splits on the first .**. and matches
	// prefix and suffix independently.
	separatorIndex := strings.Index(pattern, ".**.")
	if separatorIndex >= 0 {
		prefix := pattern[:separatorIndex]
		suffix := pattern[separatorIndex+4:]
		if strings.Contains(prefix, "**") || strings.Contains(suffix, "**") {
			return false
		}

		// Zero-segment case: prefix and suffix are adjacent.
		if matchGlob(prefix+"."+suffix, location) {
			return true
		}

		prefixDepth := strings.Count(prefix, ".") + 1
		suffixDepth := strings.Count(suffix, ".") + 1
		segments := strings.Split(location, ".")
		if len(segments) < prefixDepth+1+suffixDepth {
			return false
		}
		if !matchGlob(prefix, strings.Join(segments[:prefixDepth], ".")) {
			return false
		}
		if !matchGlob(suffix, strings.Join(segments[len(segments)-suffixDepth:], ".")) {
			return false
		}
		// Segments consumed by ** must be non-empty (reject locations
		// with consecutive dots between prefix and suffix).
		for _, segment := range segments[prefixDepth : len(segments)-suffixDepth] {
			if segment == "" {
				return false
			}
		}
		return true
	}

	// "**" glued to other characters within a segment. Deny.
	return false
}

// MatchAny checks whether a location matches any of the given
// patterns. Returns false if patterns is empty.
func MatchAny(patterns []string, location string) bool {
	for _, pattern := range patterns {
		if Match(pattern, location) {
			return true
		}
	}
	return false
}

// matchGlob matches a pattern without ** against a location,
// segment by segment. Segment counts must agree exactly.
func matchGlob(pattern, location string) bool {
	patternSegments := strings.Split(pattern, ".")
	locationSegments := strings.Split(location, ".")
	if len(patternSegments) != len(locationSegments) {
		return false
	}
	for i, segment := range patternSegments {
		if !matchSegment(segment, locationSegments[i]) {
			return false
		}
	}
	return true
}

// hasMatchingPrefix reports whether the location starts with segments
// that match the given glob pattern, with at least one additional
// segment after the matched portion. The pattern's depth (number of
// dot-separated segments) determines how many leading segments of the
// location are tested.
func hasMatchingPrefix(pattern, location string) bool {
	depth := strings.Count(pattern, ".") + 1
	segments := strings.SplitN(location, ".", depth+1)
	if len(segments) <= depth {
		return false
	}
	return matchGlob(pattern, strings.Join(segments[:depth], "."))
}

// hasMatchingSuffix reports whether the location ends with segments
// that match the given glob pattern, with at least one additional
// segment before the matched portion.
func hasMatchingSuffix(pattern, location string) bool {
	depth := strings.Count(pattern, ".") + 1
	segments := strings.Split(location, ".")
	if len(segments) <= depth {
		return false
	}
	return matchGlob(pattern, strings.Join(segments[len(segments)-depth:], "."))
}

// matchSegment matches a single segment pattern containing * and ?
// against a segment. Neither side contains a dot.
func matchSegment(pattern, segment string) bool {
	patternRunes := []rune(pattern)
	segmentRunes := []rune(segment)

	pi, si := 0, 0
	starPi, starSi := -1, 0
	for si < len(segmentRunes) {
		switch {
		case pi < len(patternRunes) && (patternRunes[pi] == '?' || patternRunes[pi] == segmentRunes[si]):
			pi++
			si++
		case pi < len(patternRunes) && patternRunes[pi] == '*':
			starPi, starSi = pi, si
			pi++
		case starPi >= 0:
			// Backtrack: let the last * consume one more rune.
			starSi++
			pi = starPi + 1
			si = starSi
		default:
			return false
		}
	}
	for pi < len(patternRunes) && patternRunes[pi] == '*' {
		pi++
	}
	return pi == len(patternRunes)
}
