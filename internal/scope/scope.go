// Package scope provides hierarchical scope validation and matching.
//
// A scope is a dot-separated path like "acme.corp.eng". A policy at scope S
// applies to a request at scope Q when S is an ancestor of or equal to Q on
// segment boundaries; the unscoped (root) policy applies everywhere.
package scope

import (
	"fmt"
	"regexp"
	"strings"
)

// MaxDepth bounds the scope hierarchy.
const MaxDepth = 10

var segmentPattern = regexp.MustCompile(`^[a-z0-9_-]+$`)

// Validate checks that a scope string is well-formed. The empty scope is
// valid and denotes the root.
func Validate(s string) error {
	if s == "" {
		return nil
	}

	segments := strings.Split(s, ".")
	if len(segments) > MaxDepth {
		return fmt.Errorf("scope depth %d exceeds maximum %d", len(segments), MaxDepth)
	}
	for _, seg := range segments {
		if seg == "" {
			return fmt.Errorf("scope %q contains an empty segment", s)
		}
		if !segmentPattern.MatchString(seg) {
			return fmt.Errorf("invalid scope segment %q (allowed: [a-z0-9_-]+)", seg)
		}
	}
	return nil
}

// IsAncestorOrSelf reports whether ancestor is an ancestor of or equal to s.
// The comparison respects segment boundaries: "acme.co" is not an ancestor
// of "acme.corp".
func IsAncestorOrSelf(ancestor, s string) bool {
	if ancestor == "" {
		return true
	}
	if ancestor == s {
		return true
	}
	return strings.HasPrefix(s, ancestor+".")
}

// Specificity returns the segment count; deeper scopes are more specific.
func Specificity(s string) int {
	if s == "" {
		return 0
	}
	return strings.Count(s, ".") + 1
}

// Chain builds the inheritance chain from most to least specific.
// Chain("acme.corp.eng") == ["acme.corp.eng", "acme.corp", "acme"].
func Chain(s string) []string {
	if s == "" {
		return nil
	}
	segments := strings.Split(s, ".")
	chain := make([]string, len(segments))
	for i := len(segments); i > 0; i-- {
		chain[len(segments)-i] = strings.Join(segments[:i], ".")
	}
	return chain
}
