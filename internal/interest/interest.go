// Package interest defines the fixed interest catalog users pick from and the
// small set algebra the matcher and estimator share.
package interest

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// MaxSelected is the most interests a profile may hold.
	MaxSelected = 3

	// RequiredForMatch is the exact selection size a match request needs.
	RequiredForMatch = 3
)

// Catalog lists every selectable label in display order.
var Catalog = []string{
	"Cars", "Tech", "Animals", "Cooking", "Sports",
	"Travel", "Art", "Books", "Movies", "Games",
}

var (
	ErrUnknownInterest  = errors.New("interest: unknown label")
	ErrTooManyInterests = fmt.Errorf("interest: more than %d selected", MaxSelected)
)

var catalogIndex = func() map[string]bool {
	m := make(map[string]bool, len(Catalog))
	for _, label := range Catalog {
		m[label] = true
	}
	return m
}()

// Valid reports whether label is part of the catalog.
func Valid(label string) bool {
	return catalogIndex[label]
}

// Normalize trims and validates a selection. Duplicates are dropped keeping
// the first occurrence, so the result preserves the caller's order.
func Normalize(labels []string) ([]string, error) {
	out := make([]string, 0, len(labels))
	seen := make(map[string]bool, len(labels))
	for _, raw := range labels {
		label := strings.TrimSpace(raw)
		if !Valid(label) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownInterest, raw)
		}
		if seen[label] {
			continue
		}
		seen[label] = true
		out = append(out, label)
	}
	if len(out) > MaxSelected {
		return nil, ErrTooManyInterests
	}
	return out, nil
}

// Shared returns the labels present in both a and b, in the order of a.
func Shared(a, b []string) []string {
	if len(a) == 0 || len(b) == 0 {
		return nil
	}
	inB := make(map[string]bool, len(b))
	for _, label := range b {
		inB[label] = true
	}
	var shared []string
	for _, label := range a {
		if inB[label] {
			shared = append(shared, label)
			delete(inB, label)
		}
	}
	return shared
}

// Overlaps reports whether a and b share at least one label.
func Overlaps(a, b []string) bool {
	return len(Shared(a, b)) > 0
}

// Equal reports whether a and b hold the same labels regardless of order.
func Equal(a, b []string) bool {
	sa := make(map[string]bool, len(a))
	for _, label := range a {
		sa[label] = true
	}
	sb := make(map[string]bool, len(b))
	for _, label := range b {
		sb[label] = true
	}
	if len(sa) != len(sb) {
		return false
	}
	for label := range sa {
		if !sb[label] {
			return false
		}
	}
	return true
}

// Join encodes a selection for flat storage (Redis hash fields).
func Join(labels []string) string {
	return strings.Join(labels, ",")
}

// Split is the inverse of Join. An empty string yields no labels.
func Split(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
