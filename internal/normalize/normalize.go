// Package normalize holds small canonicalization helpers shared by the
// stores and handlers.
package normalize

import "strings"

// Email returns a normalized form of an email address suitable for
// storage and comparisons: surrounding whitespace is trimmed and the
// address is lower-cased.
func Email(e string) string {
	return strings.ToLower(strings.TrimSpace(e))
}

// Body canonicalizes a message body before validation and storage.
// Only surrounding whitespace is stripped; inner formatting belongs to
// the sender.
func Body(b string) string {
	return strings.TrimSpace(b)
}
