// Package flaky labels repeating failures as flaky or deterministic by
// tracking failure signatures across runs.
//
// A failure signature is a stable hash of (test ID, category, normalized
// error message). Normalization strips volatile content so reworded
// timestamps or IDs do not split one logical failure into many signatures.
package flaky

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/crossbridge-io/crossbridge/internal/rules"
)

var (
	digitsRe        = regexp.MustCompile(`\d+`)
	signatureUUIDRe = regexp.MustCompile(
		`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)
	whitespaceRe = regexp.MustCompile(`\s+`)
)

// Normalize canonicalizes an error message for signature hashing:
// lowercase, UUIDs and digit runs removed, whitespace collapsed.
func Normalize(message string) string {
	s := strings.ToLower(message)
	s = signatureUUIDRe.ReplaceAllString(s, "")
	s = digitsRe.ReplaceAllString(s, "")
	s = whitespaceRe.ReplaceAllString(s, " ")

	return strings.TrimSpace(s)
}

// Signature returns the stable failure signature for a (test, category,
// normalized message) triple.
func Signature(testID string, category rules.FailureType, normalizedMessage string) string {
	return hashParts(testID, string(category), normalizedMessage)
}

// Root returns the signature root shared by all message variants of one
// (test, category) pair. Distinct-variant counting keys on the root.
func Root(testID string, category rules.FailureType) string {
	return hashParts(testID, string(category))
}

// MessageHash identifies one normalized message variant under a root.
func MessageHash(normalizedMessage string) string {
	return hashParts(normalizedMessage)
}

func hashParts(parts ...string) string {
	h := sha256.New()

	for i, part := range parts {
		if i > 0 {
			h.Write([]byte{'|'})
		}

		h.Write([]byte(part))
	}

	return hex.EncodeToString(h.Sum(nil))
}
