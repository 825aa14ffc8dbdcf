package manifest

import (
	"encoding/hex"
	"unicode/utf8"

	"github.com/gosimple/slug"
	"golang.org/x/crypto/blake2b"
)

const selectionPartLimit = 120

// ObjectID derives a stable identifier from display text: a URL-safe slug
// plus a short content hash, so names that slug identically stay distinct.
func ObjectID(text string) string {
	sum := blake2b.Sum256([]byte(text))
	return slug.Make(text) + "-" + hex.EncodeToString(sum[:])[:8]
}

// SelectionID names the selection of candidateID within contestID.
func SelectionID(candidateID, contestID string) string {
	return truncate(candidateID, selectionPartLimit) + "-" + truncate(contestID, selectionPartLimit) + "-selection"
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
