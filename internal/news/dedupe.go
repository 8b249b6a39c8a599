package news

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
)

// NormalizeTitle reduces a headline to a comparison form: lowercased, with
// punctuation and whitespace removed. Outlets frequently republish the same
// story with trivial punctuation edits; those must collapse to one key.
func NormalizeTitle(title string) string {
	var b strings.Builder
	b.Grow(len(title))
	for _, r := range strings.ToLower(title) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// TitleHash returns a stable hex digest of the normalized title, used for
// near-duplicate marking in the store.
func TitleHash(title string) string {
	sum := sha256.Sum256([]byte(NormalizeTitle(title)))
	return hex.EncodeToString(sum[:])
}
