// Package identity normalizes respondent identity fields for duplicate matching.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var folder = cases.Fold()

// Normalize case-folds s, applies NFKC and collapses runs of whitespace.
func Normalize(s string) string {
	s = norm.NFKC.String(s)
	s = folder.String(s)
	return strings.Join(strings.FieldsFunc(s, unicode.IsSpace), " ")
}

// Fields normalizes the configured identity fields of a submission.
// Fields that are absent or empty after normalization are dropped.
func Fields(raw map[string]string, keys []string) map[string]string {
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		v, ok := raw[k]
		if !ok {
			continue
		}
		if n := Normalize(v); n != "" {
			out[k] = n
		}
	}
	return out
}

// Hash returns the exact-match key for a normalized field set: SHA-256 over
// the values joined in sorted key order. An empty set has no hash.
func Hash(fields map[string]string) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for i, k := range keys {
		if i > 0 {
			h.Write([]byte{0x1f})
		}
		h.Write([]byte(k))
		h.Write([]byte{0x1e})
		h.Write([]byte(fields[k]))
	}
	return hex.EncodeToString(h.Sum(nil))
}
