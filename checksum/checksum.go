// Package checksum canonicalizes flat records and hashes them.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Separator joins canonical name=value pairs.
const Separator = "|"

// Canonical renders fields as name=value pairs sorted by name and joined
// with Separator. Empty values are kept so that clearing a field changes
// the canonical form.
func Canonical(fields map[string]string) string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for i, name := range names {
		if i > 0 {
			b.WriteString(Separator)
		}
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(fields[name])
	}
	return b.String()
}

// Sum returns the hex-encoded sha256 of the canonical form of fields.
func Sum(fields map[string]string) string {
	sum := sha256.Sum256([]byte(Canonical(fields)))
	return hex.EncodeToString(sum[:])
}

// Verify reports whether want matches the checksum of fields.
func Verify(fields map[string]string, want string) bool {
	return want != "" && Sum(fields) == strings.ToLower(want)
}
