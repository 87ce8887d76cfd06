package diamond

import (
	"strings"
	"unicode"
)

// CanonicalName reduces an adversary name or alias to its identity form.
// Letters and digits survive lowercased, whitespace runs collapse to one
// space, everything else is dropped. "APT28", "apt28." and "APT28 " share
// one key; "Lazarus Group" and "LAZARUS  group" share another.
func CanonicalName(s string) string {
	var b strings.Builder
	space := false
	for _, r := range strings.TrimSpace(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(unicode.ToLower(r))
		case unicode.IsSpace(r):
			space = true
		}
	}
	return b.String()
}
