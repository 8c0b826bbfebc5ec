package schema

import (
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// MaxIdentLen is the longest identifier produced (Postgres limit).
const MaxIdentLen = 63

// SafeIdent converts arbitrary text into a lowercase ASCII identifier:
//  1. strip accents (NFD -> remove Mn -> NFC), lowercase
//  2. every run of characters outside [a-z0-9] becomes one underscore
//  3. trim underscores; "field" when nothing is left
//  4. prefix "f_" when it starts with a digit
//  5. shorten to MaxIdentLen
func SafeIdent(s string) string {
	t := transform.Chain(
		norm.NFD,
		runes.Remove(runes.In(unicode.Mn)),
		norm.NFC,
	)
	ascii, _, _ := transform.String(t, strings.ToLower(strings.TrimSpace(s)))

	var b strings.Builder
	prevUnderscore := false
	for _, r := range ascii {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			prevUnderscore = false
		default:
			if !prevUnderscore {
				b.WriteByte('_')
				prevUnderscore = true
			}
		}
	}
	name := strings.Trim(b.String(), "_")
	if name == "" {
		name = "field"
	}
	if name[0] >= '0' && name[0] <= '9' {
		name = "f_" + name
	}
	return truncateIdent(name, MaxIdentLen)
}

// truncateIdent keeps the first 10 and the last n-10 characters of long
// names, since Kobo paths differ mostly in their tail.
func truncateIdent(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.TrimRight(s[:10], "_") + "_" + s[len(s)-(n-11):]
}

// Namer hands out collision-free canonical names within one table.
type Namer struct {
	used map[string]bool
}

// NewNamer returns a Namer that already considers taken in use.
func NewNamer(taken ...string) *Namer {
	n := &Namer{used: map[string]bool{}}
	for _, t := range taken {
		n.used[t] = true
	}
	return n
}

// Name canonicalizes an external path. Reserved system names are prefixed
// with "f_"; collisions get a numeric suffix (_2, _3, ...).
func (n *Namer) Name(path string) string {
	base := SafeIdent(strings.ReplaceAll(path, "/", "_"))
	if IsReserved(base) {
		base = truncateIdent("f_"+base, MaxIdentLen)
	}
	name := base
	for i := 2; n.used[name]; i++ {
		suffix := "_" + strconv.Itoa(i)
		name = truncateIdent(base, MaxIdentLen-len(suffix)) + suffix
	}
	n.used[name] = true
	return name
}

// ShortIdent shortens an already safe identifier to MaxIdentLen.
func ShortIdent(s string) string { return truncateIdent(s, MaxIdentLen) }
