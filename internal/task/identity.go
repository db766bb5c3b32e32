package task

import (
	"strings"
	"unicode"

	"github.com/google/uuid"
)

// labelNamespace scopes derived identities so they never collide with UUIDs
// minted elsewhere.
var labelNamespace = uuid.MustParse("6f1c6c1e-8e0b-5b8a-9d3e-2a9f4c7d1b20")

// DeriveID maps a native label to a fixed-size identity. The mapping is a
// name-based (SHA-1) UUID, so the same label yields the same ID on every
// discovery pass and renaming a label at the native level yields a new ID.
func DeriveID(label string) ID {
	return uuid.NewSHA1(labelNamespace, []byte(label))
}

// ParseID reads an ID in its canonical string form.
func ParseID(s string) (ID, error) {
	return uuid.Parse(s)
}

var reverseDNSPrefixes = map[string]bool{
	"com": true, "org": true, "net": true, "io": true, "dev": true,
	"local": true, "user": true, "me": true, "app": true,
}

// DeriveName builds a display name from a native identifier when no custom
// metadata is present: dot segments are split, leading reverse-DNS segments
// are dropped and the remainder is title-cased.
//
//	com.user.backup-docs  -> "Backup Docs"
//	org.example.SyncAgent -> "Example Sync Agent"
func DeriveName(label string) string {
	segs := strings.Split(strings.TrimSpace(label), ".")
	for len(segs) > 1 && reverseDNSPrefixes[strings.ToLower(segs[0])] {
		segs = segs[1:]
	}
	words := make([]string, 0, len(segs))
	for _, s := range segs {
		words = append(words, splitWords(s)...)
	}
	for i, w := range words {
		words[i] = titleWord(w)
	}
	name := strings.Join(words, " ")
	if name == "" {
		return label
	}
	return name
}

func splitWords(s string) []string {
	var (
		words []string
		cur   []rune
	)
	flush := func() {
		if len(cur) > 0 {
			words = append(words, string(cur))
			cur = cur[:0]
		}
	}
	rs := []rune(s)
	for i, r := range rs {
		switch {
		case r == '-' || r == '_' || unicode.IsSpace(r):
			flush()
		case unicode.IsUpper(r) && i > 0 && unicode.IsLower(rs[i-1]):
			flush()
			cur = append(cur, r)
		default:
			cur = append(cur, r)
		}
	}
	flush()
	return words
}

func titleWord(w string) string {
	rs := []rune(w)
	if len(rs) == 0 {
		return w
	}
	rs[0] = unicode.ToUpper(rs[0])
	return string(rs)
}
