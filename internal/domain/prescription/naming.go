package prescription

import (
	"strings"
	"unicode"
)

// initialisms keep their upper case form when converting back from snake
// case.
var initialisms = map[string]string{
	"id":  "ID",
	"uid": "UID",
	"ean": "EAN",
}

// SnakeCase converts a Go field name to its document key, e.g. FamilyName to
// family_name and UID to uid.
func SnakeCase(name string) string {
	runes := []rune(name)
	var b strings.Builder
	for i, r := range runes {
		if unicode.IsUpper(r) && i > 0 {
			prev := runes[i-1]
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
				b.WriteByte('_')
			}
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// TitleCase converts a document key back to a Go field name, e.g.
// family_name to FamilyName.
func TitleCase(key string) string {
	var b strings.Builder
	for _, part := range strings.Split(key, "_") {
		if part == "" {
			continue
		}
		if up, ok := initialisms[part]; ok {
			b.WriteString(up)
			continue
		}
		runes := []rune(part)
		runes[0] = unicode.ToUpper(runes[0])
		b.WriteString(string(runes))
	}
	return b.String()
}
