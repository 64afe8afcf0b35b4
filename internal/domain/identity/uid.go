package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// BirthdateLayout is the canonical local birthdate format (dd.MM.yyyy).
const BirthdateLayout = "02.01.2006"

// Layouts accepted from other clients, tried in order.
var birthdateLayouts = []string{
	BirthdateLayout,
	"2.1.2006",
	"2006-01-02",
	"2006-1-2",
	"02/01/2006",
	"2/1/2006",
	time.RFC3339,
	"2006-01-02T15:04:05",
}

var uidPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// ComputeUID derives the patient UID: the hex SHA-256 of
// "family.given.birthdate", where the names are NFC-normalized, trimmed and
// lowercased and the birthdate is in canonical form. A birthdate that cannot
// be parsed is used trimmed as-is, so the result is still deterministic.
func ComputeUID(c *Contact) string {
	birthdate, err := NormalizeBirthdate(c.Birthdate)
	if err != nil {
		birthdate = strings.TrimSpace(c.Birthdate)
	}
	source := fmt.Sprintf("%s.%s.%s", normalizeName(c.FamilyName), normalizeName(c.GivenName), birthdate)
	sum := sha256.Sum256([]byte(source))
	return hex.EncodeToString(sum[:])
}

// IsValidUID reports whether uid has the shape ComputeUID produces. Only
// such values are used as directory names.
func IsValidUID(uid string) bool {
	return uidPattern.MatchString(uid)
}

func normalizeName(s string) string {
	return strings.ToLower(norm.NFC.String(strings.TrimSpace(s)))
}

// NormalizeBirthdate parses s in any accepted layout and formats it as
// dd.MM.yyyy.
func NormalizeBirthdate(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("birthdate is empty")
	}
	for _, layout := range birthdateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format(BirthdateLayout), nil
		}
	}
	return "", fmt.Errorf("birthdate %q is not a recognized date", s)
}

// NormalizeGender maps the spellings used by other clients onto
// GenderMan/GenderWoman. Unknown values are returned lowercased.
func NormalizeGender(s string) string {
	switch g := strings.ToLower(strings.TrimSpace(s)); g {
	case "m", "male", "mann", "homme":
		return GenderMan
	case "f", "w", "female", "frau", "femme":
		return GenderWoman
	default:
		return g
	}
}
