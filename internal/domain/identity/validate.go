package identity

import (
	"errors"
	"fmt"
	"strings"
)

var ErrValidation = errors.New("invalid contact")

// ValidationError lists the contact fields that failed structural checks.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid contact: %s", strings.Join(e.Fields, ", "))
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Validate applies the registry's structural rules to c.
func Validate(c *Contact) error {
	if c == nil {
		return &ValidationError{Fields: []string{"contact is nil"}}
	}

	var fields []string
	if strings.TrimSpace(c.FamilyName) == "" {
		fields = append(fields, "family_name is required")
	}
	if strings.TrimSpace(c.GivenName) == "" {
		fields = append(fields, "given_name is required")
	}
	if strings.TrimSpace(c.Birthdate) == "" {
		fields = append(fields, "birthdate is required")
	} else if _, err := NormalizeBirthdate(c.Birthdate); err != nil {
		fields = append(fields, "birthdate is not parseable")
	}
	if c.Gender != "" && c.Gender != GenderMan && c.Gender != GenderWoman {
		fields = append(fields, fmt.Sprintf("gender %q is not %q or %q", c.Gender, GenderMan, GenderWoman))
	}
	if c.WeightKg < 0 {
		fields = append(fields, "weight_kg must not be negative")
	}
	if c.HeightCm < 0 {
		fields = append(fields, "height_cm must not be negative")
	}

	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}
