package prescription

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/ehr/rxbox/internal/domain/identity"
	"github.com/ehr/rxbox/internal/domain/medication"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// field maps one Go field of T to its document key, SnakeCase(name).
// Exactly one of str and num is set.
type field[T any] struct {
	name string
	str  func(*T) *string
	num  func(*T) *int
}

var contactFields = []field[identity.Contact]{
	{name: "TimeStamp", str: func(c *identity.Contact) *string { return &c.TimeStamp }},
	{name: "UID", str: func(c *identity.Contact) *string { return &c.UID }},
	{name: "FamilyName", str: func(c *identity.Contact) *string { return &c.FamilyName }},
	{name: "GivenName", str: func(c *identity.Contact) *string { return &c.GivenName }},
	{name: "Birthdate", str: func(c *identity.Contact) *string { return &c.Birthdate }},
	{name: "Gender", str: func(c *identity.Contact) *string { return &c.Gender }},
	{name: "WeightKg", num: func(c *identity.Contact) *int { return &c.WeightKg }},
	{name: "HeightCm", num: func(c *identity.Contact) *int { return &c.HeightCm }},
	{name: "Zip", str: func(c *identity.Contact) *string { return &c.Zip }},
	{name: "City", str: func(c *identity.Contact) *string { return &c.City }},
	{name: "Country", str: func(c *identity.Contact) *string { return &c.Country }},
	{name: "Address", str: func(c *identity.Contact) *string { return &c.Address }},
	{name: "Phone", str: func(c *identity.Contact) *string { return &c.Phone }},
	{name: "Email", str: func(c *identity.Contact) *string { return &c.Email }},
}

var accountFields = []field[identity.Account]{
	{name: "Title", str: func(a *identity.Account) *string { return &a.Title }},
	{name: "FamilyName", str: func(a *identity.Account) *string { return &a.FamilyName }},
	{name: "GivenName", str: func(a *identity.Account) *string { return &a.GivenName }},
	{name: "Address", str: func(a *identity.Account) *string { return &a.Address }},
	{name: "Zip", str: func(a *identity.Account) *string { return &a.Zip }},
	{name: "City", str: func(a *identity.Account) *string { return &a.City }},
	{name: "Country", str: func(a *identity.Account) *string { return &a.Country }},
	{name: "Phone", str: func(a *identity.Account) *string { return &a.Phone }},
	{name: "Email", str: func(a *identity.Account) *string { return &a.Email }},
	{name: "Signature", str: func(a *identity.Account) *string { return &a.Signature }},
}

type document struct {
	Hash        string          `json:"hash"`
	PlaceDate   string          `json:"place_date"`
	Operator    map[string]any  `json:"operator,omitempty"`
	Patient     map[string]any  `json:"patient"`
	Medications []medicationDoc `json:"medications"`
}

type medicationDoc struct {
	EAN     string `json:"ean"`
	Comment string `json:"comment"`
	Title   string `json:"title,omitempty"`
	Package string `json:"package,omitempty"`
}

// Encode renders r as a UTF-8 JSON document without byte order mark.
// Medications are written in slice order.
func Encode(r *Record) ([]byte, error) {
	if r == nil {
		return nil, errors.New("encode prescription: record is nil")
	}
	if r.Hash == uuid.Nil {
		return nil, errors.New("encode prescription: record has no hash")
	}
	if r.Patient == nil {
		return nil, errors.New("encode prescription: record has no patient")
	}

	doc := document{
		Hash:        r.Hash.String(),
		PlaceDate:   r.PlaceDate,
		Patient:     encodeObject(r.Patient, contactFields),
		Medications: make([]medicationDoc, 0, len(r.Medications)),
	}
	if r.Patient.ID != nil {
		doc.Patient[SnakeCase("ID")] = *r.Patient.ID
	}
	if r.Operator != nil {
		doc.Operator = encodeObject(r.Operator, accountFields)
	}
	for _, m := range r.Medications {
		doc.Medications = append(doc.Medications, medicationDoc{
			EAN:     m.EAN,
			Comment: m.Comment,
			Title:   m.Title,
			Package: m.Package,
		})
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encode prescription: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func encodeObject[T any](v *T, fields []field[T]) map[string]any {
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		if f.num != nil {
			out[SnakeCase(f.name)] = *f.num(v)
			continue
		}
		out[SnakeCase(f.name)] = *f.str(v)
	}
	return out
}

// Decode parses a document produced by Encode or by the companion clients.
// A leading byte order mark is skipped and base64-wrapped documents are
// unwrapped. Unknown keys are ignored. Failures are *ParseError.
func Decode(data []byte) (*Record, error) {
	data, err := unwrap(data)
	if err != nil {
		return nil, err
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, parseErr("document is not a JSON object", err)
	}
	if top == nil {
		return nil, parseErr("document is null", nil)
	}
	for _, key := range []string{"hash", "patient", "medications"} {
		if _, ok := top[key]; !ok {
			return nil, parseErr(fmt.Sprintf("missing %q", key), nil)
		}
	}

	rec := &Record{}

	hash, err := decodeString(top["hash"])
	if err != nil {
		return nil, parseErr("hash", err)
	}
	if rec.Hash, err = uuid.Parse(strings.TrimSpace(hash)); err != nil {
		return nil, parseErr("hash", err)
	}

	if raw, ok := top["place_date"]; ok {
		if rec.PlaceDate, err = decodeString(raw); err != nil {
			return nil, parseErr("place_date", err)
		}
	}

	patient, err := decodeFields(top["patient"], contactFields)
	if err != nil {
		return nil, parseErr("patient", err)
	}
	if patient == nil {
		return nil, parseErr("patient is null", nil)
	}
	if patient.ID, err = decodeID(top["patient"]); err != nil {
		return nil, parseErr("patient.id", err)
	}
	rec.Patient = patient

	if raw, ok := top["operator"]; ok {
		if rec.Operator, err = decodeFields(raw, accountFields); err != nil {
			return nil, parseErr("operator", err)
		}
	}

	if rec.Medications, err = decodeMedications(top["medications"]); err != nil {
		return nil, err
	}
	return rec, nil
}

// unwrap strips a byte order mark, checks the encoding and undoes the base64
// wrapping used by the macOS and iOS clients.
func unwrap(data []byte) ([]byte, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	if !utf8.Valid(data) {
		return nil, parseErr("document is not valid UTF-8", nil)
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] == '{' {
		return trimmed, nil
	}

	compact := strings.Join(strings.Fields(string(trimmed)), "")
	decoded, err := base64.StdEncoding.DecodeString(compact)
	if err != nil {
		return trimmed, nil
	}
	decoded = bytes.TrimSpace(bytes.TrimPrefix(decoded, utf8BOM))
	if len(decoded) == 0 || decoded[0] != '{' {
		return trimmed, nil
	}
	if !utf8.Valid(decoded) {
		return nil, parseErr("document is not valid UTF-8", nil)
	}
	return decoded, nil
}

func decodeFields[T any](raw json.RawMessage, fields []field[T]) (*T, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("not an object: %w", err)
	}
	if obj == nil {
		return nil, nil
	}

	var v T
	for _, f := range fields {
		key := SnakeCase(f.name)
		val, ok := obj[key]
		if !ok {
			continue
		}
		if f.num != nil {
			n, err := decodeInt(val)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			*f.num(&v) = n
			continue
		}
		s, err := decodeString(val)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		*f.str(&v) = s
	}
	return &v, nil
}

func decodeID(raw json.RawMessage) (*int64, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	val, ok := obj[SnakeCase("ID")]
	if !ok || isNull(val) {
		return nil, nil
	}
	var id int64
	if err := json.Unmarshal(val, &id); err != nil {
		return nil, err
	}
	return &id, nil
}

func decodeMedications(raw json.RawMessage) ([]medication.Line, error) {
	if isNull(raw) {
		return []medication.Line{}, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, parseErr("medications is not an array", err)
	}

	lines := make([]medication.Line, 0, len(items))
	for i, item := range items {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(item, &obj); err != nil || obj == nil {
			return nil, parseErr(fmt.Sprintf("medications[%d] is not an object", i), err)
		}

		line := medication.Line{OrderIndex: i}
		targets := []struct {
			key string
			dst *string
		}{
			{"ean", &line.EAN},
			{"comment", &line.Comment},
			{"title", &line.Title},
			{"package", &line.Package},
		}
		for _, t := range targets {
			val, ok := obj[t.key]
			if !ok {
				continue
			}
			s, err := decodeString(val)
			if err != nil {
				return nil, parseErr(fmt.Sprintf("medications[%d].%s", i, t.key), err)
			}
			*t.dst = s
		}
		if strings.TrimSpace(line.EAN) == "" {
			return nil, parseErr(fmt.Sprintf("medications[%d] has no ean", i), nil)
		}
		lines = append(lines, line)
	}
	return lines, nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(bytes.TrimSpace(raw)) == "null"
}

// decodeString accepts strings and, for fields such as zip codes that some
// clients write unquoted, numbers.
func decodeString(raw json.RawMessage) (string, error) {
	if isNull(raw) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), nil
	}
	return "", fmt.Errorf("expected a string, got %s", raw)
}

func decodeInt(raw json.RawMessage) (int, error) {
	if isNull(raw) {
		return 0, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, fmt.Errorf("expected a number, got %s", raw)
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return 0, nil
		}
		n = json.Number(s)
	}
	if i, err := strconv.Atoi(n.String()); err == nil {
		return i, nil
	}
	f, err := strconv.ParseFloat(n.String(), 64)
	if err != nil {
		return 0, fmt.Errorf("expected a number, got %s", raw)
	}
	if f != math.Trunc(f) || f < math.MinInt || f >= math.MaxInt {
		return 0, fmt.Errorf("expected a whole number in range, got %s", raw)
	}
	return int(f), nil
}
