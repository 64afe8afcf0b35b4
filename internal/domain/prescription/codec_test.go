package prescription

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/ehr/rxbox/internal/domain/identity"
	"github.com/ehr/rxbox/internal/domain/medication"
)

func sampleRecord() *Record {
	id := int64(42)
	patient := &identity.Contact{
		ID:         &id,
		TimeStamp:  "2024-03-01T10:15.30",
		FamilyName: "Müller",
		GivenName:  "Anna",
		Birthdate:  "07.05.1980",
		Gender:     identity.GenderWoman,
		WeightKg:   64,
		HeightCm:   170,
		Zip:        "8001",
		City:       "Zürich",
		Country:    "CH",
		Address:    "Bahnhofstrasse 1",
		Phone:      "+41 44 000 00 00",
		Email:      "anna@example.ch",
	}
	patient.UID = identity.ComputeUID(patient)

	return &Record{
		Hash:      uuid.MustParse("6f1c2a9e-3b1d-4a7e-9c55-0d2a1b3c4d5e"),
		PlaceDate: "Zürich, 01.03.2024 (10:15:30)",
		Patient:   patient,
		Operator: &identity.Account{
			Title:      "Dr. med.",
			FamilyName: "Keller",
			GivenName:  "Peter",
			City:       "Zürich",
			Signature:  "aGVsbG8=",
		},
		Medications: []medication.Line{
			{EAN: "7680336700282", Comment: "1-0-1", Title: "Ponstan", OrderIndex: 0},
			{EAN: "7680521101306", Comment: "bei Bedarf <3x>", OrderIndex: 1},
		},
	}
}

func TestCodec_RoundTrip(t *testing.T) {
	rec := sampleRecord()

	data, err := Encode(rec)
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if !reflect.DeepEqual(got, rec) {
		t.Errorf("round trip mismatch\n got: %+v\nwant: %+v", got, rec)
	}
}

func TestCodec_RoundTripWithoutOperatorAndID(t *testing.T) {
	rec := sampleRecord()
	rec.Operator = nil
	rec.Patient.ID = nil
	rec.PlaceDate = ""

	data, err := Encode(rec)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, rec) {
		t.Errorf("round trip mismatch\n got: %+v\nwant: %+v", got, rec)
	}
}

func TestCodec_RoundTripEmptyDraft(t *testing.T) {
	rec := sampleRecord()
	rec.PlaceDate = ""
	rec.Medications = medication.NewSet().Lines()

	data, err := Encode(rec)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.Medications == nil {
		t.Fatal("expected an empty, non-nil medication list")
	}
	if !reflect.DeepEqual(got, rec) {
		t.Errorf("round trip mismatch\n got: %+v\nwant: %+v", got, rec)
	}
}

func TestEncode_Format(t *testing.T) {
	data, err := Encode(sampleRecord())
	if err != nil {
		t.Fatal(err)
	}
	if bytes.HasPrefix(data, utf8BOM) {
		t.Error("output must not start with a byte order mark")
	}
	if bytes.HasSuffix(data, []byte("\n")) {
		t.Error("output must not end with a newline")
	}
	if !bytes.Contains(data, []byte("<3x>")) {
		t.Error("expected HTML characters to be written unescaped")
	}

	var doc map[string]map[string]any
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"hash", "place_date", "operator", "patient", "medications"} {
		if _, ok := top[key]; !ok {
			t.Errorf("missing top-level key %q", key)
		}
	}
	doc = map[string]map[string]any{}
	for _, key := range []string{"patient", "operator"} {
		var obj map[string]any
		if err := json.Unmarshal(top[key], &obj); err != nil {
			t.Fatal(err)
		}
		doc[key] = obj
	}
	for _, key := range []string{"uid", "family_name", "given_name", "birthdate", "weight_kg", "id"} {
		if _, ok := doc["patient"][key]; !ok {
			t.Errorf("missing patient key %q", key)
		}
	}
	if doc["operator"]["title"] != "Dr. med." {
		t.Errorf("unexpected operator title %v", doc["operator"]["title"])
	}
}

func TestEncode_Rejects(t *testing.T) {
	rec := sampleRecord()
	rec.Hash = uuid.Nil
	if _, err := Encode(rec); err == nil {
		t.Error("expected error for missing hash")
	}

	rec = sampleRecord()
	rec.Patient = nil
	if _, err := Encode(rec); err == nil {
		t.Error("expected error for missing patient")
	}
}

func TestDecode_Malformed(t *testing.T) {
	valid, err := Encode(sampleRecord())
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", []byte("")},
		{"truncated", valid[:len(valid)/2]},
		{"array", []byte(`[1,2,3]`)},
		{"null", []byte(`null`)},
		{"invalid utf8", []byte("{\"hash\":\"\xff\xfe\"}")},
		{"missing hash", []byte(`{"patient":{},"medications":[]}`)},
		{"missing patient", []byte(`{"hash":"6f1c2a9e-3b1d-4a7e-9c55-0d2a1b3c4d5e","medications":[]}`)},
		{"missing medications", []byte(`{"hash":"6f1c2a9e-3b1d-4a7e-9c55-0d2a1b3c4d5e","patient":{}}`)},
		{"bad hash", []byte(`{"hash":"nope","patient":{},"medications":[]}`)},
		{"null patient", []byte(`{"hash":"6f1c2a9e-3b1d-4a7e-9c55-0d2a1b3c4d5e","patient":null,"medications":[]}`)},
		{"patient not object", []byte(`{"hash":"6f1c2a9e-3b1d-4a7e-9c55-0d2a1b3c4d5e","patient":"x","medications":[]}`)},
		{"medications not array", []byte(`{"hash":"6f1c2a9e-3b1d-4a7e-9c55-0d2a1b3c4d5e","patient":{},"medications":{}}`)},
		{"medication without ean", []byte(`{"hash":"6f1c2a9e-3b1d-4a7e-9c55-0d2a1b3c4d5e","patient":{},"medications":[{"comment":"x"}]}`)},
		{"bad weight", []byte(`{"hash":"6f1c2a9e-3b1d-4a7e-9c55-0d2a1b3c4d5e","patient":{"weight_kg":"heavy"},"medications":[]}`)},
		{"weight out of range", []byte(`{"hash":"6f1c2a9e-3b1d-4a7e-9c55-0d2a1b3c4d5e","patient":{"weight_kg":1e300},"medications":[]}`)},
		{"negative weight out of range", []byte(`{"hash":"6f1c2a9e-3b1d-4a7e-9c55-0d2a1b3c4d5e","patient":{"weight_kg":"-1e30"},"medications":[]}`)},
		{"fractional height", []byte(`{"hash":"6f1c2a9e-3b1d-4a7e-9c55-0d2a1b3c4d5e","patient":{"height_cm":181.5},"medications":[]}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.data)
			if !errors.Is(err, ErrParse) {
				t.Fatalf("expected ErrParse, got %v", err)
			}
			var pe *ParseError
			if !errors.As(err, &pe) {
				t.Fatalf("expected *ParseError, got %T", err)
			}
		})
	}
}

func TestDecode_IgnoresUnknownKeys(t *testing.T) {
	data := []byte(`{
		"hash": "6f1c2a9e-3b1d-4a7e-9c55-0d2a1b3c4d5e",
		"version": 3,
		"patient": {"uid": "abc", "family_name": "Rossi", "given_name": "Luca", "birthdate": "01.12.1990", "blood_group": "A+"},
		"medications": [{"ean": "7680336700282", "comment": "", "regnrs": "33670"}]
	}`)

	rec, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if rec.Patient.FamilyName != "Rossi" || rec.Patient.UID != "abc" {
		t.Errorf("unexpected patient %+v", rec.Patient)
	}
	if rec.Operator != nil {
		t.Error("expected nil operator when absent")
	}
	if rec.PlaceDate != "" {
		t.Errorf("expected empty place date, got %q", rec.PlaceDate)
	}
	if len(rec.Medications) != 1 || rec.Medications[0].EAN != "7680336700282" {
		t.Errorf("unexpected medications %+v", rec.Medications)
	}
}

func TestDecode_LenientScalars(t *testing.T) {
	data := []byte(`{
		"hash": "6f1c2a9e-3b1d-4a7e-9c55-0d2a1b3c4d5e",
		"patient": {"zip": 8001, "weight_kg": "72", "height_cm": 181.0, "phone": null},
		"medications": [{"ean": 7680336700282, "comment": "x"}]
	}`)

	rec, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if rec.Patient.Zip != "8001" {
		t.Errorf("expected zip 8001, got %q", rec.Patient.Zip)
	}
	if rec.Patient.WeightKg != 72 || rec.Patient.HeightCm != 181 {
		t.Errorf("unexpected weight/height %d/%d", rec.Patient.WeightKg, rec.Patient.HeightCm)
	}
	if rec.Medications[0].EAN != "7680336700282" {
		t.Errorf("unexpected ean %q", rec.Medications[0].EAN)
	}
}

func TestDecode_BOMAndBase64(t *testing.T) {
	rec := sampleRecord()
	data, err := Encode(rec)
	if err != nil {
		t.Fatal(err)
	}

	withBOM := append(append([]byte{}, utf8BOM...), data...)
	got, err := Decode(withBOM)
	if err != nil {
		t.Fatalf("Decode(BOM) error: %v", err)
	}
	if got.Hash != rec.Hash {
		t.Errorf("hash mismatch after BOM decode")
	}

	wrapped := base64.StdEncoding.EncodeToString(data)
	// macOS clients break long lines.
	var lines []string
	for len(wrapped) > 76 {
		lines = append(lines, wrapped[:76])
		wrapped = wrapped[76:]
	}
	lines = append(lines, wrapped)

	got, err = Decode([]byte(strings.Join(lines, "\r\n")))
	if err != nil {
		t.Fatalf("Decode(base64) error: %v", err)
	}
	if !reflect.DeepEqual(got, rec) {
		t.Errorf("base64 decode mismatch\n got: %+v\nwant: %+v", got, rec)
	}
}

func TestDecode_OrderIndexFollowsPosition(t *testing.T) {
	data := []byte(`{"hash":"6f1c2a9e-3b1d-4a7e-9c55-0d2a1b3c4d5e","patient":{},
		"medications":[{"ean":"3","comment":""},{"ean":"1","comment":""},{"ean":"2","comment":""}]}`)

	rec, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	for i, want := range []string{"3", "1", "2"} {
		if rec.Medications[i].EAN != want || rec.Medications[i].OrderIndex != i {
			t.Errorf("medications[%d] = %+v, want ean %s at %d", i, rec.Medications[i], want, i)
		}
	}
}
