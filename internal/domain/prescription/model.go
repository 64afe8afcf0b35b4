// Package prescription persists prescriptions as .amk files, one directory
// per patient, and owns the single record being edited.
package prescription

import (
	"github.com/google/uuid"

	"github.com/ehr/rxbox/internal/domain/identity"
	"github.com/ehr/rxbox/internal/domain/medication"
)

const (
	// FileExt is the suffix of persisted prescription files.
	FileExt = ".amk"
	// FilePrefix starts every generated file name.
	FilePrefix = "RZ_"
	// FileTimeLayout encodes the creation time in file names. It sorts
	// lexicographically in chronological order.
	FileTimeLayout = "2006-01-02T150405"
	// PlaceDateLayout is the date part of a record's place date.
	PlaceDateLayout = "02.01.2006 (15:04:05)"
)

// Record is a prescription: who it is for, who wrote it and what it lists.
// An empty PlaceDate marks a draft that has never been saved.
type Record struct {
	Hash        uuid.UUID
	PlaceDate   string
	Patient     *identity.Contact
	Operator    *identity.Account
	Medications []medication.Line
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.Patient = r.Patient.Clone()
	out.Operator = r.Operator.Clone()
	out.Medications = append([]medication.Line(nil), r.Medications...)
	return &out
}

// FileDescriptor describes one .amk file found on listing. Name is the file
// name without extension. Hash is read from the file's content; IsValid is
// false when the content could not be decoded.
type FileDescriptor struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	Hash    string `json:"hash"`
	IsValid bool   `json:"is_valid"`
}
