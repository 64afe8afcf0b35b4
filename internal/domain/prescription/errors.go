package prescription

import (
	"errors"
	"fmt"
)

var (
	ErrParse              = errors.New("malformed prescription document")
	ErrSaveFailed         = errors.New("prescription save failed")
	ErrSelfImportRejected = errors.New("file is already managed by the store")
	ErrFileNotFound       = errors.New("prescription file not found")
	ErrNoPatient          = errors.New("no patient selected")
	ErrInvalidUID         = errors.New("invalid patient uid")
	ErrOutsideStore       = errors.New("path is outside the prescription store")
)

// ParseError reports why a document could not be decoded.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse prescription: %s: %v", e.Reason, e.Err)
	}
	return "parse prescription: " + e.Reason
}

func (e *ParseError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrParse, e.Err}
	}
	return []error{ErrParse}
}

func parseErr(reason string, err error) error {
	return &ParseError{Reason: reason, Err: err}
}

// SaveError is returned when writing a record to disk fails. The in-memory
// record is unchanged and the save can be retried.
type SaveError struct {
	Path string
	Err  error
}

func (e *SaveError) Error() string {
	return fmt.Sprintf("save prescription %s: %v", e.Path, e.Err)
}

func (e *SaveError) Unwrap() []error {
	return []error{ErrSaveFailed, e.Err}
}
