// Package inbox imports prescription files received from other clients:
// the file is copied into the inbox, decoded, its patient reconciled with
// the registry and the record adopted into the patient's directory.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ehr/rxbox/internal/domain/identity"
	"github.com/ehr/rxbox/internal/domain/prescription"
)

// Outcome is the terminal state of an import.
type Outcome int

const (
	// OutcomeInvalid: the file could not be used. The copy stays in the inbox.
	OutcomeInvalid Outcome = iota
	// OutcomeFound: the patient was already registered; the registry's
	// contact is used.
	OutcomeFound
	// OutcomeOk: a new patient was registered.
	OutcomeOk
	// OutcomeRejected: the file is already managed by the store. Nothing
	// was copied.
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeFound:
		return "found"
	case OutcomeOk:
		return "ok"
	case OutcomeRejected:
		return "rejected"
	default:
		return "invalid"
	}
}

// Result describes a finished import. Path is the inbox copy for invalid
// imports and the adopted file otherwise. Err explains invalid and rejected
// outcomes.
type Result struct {
	Outcome  Outcome
	Path     string
	File     *prescription.FileDescriptor
	Contact  *identity.Contact
	Migrated bool
	PrevUID  string
	Err      error
}

type Pipeline struct {
	mu         sync.Mutex
	store      *prescription.Store
	reconciler *identity.Reconciler
	logger     zerolog.Logger
}

func NewPipeline(store *prescription.Store, reconciler *identity.Reconciler, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		store:      store,
		reconciler: reconciler,
		logger:     logger.With().Str("component", "import_pipeline").Logger(),
	}
}

// Import runs one import to completion. Imports are serialized. Expected
// failures (bad file, invalid patient, self import) are reported in the
// Result; the error is non-nil only for I/O and registry failures, in which
// case the active record is left as it was unless adoption had begun.
func (p *Pipeline) Import(ctx context.Context, src string) (Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	log := p.logger.With().Str("src", src).Logger()

	copyPath, err := p.store.ImportFile(ctx, src)
	if errors.Is(err, prescription.ErrSelfImportRejected) {
		log.Warn().Msg("import of managed file rejected")
		return Result{Outcome: OutcomeRejected, Err: err}, nil
	}
	if err != nil {
		return Result{Outcome: OutcomeInvalid}, err
	}
	res := Result{Outcome: OutcomeInvalid, Path: copyPath}

	data, err := os.ReadFile(copyPath)
	if err != nil {
		return res, fmt.Errorf("read %s: %w", copyPath, err)
	}
	rec, err := prescription.Decode(data)
	if err != nil {
		log.Warn().Err(err).Str("copy", copyPath).Msg("import is not a valid prescription")
		res.Err = err
		return res, nil
	}

	rc, err := p.reconciler.Reconcile(ctx, rec.Patient)
	if err != nil {
		return res, err
	}
	res.Migrated, res.PrevUID = rc.Migrated, rc.PrevUID
	if rc.Outcome == identity.OutcomeInvalid {
		if errors.Is(rc.Err, identity.ErrValidation) {
			p.store.Renew()
		}
		log.Warn().Err(rc.Err).Str("copy", copyPath).Msg("import has no usable patient")
		res.Err = rc.Err
		return res, nil
	}

	rec.Patient = rc.Contact
	fd, err := p.store.Adopt(ctx, rec)
	if err != nil {
		return res, err
	}
	if err := p.store.RemoveImported(ctx, copyPath); err != nil {
		log.Warn().Err(err).Str("copy", copyPath).Msg("inbox copy not removed")
	}

	res.Outcome = OutcomeOk
	if rc.Outcome == identity.OutcomeFound {
		res.Outcome = OutcomeFound
	}
	res.Path = fd.Path
	res.File = &fd
	res.Contact = rc.Contact.Clone()

	log.Info().
		Str("outcome", res.Outcome.String()).
		Str("uid", rc.Contact.UID).
		Str("file", fd.Name).
		Msg("prescription imported")
	return res, nil
}
