package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// TimeStampLayout is the registry's insertion time stamp format.
const TimeStampLayout = "2006-01-02T15:04.05"

// Outcome is the terminal state of reconciling an imported contact.
type Outcome int

const (
	// OutcomeInvalid means the contact cannot be used; the import is dropped.
	OutcomeInvalid Outcome = iota
	// OutcomeFound means the registry already knows the patient. The
	// registry's stored contact wins over the imported one.
	OutcomeFound
	// OutcomeOk means the patient was new and has been inserted.
	OutcomeOk
)

func (o Outcome) String() string {
	switch o {
	case OutcomeFound:
		return "found"
	case OutcomeOk:
		return "ok"
	default:
		return "invalid"
	}
}

// Reconciliation is the result of Reconcile. Contact is the contact the
// caller should make active; it is nil for OutcomeInvalid. Err explains an
// invalid outcome (a *ValidationError, or ErrMissingUID).
type Reconciliation struct {
	Outcome  Outcome
	Contact  *Contact
	Migrated bool
	PrevUID  string
	Err      error
}

var ErrMissingUID = errors.New("contact has no uid")

// Reconciler matches imported contacts against a Registry.
type Reconciler struct {
	registry Registry
	logger   zerolog.Logger
	now      func() time.Time
}

func NewReconciler(registry Registry, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		registry: registry,
		logger:   logger.With().Str("component", "reconciler").Logger(),
		now:      time.Now,
	}
}

// Reconcile decides how imported relates to the registry. The UID is
// recomputed before the lookup so that files written with an older UID
// scheme resolve to the same patient instead of creating a duplicate.
// imported is not modified.
//
// The returned error is non-nil only for registry failures; invalid input is
// reported through OutcomeInvalid.
func (r *Reconciler) Reconcile(ctx context.Context, imported *Contact) (Reconciliation, error) {
	if imported == nil || strings.TrimSpace(imported.UID) == "" {
		return Reconciliation{Outcome: OutcomeInvalid, Err: ErrMissingUID}, nil
	}

	c := imported.Clone()
	res := Reconciliation{}

	if uid := ComputeUID(c); uid != c.UID {
		res.Migrated = true
		res.PrevUID = c.UID
		c.UID = uid
		if bd, err := NormalizeBirthdate(c.Birthdate); err == nil {
			c.Birthdate = bd
		}
		c.Gender = NormalizeGender(c.Gender)

		r.logger.Warn().
			Str("prev_uid", res.PrevUID).
			Str("uid", uid).
			Msg("imported contact uid corrected")
	}

	if err := Validate(c); err != nil {
		res.Outcome = OutcomeInvalid
		res.Err = err
		return res, nil
	}

	stored, err := r.registry.LookupByUID(ctx, c.UID)
	switch {
	case err == nil:
		res.Outcome = OutcomeFound
		res.Contact = stored
		return res, nil
	case !errors.Is(err, ErrContactNotFound):
		return Reconciliation{}, fmt.Errorf("reconcile %s: %w", c.UID, err)
	}

	c.ID = nil
	c.TimeStamp = r.now().Format(TimeStampLayout)
	id, err := r.registry.Insert(ctx, c)
	if err != nil {
		return Reconciliation{}, fmt.Errorf("reconcile %s: %w", c.UID, err)
	}
	c.ID = &id

	r.logger.Info().Str("uid", c.UID).Int64("id", id).Msg("imported contact registered")

	res.Outcome = OutcomeOk
	res.Contact = c
	return res, nil
}
