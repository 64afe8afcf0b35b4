package inbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/rxbox/internal/domain/identity"
	"github.com/ehr/rxbox/internal/domain/medication"
	"github.com/ehr/rxbox/internal/domain/prescription"
)

type failingRegistry struct{ err error }

func (f failingRegistry) LookupByUID(context.Context, string) (*identity.Contact, error) {
	return nil, f.err
}
func (f failingRegistry) Insert(context.Context, *identity.Contact) (int64, error) { return 0, f.err }
func (f failingRegistry) Update(context.Context, *identity.Contact) error         { return f.err }

type fixture struct {
	store    *prescription.Store
	registry *identity.MemoryRegistry
	pipeline *Pipeline
	outside  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	store, err := prescription.NewStore(filepath.Join(root, "amiko"), filepath.Join(root, "inbox"), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	reg := identity.NewMemoryRegistry()
	return &fixture{
		store:    store,
		registry: reg,
		pipeline: NewPipeline(store, identity.NewReconciler(reg, zerolog.Nop()), zerolog.Nop()),
		outside:  t.TempDir(),
	}
}

func (f *fixture) write(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(f.outside, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func (f *fixture) inboxEntries(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir(f.store.InboxDir())
	if err != nil {
		t.Fatal(err)
	}
	return len(entries)
}

func patient() *identity.Contact {
	c := &identity.Contact{
		FamilyName: "Bianchi",
		GivenName:  "Giulia",
		Birthdate:  "14.02.1975",
		Gender:     identity.GenderWoman,
		Phone:      "+41 79 111 11 11",
	}
	c.UID = identity.ComputeUID(c)
	return c
}

func encodeRecord(t *testing.T, p *identity.Contact) []byte {
	t.Helper()
	data, err := prescription.Encode(&prescription.Record{
		Hash:        uuid.New(),
		PlaceDate:   "Lugano, 01.02.2024 (09:00:00)",
		Patient:     p,
		Operator:    &identity.Account{FamilyName: "Ferrari", City: "Lugano"},
		Medications: []medication.Line{{EAN: "7680336700282", Comment: "1-0-1"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	return data
}

// seedDraft gives the store an active record the tests can check for changes.
func seedDraft(t *testing.T, s *prescription.Store) *prescription.Record {
	t.Helper()
	s.AddMedication(medication.Line{EAN: "1111111111111", Comment: "draft"})
	return s.Active()
}

func TestImport_TruncatedFileIsInvalid(t *testing.T) {
	f := newFixture(t)
	before := seedDraft(t, f.store)

	data := encodeRecord(t, patient())
	src := f.write(t, "RZ_truncated.amk", data[:len(data)/2])

	res, err := f.pipeline.Import(context.Background(), src)
	if err != nil {
		t.Fatalf("Import() error: %v", err)
	}
	if res.Outcome != OutcomeInvalid {
		t.Fatalf("expected invalid, got %s", res.Outcome)
	}
	if !errors.Is(res.Err, prescription.ErrParse) {
		t.Errorf("expected parse error, got %v", res.Err)
	}

	after := f.store.Active()
	if after.Hash != before.Hash || len(after.Medications) != 1 {
		t.Errorf("expected active record untouched, got %+v", after)
	}
	if f.inboxEntries(t) != 1 {
		t.Error("expected the inbox copy to be kept")
	}
	if filepath.Dir(res.Path) != f.store.InboxDir() {
		t.Errorf("expected path of the inbox copy, got %s", res.Path)
	}
	if f.registry.Len() != 0 {
		t.Error("expected registry untouched")
	}
}

func TestImport_MissingUIDLeavesStoreUntouched(t *testing.T) {
	f := newFixture(t)
	before := seedDraft(t, f.store)

	p := patient()
	p.UID = ""
	src := f.write(t, "RZ_nouid.amk", encodeRecord(t, p))

	res, err := f.pipeline.Import(context.Background(), src)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeInvalid || !errors.Is(res.Err, identity.ErrMissingUID) {
		t.Fatalf("expected invalid with ErrMissingUID, got %s %v", res.Outcome, res.Err)
	}
	if f.store.Active().Hash != before.Hash {
		t.Error("expected active record untouched")
	}
}

func TestImport_ValidationFailureRenewsDraft(t *testing.T) {
	f := newFixture(t)
	before := seedDraft(t, f.store)

	p := patient()
	p.GivenName = ""
	src := f.write(t, "RZ_invalid.amk", encodeRecord(t, p))

	res, err := f.pipeline.Import(context.Background(), src)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeInvalid || !errors.Is(res.Err, identity.ErrValidation) {
		t.Fatalf("expected invalid with validation error, got %s %v", res.Outcome, res.Err)
	}
	after := f.store.Active()
	if after.Hash == before.Hash || len(after.Medications) != 0 {
		t.Error("expected draft to be renewed")
	}
	if f.inboxEntries(t) != 1 {
		t.Error("expected the inbox copy to be kept")
	}
}

func TestImport_NewPatientIsOk(t *testing.T) {
	f := newFixture(t)
	p := patient()
	src := f.write(t, "RZ_new.amk", encodeRecord(t, p))

	res, err := f.pipeline.Import(context.Background(), src)
	if err != nil {
		t.Fatalf("Import() error: %v", err)
	}
	if res.Outcome != OutcomeOk {
		t.Fatalf("expected ok, got %s (%v)", res.Outcome, res.Err)
	}
	if f.registry.Len() != 1 {
		t.Fatalf("expected exactly one registry insert, got %d", f.registry.Len())
	}
	if res.Contact == nil || res.Contact.ID == nil {
		t.Fatal("expected contact with assigned id")
	}

	active := f.store.Active()
	if active.Patient.UID != p.UID || len(active.Medications) != 1 {
		t.Errorf("unexpected active record %+v", active)
	}
	if active.Operator == nil || active.Operator.FamilyName != "Ferrari" {
		t.Errorf("expected operator from file, got %+v", active.Operator)
	}
	if filepath.Dir(res.Path) != filepath.Join(f.store.DataDir(), p.UID) {
		t.Errorf("expected record in patient directory, got %s", res.Path)
	}
	if f.inboxEntries(t) != 0 {
		t.Error("expected inbox copy to be removed after adoption")
	}
	if _, err := os.Stat(src); err != nil {
		t.Error("expected source file to be kept")
	}
}

func TestImport_KnownPatientIsFound(t *testing.T) {
	f := newFixture(t)
	stored := patient()
	stored.Phone = "+41 91 000 00 00"
	if _, err := f.registry.Insert(context.Background(), stored); err != nil {
		t.Fatal(err)
	}

	imported := patient()
	imported.UID = "legacy-uid-from-another-client"
	imported.Birthdate = "1975-02-14"
	src := f.write(t, "RZ_known.amk", encodeRecord(t, imported))

	res, err := f.pipeline.Import(context.Background(), src)
	if err != nil {
		t.Fatalf("Import() error: %v", err)
	}
	if res.Outcome != OutcomeFound {
		t.Fatalf("expected found, got %s (%v)", res.Outcome, res.Err)
	}
	if !res.Migrated || res.PrevUID != "legacy-uid-from-another-client" {
		t.Errorf("expected uid migration to be reported, got %+v", res)
	}
	if f.registry.Len() != 1 {
		t.Errorf("expected no duplicate insert, registry has %d", f.registry.Len())
	}

	active := f.store.Active()
	if active.Patient.Phone != stored.Phone {
		t.Errorf("expected registry contact to win, got phone %q", active.Patient.Phone)
	}
	if active.Patient.UID != stored.UID {
		t.Errorf("expected canonical uid, got %s", active.Patient.UID)
	}
}

func TestImport_SelfImportRejected(t *testing.T) {
	f := newFixture(t)
	p := patient()
	dir := filepath.Join(f.store.DataDir(), p.UID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	managed := filepath.Join(dir, "RZ_2024-02-01T090000.amk")
	if err := os.WriteFile(managed, encodeRecord(t, p), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := f.pipeline.Import(context.Background(), managed)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeRejected || !errors.Is(res.Err, prescription.ErrSelfImportRejected) {
		t.Fatalf("expected rejected, got %s %v", res.Outcome, res.Err)
	}
	if f.inboxEntries(t) != 0 {
		t.Error("expected no copy for a rejected import")
	}
	if f.registry.Len() != 0 {
		t.Error("expected registry untouched")
	}
}

func TestImport_SelfImportThroughSymlinkRejected(t *testing.T) {
	f := newFixture(t)
	p := patient()
	dir := filepath.Join(f.store.DataDir(), p.UID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "RZ_2024-02-01T090000.amk"), encodeRecord(t, p), 0o644); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(f.outside, "link")
	if err := os.Symlink(f.store.DataDir(), link); err != nil {
		t.Skipf("symlinks not supported: %v", err)
	}

	res, err := f.pipeline.Import(context.Background(), filepath.Join(link, p.UID, "RZ_2024-02-01T090000.amk"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeRejected || !errors.Is(res.Err, prescription.ErrSelfImportRejected) {
		t.Fatalf("expected rejected, got %s %v", res.Outcome, res.Err)
	}
	if f.inboxEntries(t) != 0 {
		t.Error("expected no copy for a rejected import")
	}
	if f.registry.Len() != 0 {
		t.Error("expected registry untouched")
	}
}

func TestImport_DuplicateEANStoredOnce(t *testing.T) {
	f := newFixture(t)
	data, err := prescription.Encode(&prescription.Record{
		Hash:      uuid.New(),
		PlaceDate: "Lugano, 01.02.2024 (09:00:00)",
		Patient:   patient(),
		Medications: []medication.Line{
			{EAN: "7680336700282", Comment: "1-0-1"},
			{EAN: "7680336700282", Comment: "1-0-1"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	res, err := f.pipeline.Import(context.Background(), f.write(t, "RZ_dup.amk", data))
	if err != nil {
		t.Fatalf("Import() error: %v", err)
	}
	if res.Outcome != OutcomeOk {
		t.Fatalf("expected ok, got %s %v", res.Outcome, res.Err)
	}

	saved, err := os.ReadFile(res.File.Path)
	if err != nil {
		t.Fatal(err)
	}
	onDisk, err := prescription.Decode(saved)
	if err != nil {
		t.Fatal(err)
	}
	if len(onDisk.Medications) != 1 {
		t.Errorf("expected 1 medication on disk, got %d", len(onDisk.Medications))
	}
	if n := len(f.store.Active().Medications); n != len(onDisk.Medications) {
		t.Errorf("active record has %d medications, file has %d", n, len(onDisk.Medications))
	}
}

func TestImport_RegistryFailure(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("registry down")
	f.pipeline = NewPipeline(f.store, identity.NewReconciler(failingRegistry{err: boom}, zerolog.Nop()), zerolog.Nop())
	before := seedDraft(t, f.store)

	src := f.write(t, "RZ_x.amk", encodeRecord(t, patient()))
	res, err := f.pipeline.Import(context.Background(), src)
	if !errors.Is(err, boom) {
		t.Fatalf("expected registry error, got %v", err)
	}
	if res.Outcome != OutcomeInvalid {
		t.Errorf("expected invalid outcome on failure, got %s", res.Outcome)
	}
	if f.store.Active().Hash != before.Hash {
		t.Error("expected active record untouched")
	}
}

func TestImport_MissingSource(t *testing.T) {
	f := newFixture(t)
	if _, err := f.pipeline.Import(context.Background(), filepath.Join(f.outside, "missing.amk")); err == nil {
		t.Fatal("expected error for missing source")
	}
}
