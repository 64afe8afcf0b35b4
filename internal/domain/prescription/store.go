package prescription

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/rxbox/internal/domain/identity"
	"github.com/ehr/rxbox/internal/domain/medication"
	"github.com/ehr/rxbox/internal/platform/fsutil"
	"github.com/ehr/rxbox/internal/platform/keylock"
)

// inboxKey serializes work on the inbox. It cannot collide with a uid.
const inboxKey = "inbox/"

// ChangeKind says which part of the store a Change is about.
type ChangeKind int

const (
	ChangeRecord ChangeKind = iota
	ChangeMedications
	ChangeFiles
)

// Change is sent on the Changes channel after a mutation. PatientUID is set
// for file changes.
type Change struct {
	Kind       ChangeKind
	PatientUID string
}

// Store owns the prescription directory tree and the active record. The
// active record is guarded by mu; disk mutations for a patient directory are
// serialized by a per-uid lock. Lock order is patient lock, then mu.
type Store struct {
	dataDir  string
	inboxDir string
	locks    *keylock.Locker
	logger   zerolog.Logger
	now      func() time.Time
	changes  chan Change

	mu         sync.Mutex
	hash       uuid.UUID
	placeDate  string
	patient    *identity.Contact
	operator   *identity.Account
	meds       *medication.Set
	activeFile string
}

// NewStore opens the store rooted at dataDir with imports staged in
// inboxDir. Both directories are created if needed. The active record
// starts as an empty draft.
func NewStore(dataDir, inboxDir string, logger zerolog.Logger) (*Store, error) {
	for _, dir := range []string{dataDir, inboxDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	absData, err := filepath.EvalSymlinks(dataDir)
	if err == nil {
		absData, err = filepath.Abs(absData)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", dataDir, err)
	}
	absInbox, err := filepath.EvalSymlinks(inboxDir)
	if err == nil {
		absInbox, err = filepath.Abs(absInbox)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", inboxDir, err)
	}

	s := &Store{
		dataDir:  absData,
		inboxDir: absInbox,
		locks:    keylock.New(),
		logger:   logger.With().Str("component", "prescription_store").Logger(),
		now:      time.Now,
		changes:  make(chan Change, 32),
		meds:     medication.NewSet(),
	}
	s.Renew()
	return s, nil
}

func (s *Store) DataDir() string  { return s.dataDir }
func (s *Store) InboxDir() string { return s.inboxDir }

// Changes delivers change notifications. Sends never block; when the buffer
// is full notifications are dropped, so consumers should re-read state
// rather than count events.
func (s *Store) Changes() <-chan Change {
	return s.changes
}

func (s *Store) notify(c Change) {
	select {
	case s.changes <- c:
	default:
	}
}

// Renew resets the active record to an empty draft with a fresh hash. The
// patient and operator are kept.
func (s *Store) Renew() {
	s.mu.Lock()
	s.meds.Reset()
	s.hash = uuid.New()
	s.placeDate = ""
	s.activeFile = ""
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeRecord})
}

// SetPatient selects the patient the active record belongs to. Switching to
// a different patient detaches the record from its file.
func (s *Store) SetPatient(c *identity.Contact) error {
	if c != nil && !identity.IsValidUID(c.UID) {
		return fmt.Errorf("%w: %q", ErrInvalidUID, c.UID)
	}

	s.mu.Lock()
	if s.patient == nil || c == nil || s.patient.UID != c.UID {
		s.activeFile = ""
		s.placeDate = ""
	}
	s.patient = c.Clone()
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeRecord})
	return nil
}

func (s *Store) SetOperator(a *identity.Account) {
	s.mu.Lock()
	s.operator = a.Clone()
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeRecord})
}

// Active returns a snapshot of the active record.
func (s *Store) Active() *Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() *Record {
	return &Record{
		Hash:        s.hash,
		PlaceDate:   s.placeDate,
		Patient:     s.patient.Clone(),
		Operator:    s.operator.Clone(),
		Medications: s.meds.Lines(),
	}
}

// IsPersisted reports whether the active record has been saved.
func (s *Store) IsPersisted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.placeDate != ""
}

// ActiveFile is the path the active record was loaded from or last saved
// to, or "" for a draft.
func (s *Store) ActiveFile() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeFile
}

func (s *Store) AddMedication(line medication.Line) bool {
	s.mu.Lock()
	changed := s.meds.Add(line)
	s.mu.Unlock()

	if changed {
		s.notify(Change{Kind: ChangeMedications})
	}
	return changed
}

func (s *Store) RemoveMedicationAt(index int) bool {
	s.mu.Lock()
	changed := s.meds.RemoveAt(index)
	s.mu.Unlock()

	if changed {
		s.notify(Change{Kind: ChangeMedications})
	}
	return changed
}

func (s *Store) SetMedicationComment(index int, comment string) bool {
	s.mu.Lock()
	changed := s.meds.SetComment(index, comment)
	s.mu.Unlock()

	if changed {
		s.notify(Change{Kind: ChangeMedications})
	}
	return changed
}

func (s *Store) patientDir(uid string) (string, error) {
	if !identity.IsValidUID(uid) {
		return "", fmt.Errorf("%w: %q", ErrInvalidUID, uid)
	}
	return filepath.Join(s.dataDir, uid), nil
}

// ListFiles lists the patient's prescription files, newest first. A missing
// patient directory is created and yields an empty list.
func (s *Store) ListFiles(ctx context.Context, uid string) ([]FileDescriptor, error) {
	dir, err := s.patientDir(uid)
	if err != nil {
		return nil, err
	}

	unlock, err := s.locks.Lock(ctx, uid)
	if err != nil {
		return nil, err
	}
	defer unlock()

	return s.listLocked(dir)
}

func (s *Store) listLocked(dir string) ([]FileDescriptor, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", dir, err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		name := e.Name()
		if !e.Type().IsRegular() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, FileExt) {
			continue
		}
		names = append(names, name)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	files := make([]FileDescriptor, 0, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		fd := FileDescriptor{
			Name: strings.TrimSuffix(name, FileExt),
			Path: path,
		}
		if data, err := os.ReadFile(path); err == nil {
			if rec, err := Decode(data); err == nil {
				fd.Hash = rec.Hash.String()
				fd.IsValid = true
			}
		}
		files = append(files, fd)
	}
	return files, nil
}

// FilePath resolves a listed file name (with or without extension) in the
// patient's directory.
func (s *Store) FilePath(uid, name string) (string, error) {
	dir, err := s.patientDir(uid)
	if err != nil {
		return "", err
	}
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("%w: %q", ErrFileNotFound, name)
	}
	if !strings.HasSuffix(name, FileExt) {
		name += FileExt
	}

	path := filepath.Join(dir, name)
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s", ErrFileNotFound, path)
	}
	return path, nil
}

// Save writes the active record to the patient's directory. A place date
// and hash are assigned if missing. With rewrite the file holding the
// record's hash is replaced; otherwise a new file is always created. On
// failure the error is a *SaveError and the active record is unchanged.
func (s *Store) Save(ctx context.Context, rewrite bool) (FileDescriptor, error) {
	s.mu.Lock()
	rec := s.snapshotLocked()
	activeFile := s.activeFile
	s.mu.Unlock()

	if rec.Patient == nil {
		return FileDescriptor{}, ErrNoPatient
	}
	dir, err := s.patientDir(rec.Patient.UID)
	if err != nil {
		return FileDescriptor{}, err
	}
	if rec.Hash == uuid.Nil {
		rec.Hash = uuid.New()
	}
	if rec.PlaceDate == "" {
		rec.PlaceDate = s.placeDateFor(rec.Operator)
	}

	unlock, err := s.locks.Lock(ctx, rec.Patient.UID)
	if err != nil {
		return FileDescriptor{}, err
	}
	defer unlock()

	target := ""
	if rewrite {
		target = s.rewriteTarget(dir, activeFile, rec.Hash)
	}
	fd, err := s.writeLocked(dir, target, rec)
	if err != nil {
		return FileDescriptor{}, err
	}

	s.mu.Lock()
	if s.hash == rec.Hash || s.hash == uuid.Nil {
		s.hash = rec.Hash
		s.placeDate = rec.PlaceDate
		s.activeFile = fd.Path
	}
	s.mu.Unlock()

	s.logger.Info().
		Str("uid", rec.Patient.UID).
		Str("file", fd.Name).
		Bool("rewrite", rewrite).
		Msg("prescription saved")
	s.notify(Change{Kind: ChangeFiles, PatientUID: rec.Patient.UID})
	return fd, nil
}

func (s *Store) placeDateFor(op *identity.Account) string {
	date := s.now().Format(PlaceDateLayout)
	if op == nil || strings.TrimSpace(op.City) == "" {
		return date
	}
	return strings.TrimSpace(op.City) + ", " + date
}

// rewriteTarget returns the file currently holding hash, or "" if there is
// none.
func (s *Store) rewriteTarget(dir, activeFile string, hash uuid.UUID) string {
	if activeFile != "" && filepath.Dir(activeFile) == dir {
		if data, err := os.ReadFile(activeFile); err == nil {
			if rec, err := Decode(data); err == nil && rec.Hash == hash {
				return activeFile
			}
		}
	}
	return findByHash(dir, hash)
}

func findByHash(dir string, hash uuid.UUID) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	for _, e := range entries {
		if !e.Type().IsRegular() || !strings.HasSuffix(e.Name(), FileExt) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if rec, err := Decode(data); err == nil && rec.Hash == hash {
			return path
		}
	}
	return ""
}

// writeLocked encodes rec into target, or into a new timestamped file when
// target is empty. The caller holds the patient lock.
func (s *Store) writeLocked(dir, target string, rec *Record) (FileDescriptor, error) {
	data, err := Encode(rec)
	if err != nil {
		return FileDescriptor{}, s.saveFailed(dir, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return FileDescriptor{}, s.saveFailed(dir, err)
	}
	if target == "" {
		if target, err = uniquePath(dir, FilePrefix+s.now().Format(FileTimeLayout), FileExt); err != nil {
			return FileDescriptor{}, s.saveFailed(dir, err)
		}
	}
	if err := fsutil.WriteFile(target, data, 0o644); err != nil {
		return FileDescriptor{}, s.saveFailed(target, err)
	}

	return FileDescriptor{
		Name:    strings.TrimSuffix(filepath.Base(target), FileExt),
		Path:    target,
		Hash:    rec.Hash.String(),
		IsValid: true,
	}, nil
}

func (s *Store) saveFailed(path string, err error) error {
	s.logger.Error().Err(err).Str("path", path).Msg("prescription save failed")
	return &SaveError{Path: path, Err: err}
}

// uniquePath returns dir/base+ext, or dir/base_NN+ext for the first free NN
// when several files are created within the same second.
func uniquePath(dir, base, ext string) (string, error) {
	path := filepath.Join(dir, base+ext)
	if _, err := os.Lstat(path); errors.Is(err, fs.ErrNotExist) {
		return path, nil
	}
	for i := 1; i < 100; i++ {
		path = filepath.Join(dir, fmt.Sprintf("%s_%02d%s", base, i, ext))
		if _, err := os.Lstat(path); errors.Is(err, fs.ErrNotExist) {
			return path, nil
		}
	}
	return "", fmt.Errorf("no free file name for %s%s", base, ext)
}

// Open loads a file from the patient's directory and makes it the active
// record.
func (s *Store) Open(ctx context.Context, uid, name string) (*Record, error) {
	path, err := s.FilePath(uid, name)
	if err != nil {
		return nil, err
	}

	unlock, err := s.locks.Lock(ctx, uid)
	if err != nil {
		return nil, err
	}
	defer unlock()

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	rec, err := Decode(data)
	if err != nil {
		return nil, err
	}
	rec.Patient.UID = uid

	s.activate(rec, path)
	return rec.Clone(), nil
}

func (s *Store) activate(rec *Record, path string) {
	s.mu.Lock()
	s.hash = rec.Hash
	s.placeDate = rec.PlaceDate
	s.patient = rec.Patient.Clone()
	if rec.Operator != nil {
		s.operator = rec.Operator.Clone()
	}
	s.meds.Replace(rec.Medications)
	s.activeFile = path
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeRecord})
}

// DeleteFile removes a prescription file. Deleting a missing file is not an
// error. Paths outside the store's data directory are refused.
func (s *Store) DeleteFile(ctx context.Context, path string) error {
	abs := fsutil.Resolve(path)
	rel, err := filepath.Rel(s.dataDir, abs)
	if err != nil || !fsutil.Within(s.dataDir, abs) || !strings.HasSuffix(abs, FileExt) {
		return fmt.Errorf("%w: %s", ErrOutsideStore, path)
	}
	uid, _, ok := strings.Cut(filepath.ToSlash(rel), "/")
	if !ok || !identity.IsValidUID(uid) {
		return fmt.Errorf("%w: %s", ErrOutsideStore, path)
	}

	unlock, err := s.locks.Lock(ctx, uid)
	if err != nil {
		return err
	}
	defer unlock()

	if err := os.Remove(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", abs, err)
	}

	s.mu.Lock()
	if s.activeFile == abs {
		s.activeFile = ""
		s.placeDate = ""
	}
	s.mu.Unlock()

	s.logger.Info().Str("uid", uid).Str("path", abs).Msg("prescription deleted")
	s.notify(Change{Kind: ChangeFiles, PatientUID: uid})
	return nil
}

// IsManaged reports whether path lies inside the data or inbox directory,
// also when it reaches them through a symlink.
func (s *Store) IsManaged(path string) bool {
	resolved := fsutil.Resolve(path)
	return fsutil.Within(s.dataDir, resolved) || fsutil.Within(s.inboxDir, resolved)
}

// ImportFile copies src into the inbox and returns the copy's path. The
// source file is never modified. Files already inside the store are
// rejected with ErrSelfImportRejected.
func (s *Store) ImportFile(ctx context.Context, src string) (string, error) {
	abs, err := filepath.Abs(src)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", src, err)
	}
	if s.IsManaged(abs) {
		return "", fmt.Errorf("%w: %s", ErrSelfImportRejected, abs)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("import %s: %w", abs, err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("import %s: not a regular file", abs)
	}

	unlock, err := s.locks.Lock(ctx, inboxKey)
	if err != nil {
		return "", err
	}
	defer unlock()

	name := filepath.Base(abs)
	ext := filepath.Ext(name)
	dst, err := uniquePath(s.inboxDir, strings.TrimSuffix(name, ext), ext)
	if err != nil {
		return "", fmt.Errorf("import %s: %w", abs, err)
	}
	if _, err := fsutil.CopyFile(abs, dst); err != nil {
		return "", fmt.Errorf("import %s: %w", abs, err)
	}

	s.logger.Info().Str("src", abs).Str("copy", dst).Msg("file copied to inbox")
	return dst, nil
}

// RemoveImported deletes an inbox copy once it has been adopted.
func (s *Store) RemoveImported(ctx context.Context, path string) error {
	if !fsutil.Within(s.inboxDir, fsutil.Resolve(path)) {
		return fmt.Errorf("%w: %s", ErrOutsideStore, path)
	}

	unlock, err := s.locks.Lock(ctx, inboxKey)
	if err != nil {
		return err
	}
	defer unlock()

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

// Adopt persists an imported record in its patient's directory and makes it
// the active record. A file already holding the record's hash is replaced
// so that importing the same prescription twice does not duplicate it.
func (s *Store) Adopt(ctx context.Context, rec *Record) (FileDescriptor, error) {
	if rec == nil || rec.Patient == nil {
		return FileDescriptor{}, ErrNoPatient
	}
	rec = rec.Clone()
	// Imported documents may repeat an EAN; persist what the active record
	// will hold.
	set := medication.NewSet()
	set.Replace(rec.Medications)
	rec.Medications = set.Lines()

	dir, err := s.patientDir(rec.Patient.UID)
	if err != nil {
		return FileDescriptor{}, err
	}
	if rec.Hash == uuid.Nil {
		rec.Hash = uuid.New()
	}
	if rec.PlaceDate == "" {
		rec.PlaceDate = s.placeDateFor(rec.Operator)
	}

	unlock, err := s.locks.Lock(ctx, rec.Patient.UID)
	if err != nil {
		return FileDescriptor{}, err
	}
	defer unlock()

	fd, err := s.writeLocked(dir, findByHash(dir, rec.Hash), rec)
	if err != nil {
		return FileDescriptor{}, err
	}
	s.activate(rec, fd.Path)

	s.logger.Info().Str("uid", rec.Patient.UID).Str("file", fd.Name).Msg("imported prescription adopted")
	s.notify(Change{Kind: ChangeFiles, PatientUID: rec.Patient.UID})
	return fd, nil
}

// CleanInbox removes inbox files older than olderThan, or all of them when
// olderThan is zero. It returns how many files were removed.
func (s *Store) CleanInbox(ctx context.Context, olderThan time.Duration) (int, error) {
	unlock, err := s.locks.Lock(ctx, inboxKey)
	if err != nil {
		return 0, err
	}
	defer unlock()

	entries, err := os.ReadDir(s.inboxDir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", s.inboxDir, err)
	}

	cutoff := s.now().Add(-olderThan)
	removed := 0
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if olderThan > 0 && info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(s.inboxDir, e.Name())
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, fmt.Errorf("remove %s: %w", path, err)
		}
		removed++
	}

	if removed > 0 {
		s.logger.Info().Int("removed", removed).Dur("older_than", olderThan).Msg("inbox cleaned")
	}
	return removed, nil
}
