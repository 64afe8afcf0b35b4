package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/rxbox/internal/config"
	"github.com/ehr/rxbox/internal/domain/identity"
	"github.com/ehr/rxbox/internal/domain/inbox"
	"github.com/ehr/rxbox/internal/domain/prescription"
	"github.com/ehr/rxbox/internal/platform/db"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	return &config.Config{
		Port:            "0",
		Env:             "test",
		LogLevel:        "debug",
		DataDir:         filepath.Join(root, "amiko"),
		InboxDir:        filepath.Join(root, "inbox"),
		RegistryDriver:  config.RegistryMemory,
		CORSOrigins:     []string{"http://localhost:3000"},
		BodyLimit:       "1M",
		ImportBodyLimit: "10M",
	}
}

func TestNewLogger_Level(t *testing.T) {
	cfg := &config.Config{Env: "production", LogLevel: "WARN"}
	var buf bytes.Buffer
	logger := newLogger(cfg, &buf)

	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info message should be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, `"message":"shown"`) {
		t.Errorf("expected JSON warn line, got %s", out)
	}
}

func TestNewLogger_InvalidLevelFallsBackToInfo(t *testing.T) {
	cfg := &config.Config{Env: "production", LogLevel: "chatty"}
	logger := newLogger(cfg, &bytes.Buffer{})
	if logger.GetLevel() != zerolog.InfoLevel {
		t.Errorf("expected info level, got %s", logger.GetLevel())
	}
}

func TestNewApp_MemoryRegistry(t *testing.T) {
	cfg := testConfig(t)
	a, err := newApp(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("newApp() error: %v", err)
	}
	defer a.Close()

	if a.pool != nil {
		t.Error("memory registry should not open a database pool")
	}
	if a.store == nil || a.pipeline == nil || a.registry == nil {
		t.Fatal("expected store, pipeline and registry to be wired")
	}
	want, err := filepath.EvalSymlinks(cfg.DataDir)
	if err != nil {
		t.Fatal(err)
	}
	if a.store.DataDir() != want {
		t.Errorf("expected data dir %s, got %s", want, a.store.DataDir())
	}
}

func TestNewApp_SQLiteRegistry(t *testing.T) {
	cfg := testConfig(t)
	cfg.RegistryDriver = config.RegistrySQLite
	cfg.RegistryPath = filepath.Join(t.TempDir(), "nested", "patients.db")

	a, err := newApp(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("newApp() error: %v", err)
	}
	if len(a.closers) != 1 {
		t.Errorf("expected the registry closer, got %d closers", len(a.closers))
	}
	a.Close()
	if a.closers != nil {
		t.Error("Close should reset closers")
	}
}

func TestNewServer_HealthAndAPI(t *testing.T) {
	a, err := newApp(context.Background(), testConfig(t), zerolog.Nop())
	if err != nil {
		t.Fatalf("newApp() error: %v", err)
	}
	defer a.Close()
	e := newServer(a)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /health: expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"registry":"memory"`) {
		t.Errorf("unexpected health body: %s", rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/health/db", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("GET /health/db without a pool: expected 404, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, apiPrefix+"/session", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("GET session: expected 200, got %d", rec.Code)
	}
}

func TestNewServer_RequiresTokenWhenKeySet(t *testing.T) {
	cfg := testConfig(t)
	cfg.AuthSigningKey = strings.Repeat("k", 32)
	a, err := newApp(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("newApp() error: %v", err)
	}
	defer a.Close()
	e := newServer(a)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, apiPrefix+"/session", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("health must stay public, got %d", rec.Code)
	}
}

func TestPrintImport(t *testing.T) {
	contact := &identity.Contact{FamilyName: "Muster", GivenName: "Max"}
	file := &prescription.FileDescriptor{Name: "RZ_2024-03-01T101500.amk"}

	tests := []struct {
		name string
		res  inbox.Result
		want []string
	}{
		{
			name: "ok",
			res:  inbox.Result{Outcome: inbox.OutcomeOk, Contact: contact, File: file},
			want: []string{"new patient", file.Name},
		},
		{
			name: "found with migration",
			res:  inbox.Result{Outcome: inbox.OutcomeFound, Contact: contact, File: file, Migrated: true, PrevUID: "legacy"},
			want: []string{"already registered", "uid corrected from legacy"},
		},
		{
			name: "invalid",
			res:  inbox.Result{Outcome: inbox.OutcomeInvalid, Err: errors.New("truncated")},
			want: []string{"truncated"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			printImport(&buf, "in.amk", tt.res)
			for _, w := range tt.want {
				if !strings.Contains(buf.String(), w) {
					t.Errorf("output %q does not contain %q", buf.String(), w)
				}
			}
		})
	}
}

func TestPrintFiles(t *testing.T) {
	hash := uuid.NewString()
	var buf bytes.Buffer
	printFiles(&buf, []prescription.FileDescriptor{
		{Name: "RZ_2024-03-02T090000.amk", Hash: hash, IsValid: true},
		{Name: "RZ_2024-03-01T090000.amk", IsValid: false},
	})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header and 2 rows, got %d lines: %q", len(lines), buf.String())
	}
	if !strings.Contains(lines[1], hash) || !strings.HasSuffix(lines[1], "ok") {
		t.Errorf("unexpected first row: %q", lines[1])
	}
	if !strings.HasSuffix(lines[2], "unreadable") {
		t.Errorf("unexpected second row: %q", lines[2])
	}
}

func TestPrintMigrations(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	var buf bytes.Buffer
	printMigrations(&buf, []db.MigrationStatus{
		{Version: 1, Name: "001_patients.sql", Applied: true, AppliedAt: &at},
		{Version: 2, Name: "002_next.sql"},
	})

	out := buf.String()
	if !strings.Contains(out, "2024-01-02 03:04:05") {
		t.Errorf("expected applied timestamp in output: %s", out)
	}
	if !strings.Contains(out, "pending") {
		t.Errorf("expected pending migration in output: %s", out)
	}
}
