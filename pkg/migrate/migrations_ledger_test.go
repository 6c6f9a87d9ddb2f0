package migrate_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/angelmondragon/bodyscan-backend/pkg/migrate"
)

func readMigration(t *testing.T, suffix string) string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join("migrations", "*_"+suffix+".sql"))
	if err != nil {
		t.Fatalf("glob migrations: %v", err)
	}
	if len(matches) == 0 {
		t.Fatalf("no %s migration file found", suffix)
	}

	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("read migration file: %v", err)
	}
	return string(data)
}

func TestAccountsMigrationContainsConstraints(t *testing.T) {
	content := readMigration(t, "create_accounts")

	checks := []string{
		"CREATE TABLE IF NOT EXISTS accounts",
		"quick_balance integer NOT NULL DEFAULT 1",
		"CHECK (quick_balance >= 0)",
		"CHECK (premium_balance >= 0)",
		"DROP TABLE IF EXISTS accounts",
	}

	for _, sub := range checks {
		if !strings.Contains(content, sub) {
			t.Errorf("missing expected statement %q", sub)
		}
	}
}

func TestTicketLedgerMigrationContainsIdempotencyIndex(t *testing.T) {
	content := readMigration(t, "create_ticket_ledger")

	checks := []string{
		"CREATE TABLE IF NOT EXISTS ticket_ledger",
		"CREATE UNIQUE INDEX IF NOT EXISTS ux_ticket_ledger_idempotency",
		"ON ticket_ledger (account_id, ticket_type, reason, ref_id)",
		"'HOLD', 'CONSUME', 'RELEASE'",
		"DROP TABLE IF EXISTS ticket_ledger",
	}

	for _, sub := range checks {
		if !strings.Contains(content, sub) {
			t.Errorf("missing expected statement %q", sub)
		}
	}
}

func TestAnalyzeJobsMigrationContainsStatusEnum(t *testing.T) {
	content := readMigration(t, "create_analyze_jobs")

	checks := []string{
		"CREATE TABLE IF NOT EXISTS analyze_jobs",
		"'QUEUED', 'RUNNING', 'COMPLETED', 'FAILED'",
		"ticket_type ticket_type_enum,",
		"idx_analyze_jobs_status_updated",
	}

	for _, sub := range checks {
		if !strings.Contains(content, sub) {
			t.Errorf("missing expected statement %q", sub)
		}
	}
}

func TestValidateDirAcceptsMigrations(t *testing.T) {
	if err := migrate.ValidateDir("migrations"); err != nil {
		t.Fatalf("validate migrations: %v", err)
	}
}

func TestValidateDirRejectsBadName(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "bad-name.sql"), []byte("-- +goose Up\n-- +goose Down\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := migrate.ValidateDir(dir); err == nil {
		t.Fatal("expected invalid filename error")
	}
}

func TestCreateSQLMigrationWritesTemplate(t *testing.T) {
	dir := t.TempDir()
	path, err := migrate.CreateSQLMigration(dir, "Add Job Index", time.Now())
	if err != nil {
		t.Fatalf("create migration: %v", err)
	}
	if !strings.HasSuffix(path, "_add_job_index.sql") {
		t.Fatalf("unexpected path %q", path)
	}
	if err := migrate.ValidateDir(dir); err != nil {
		t.Fatalf("created migration should validate: %v", err)
	}
}

func TestEmbeddedMigrationsValidate(t *testing.T) {
	if err := migrate.ValidateFS(migrate.Embedded()); err != nil {
		t.Fatalf("embedded migrations: %v", err)
	}
}

func TestCreateSQLMigrationBumpsPastLatestVersion(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	first, err := migrate.CreateSQLMigration(dir, "first", now)
	if err != nil {
		t.Fatalf("create first: %v", err)
	}
	second, err := migrate.CreateSQLMigration(dir, "second", now)
	if err != nil {
		t.Fatalf("create second: %v", err)
	}
	if filepath.Base(first) != "20260301120000_first.sql" {
		t.Fatalf("unexpected first name %q", filepath.Base(first))
	}
	if filepath.Base(second) != "20260301120001_second.sql" {
		t.Fatalf("expected bumped version, got %q", filepath.Base(second))
	}
}

func TestValidateDirRejectsUnbalancedStatements(t *testing.T) {
	dir := t.TempDir()
	body := "-- +goose Up\n-- +goose StatementBegin\nSELECT 1;\n-- +goose Down\n"
	if err := os.WriteFile(filepath.Join(dir, "20260301120000_broken.sql"), []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := migrate.ValidateDir(dir); err == nil {
		t.Fatal("expected unbalanced StatementBegin error")
	}
}
