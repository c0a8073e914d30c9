package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func tempDB(t *testing.T) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := New(path)
	if err != nil {
		t.Fatalf("New(%q): %v", path, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNew_creates_database(t *testing.T) {
	path := filepath.Join(t.TempDir(), "new.db")
	s, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestNew_invalid_path(t *testing.T) {
	if _, err := New("/nonexistent/path/to/db"); err == nil {
		t.Error("expected error for invalid path, got nil")
	}
}

func TestTx_rollback(t *testing.T) {
	s := tempDB(t)
	ctx := context.Background()

	if _, err := s.DB().ExecContext(ctx, "CREATE TABLE t (id INTEGER PRIMARY KEY)"); err != nil {
		t.Fatalf("create table: %v", err)
	}

	err := s.Tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "INSERT INTO t (id) VALUES (1)"); err != nil {
			return err
		}
		return sql.ErrNoRows
	})
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("Tx error = %v, want ErrNoRows", err)
	}

	var count int
	if err := s.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM t").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Errorf("count = %d after rollback, want 0", count)
	}
}

func TestMigrate_applies_once(t *testing.T) {
	s := tempDB(t)
	ctx := context.Background()

	calls := 0
	migrations := []Migration{
		{
			Version:     1,
			Description: "create services table",
			Up: func(tx *sql.Tx) error {
				calls++
				_, err := tx.Exec("CREATE TABLE inv (host TEXT, plugin TEXT)")
				return err
			},
		},
		{
			Version:     2,
			Description: "add item column",
			Up: func(tx *sql.Tx) error {
				calls++
				_, err := tx.Exec("ALTER TABLE inv ADD COLUMN item TEXT")
				return err
			},
		},
	}

	for i := 0; i < 2; i++ {
		if err := s.Migrate(ctx, "inventory", migrations); err != nil {
			t.Fatalf("Migrate pass %d: %v", i, err)
		}
	}
	if calls != 2 {
		t.Errorf("Up called %d times, want 2", calls)
	}

	if _, err := s.DB().ExecContext(ctx, "INSERT INTO inv (host, plugin, item) VALUES ('h', 'df', '/')"); err != nil {
		t.Fatalf("insert after migration: %v", err)
	}
}

func TestMigrate_failure_rolls_back(t *testing.T) {
	s := tempDB(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.Migrate(ctx, "inventory", []Migration{{
		Version:     1,
		Description: "half done",
		Up: func(tx *sql.Tx) error {
			if _, err := tx.Exec("CREATE TABLE half (id INTEGER)"); err != nil {
				return err
			}
			return boom
		},
	}})
	if !errors.Is(err, boom) {
		t.Fatalf("Migrate error = %v, want boom", err)
	}

	var count int
	if err := s.DB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'half'",
	).Scan(&count); err != nil {
		t.Fatalf("query sqlite_master: %v", err)
	}
	if count != 0 {
		t.Error("table from failed migration still exists")
	}
}

func TestWAL_mode_enabled(t *testing.T) {
	s := tempDB(t)
	var mode string
	if err := s.DB().QueryRowContext(context.Background(), "PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("PRAGMA journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want %q", mode, "wal")
	}
}

func TestCheckVersion(t *testing.T) {
	tests := []struct {
		name    string
		stored  string
		current string
		wantErr error
	}{
		{"same version", "0.2.0", "0.2.0", nil},
		{"newer binary", "0.2.0", "0.3.0", nil},
		{"patch upgrade", "v0.2.0", "v0.2.1", nil},
		{"older binary rejected", "0.3.0", "0.2.0", ErrNewerSchema},
		{"dev binary passes", "0.3.0", "dev", nil},
		{"dev database passes", "dev", "0.1.0", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := tempDB(t)
			ctx := context.Background()
			if err := s.CheckVersion(ctx, tt.stored); err != nil {
				t.Fatalf("first CheckVersion: %v", err)
			}
			err := s.CheckVersion(ctx, tt.current)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("CheckVersion(%q) error = %v", tt.current, err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("CheckVersion(%q) error = %v, want %v", tt.current, err, tt.wantErr)
			}
		})
	}
}
