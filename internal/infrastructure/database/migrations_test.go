package database

import (
	"context"
	"testing"
	"testing/fstest"
)

func testMigrations() fstest.MapFS {
	return fstest.MapFS{
		"20260118_120000_create_items.up.sql": {
			Data: []byte("CREATE TABLE test_items (id INTEGER PRIMARY KEY, name TEXT NOT NULL);"),
		},
		"20260118_120000_create_items.down.sql": {
			Data: []byte("DROP TABLE test_items;"),
		},
		"20260119_090000_add_index.up.sql": {
			Data: []byte("CREATE INDEX idx_test_items_name ON test_items (name);"),
		},
		"README.md": {Data: []byte("ignored")},
	}
}

func tableExists(t *testing.T, db *DB, name string) bool {
	t.Helper()
	var count int
	err := db.QueryRowContext(context.Background(),
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", name,
	).Scan(&count)
	if err != nil {
		t.Fatalf("query error: %v", err)
	}
	return count == 1
}

func TestMigrate(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.Migrate(ctx, testMigrations()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if !tableExists(t, db, "test_items") {
		t.Fatal("table test_items not created")
	}

	applied, pending, err := db.MigrationStatus(ctx, testMigrations())
	if err != nil {
		t.Fatalf("MigrationStatus() error = %v", err)
	}
	if len(applied) != 2 {
		t.Errorf("expected 2 applied migrations, got %d", len(applied))
	}
	if len(pending) != 0 {
		t.Errorf("expected 0 pending migrations, got %d", len(pending))
	}

	if err := db.Migrate(ctx, testMigrations()); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}
}

func TestMigrate_FailureKeepsEarlierMigrations(t *testing.T) {
	db := openTestDB(t)
	fsys := testMigrations()
	fsys["20260120_000000_broken.up.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE (")}

	if err := db.Migrate(context.Background(), fsys); err == nil {
		t.Fatal("Migrate() expected error for broken migration")
	}
	if !tableExists(t, db, "test_items") {
		t.Error("earlier migrations should stay applied")
	}

	applied, pending, err := db.MigrationStatus(context.Background(), fsys)
	if err != nil {
		t.Fatalf("MigrationStatus() error = %v", err)
	}
	if len(applied) != 2 || len(pending) != 1 {
		t.Errorf("applied=%d pending=%d, want 2 and 1", len(applied), len(pending))
	}
}

func TestRollback(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	fsys := testMigrations()
	delete(fsys, "20260119_090000_add_index.up.sql")

	if err := db.Migrate(ctx, fsys); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if err := db.Rollback(ctx, fsys); err != nil {
		t.Fatalf("Rollback() error = %v", err)
	}
	if tableExists(t, db, "test_items") {
		t.Error("table test_items should have been dropped")
	}

	applied, _, err := db.MigrationStatus(ctx, fsys)
	if err != nil {
		t.Fatalf("MigrationStatus() error = %v", err)
	}
	if len(applied) != 0 {
		t.Errorf("expected 0 applied migrations after rollback, got %d", len(applied))
	}

	if err := db.Rollback(ctx, fsys); err != nil {
		t.Errorf("Rollback() with nothing applied error = %v", err)
	}
}

func TestRollback_NoDownSQL(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.Migrate(ctx, testMigrations()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if err := db.Rollback(ctx, testMigrations()); err == nil {
		t.Error("Rollback() expected error for migration without down SQL")
	}
}

func TestMigrate_NoMigrations(t *testing.T) {
	db := openTestDB(t)

	if err := db.Migrate(context.Background(), nil); err != nil {
		t.Fatalf("Migrate(nil) error = %v", err)
	}
	if err := db.Migrate(context.Background(), fstest.MapFS{}); err != nil {
		t.Fatalf("Migrate(empty) error = %v", err)
	}
}

func TestLoadMigrations(t *testing.T) {
	migrations, err := LoadMigrations(testMigrations())
	if err != nil {
		t.Fatalf("LoadMigrations() error = %v", err)
	}
	if len(migrations) != 2 {
		t.Fatalf("len = %d, want 2", len(migrations))
	}

	first := migrations[0]
	if first.Version != "20260118_120000" || first.Name != "create_items" {
		t.Errorf("first = %s %s", first.Version, first.Name)
	}
	if first.DownSQL == "" {
		t.Error("first migration should carry its down SQL")
	}
	if migrations[1].Name != "add_index" {
		t.Errorf("second name = %q, want add_index", migrations[1].Name)
	}
}

func TestLoadMigrations_Naming(t *testing.T) {
	tests := []struct {
		filename string
		loaded   bool
	}{
		{"20260118_120000_create_users.up.sql", true},
		{"20260118_120000_add_email_to_users.up.sql", true},
		{"readme.txt", false},
		{"20260118_120000_create_users.sql", false},
		{"invalid.up.sql", false},
		{"2026_120000_short.up.sql", false},
	}

	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			migrations, err := LoadMigrations(fstest.MapFS{tt.filename: {Data: []byte("SELECT 1;")}})
			if err != nil {
				t.Fatalf("LoadMigrations() error = %v", err)
			}
			if got := len(migrations) == 1; got != tt.loaded {
				t.Errorf("loaded = %v, want %v", got, tt.loaded)
			}
		})
	}
}

func TestLoadMigrations_OrphanDown(t *testing.T) {
	fsys := fstest.MapFS{"20260118_120000_orphan.down.sql": {Data: []byte("SELECT 1;")}}
	if _, err := LoadMigrations(fsys); err == nil {
		t.Error("LoadMigrations() expected error for down file without up file")
	}
}
