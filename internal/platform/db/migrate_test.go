package db

import (
	"strings"
	"testing"
	"testing/fstest"
	"time"
)

func TestLoadMigrations(t *testing.T) {
	fsys := fstest.MapFS{
		"001_trial_core.sql": {Data: []byte("CREATE TABLE study (id UUID PRIMARY KEY);")},
		"002_deviation.sql":  {Data: []byte("CREATE TABLE protocol_deviation (id UUID PRIMARY KEY);")},
		"embed.go":           {Data: []byte("package migrations")},
		"README.sql":         {Data: []byte("-- not a migration")},
		"draft_notes.sql":    {Data: []byte("-- no numeric prefix")},
	}

	migrations, err := NewMigrator(nil, fsys).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 2 {
		t.Fatalf("expected 2 migrations, got %d", len(migrations))
	}
	if migrations[0].Version != 1 || migrations[0].Name != "001_trial_core.sql" {
		t.Errorf("unexpected first migration: %+v", migrations[0])
	}
	if !strings.HasPrefix(migrations[0].SQL, "CREATE TABLE study") {
		t.Errorf("unexpected SQL content: %s", migrations[0].SQL)
	}
	if migrations[1].Version != 2 {
		t.Errorf("expected version 2, got %d", migrations[1].Version)
	}
}

func TestLoadMigrations_SortOrder(t *testing.T) {
	fsys := fstest.MapFS{
		"010_tables.sql": {Data: []byte("SELECT 10;")},
		"002_second.sql": {Data: []byte("SELECT 2;")},
		"001_first.sql":  {Data: []byte("SELECT 1;")},
		"005_middle.sql": {Data: []byte("SELECT 5;")},
	}

	migrations, err := NewMigrator(nil, fsys).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}

	want := []int{1, 2, 5, 10}
	if len(migrations) != len(want) {
		t.Fatalf("expected %d migrations, got %d", len(want), len(migrations))
	}
	for i, v := range want {
		if migrations[i].Version != v {
			t.Errorf("migrations[%d].Version = %d, want %d", i, migrations[i].Version, v)
		}
	}
}

func TestLoadMigrations_DuplicateVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"001_a.sql":  {Data: []byte("SELECT 1;")},
		"0001_b.sql": {Data: []byte("SELECT 1;")},
	}
	if _, err := NewMigrator(nil, fsys).LoadMigrations(); err == nil {
		t.Fatal("expected error for duplicate version")
	}
}

func TestLoadMigrations_Empty(t *testing.T) {
	migrations, err := NewMigrator(nil, fstest.MapFS{}).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 0 {
		t.Errorf("expected no migrations, got %d", len(migrations))
	}
}

func TestPending(t *testing.T) {
	migrations := []Migration{{Version: 1}, {Version: 2}, {Version: 3}, {Version: 4}}
	applied := map[int]time.Time{1: time.Now(), 3: time.Now()}

	got := pending(migrations, applied, 0)
	if len(got) != 2 || got[0].Version != 2 || got[1].Version != 4 {
		t.Errorf("pending(all) = %+v", got)
	}

	got = pending(migrations, applied, 3)
	if len(got) != 1 || got[0].Version != 2 {
		t.Errorf("pending(upTo 3) = %+v", got)
	}
}

func TestStatusOf(t *testing.T) {
	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	statuses := statusOf(
		[]Migration{{Version: 1, Name: "001_trial_core.sql"}, {Version: 2, Name: "002_next.sql"}},
		map[int]time.Time{1: at},
	)
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if !statuses[0].Applied || statuses[0].AppliedAt == nil || !statuses[0].AppliedAt.Equal(at) {
		t.Errorf("expected first migration applied at %v, got %+v", at, statuses[0])
	}
	if statuses[1].Applied || statuses[1].AppliedAt != nil {
		t.Errorf("expected second migration pending, got %+v", statuses[1])
	}
}
