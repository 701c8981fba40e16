package db

import (
	"context"
	"errors"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/medora/healthalert/migrations"
)

type appliedRow struct {
	version int
	at      time.Time
}

// fakeDB records statements and serves the _migrations table from memory.
type fakeDB struct {
	applied []appliedRow
	execs   []string
	failSQL string
}

func (f *fakeDB) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, sql)
	return pgconn.CommandTag{}, nil
}

func (f *fakeDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return &fakeRows{rows: f.applied, pos: -1}, nil
}

func (f *fakeDB) Begin(context.Context) (pgx.Tx, error) {
	return &fakeTx{db: f}, nil
}

type fakeRows struct {
	pgx.Rows
	rows []appliedRow
	pos  int
}

func (r *fakeRows) Next() bool { r.pos++; return r.pos < len(r.rows) }
func (r *fakeRows) Close()     {}
func (r *fakeRows) Err() error { return nil }

func (r *fakeRows) Scan(dest ...any) error {
	*dest[0].(*int) = r.rows[r.pos].version
	*dest[1].(*time.Time) = r.rows[r.pos].at
	return nil
}

type fakeTx struct {
	pgx.Tx
	db        *fakeDB
	statement []string
	committed bool
}

func (t *fakeTx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if t.db.failSQL != "" && sql == t.db.failSQL {
		return pgconn.CommandTag{}, errors.New("syntax error")
	}
	t.statement = append(t.statement, sql)
	if strings.HasPrefix(sql, "INSERT INTO") {
		t.db.applied = append(t.db.applied, appliedRow{version: args[0].(int), at: time.Now()})
	}
	return pgconn.CommandTag{}, nil
}

func (t *fakeTx) Commit(context.Context) error {
	t.committed = true
	t.db.execs = append(t.db.execs, t.statement...)
	return nil
}

func (t *fakeTx) Rollback(context.Context) error { return nil }

func testFS() fstest.MapFS {
	return fstest.MapFS{
		"010_tables.sql": {Data: []byte("SELECT 10;")},
		"002_second.sql": {Data: []byte("SELECT 2;")},
		"001_first.sql":  {Data: []byte("SELECT 1;")},
		"readme.sql":     {Data: []byte("-- no version prefix")},
		"abc_x.sql":      {Data: []byte("-- non-numeric prefix")},
		"notes.txt":      {Data: []byte("not sql")},
	}
}

func TestLoad_SortsAndSkips(t *testing.T) {
	m := NewMigrator(nil, testFS(), zerolog.Nop())
	migs, err := m.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	want := []int{1, 2, 10}
	if len(migs) != len(want) {
		t.Fatalf("expected %d migrations, got %d", len(want), len(migs))
	}
	for i, v := range want {
		if migs[i].Version != v {
			t.Errorf("migration[%d]: expected version %d, got %d", i, v, migs[i].Version)
		}
	}
	if migs[0].Name != "001_first.sql" || migs[0].SQL != "SELECT 1;" {
		t.Errorf("unexpected first migration %+v", migs[0])
	}
}

func TestLoad_EmbeddedEventLog(t *testing.T) {
	migs, err := NewMigrator(nil, migrations.FS, zerolog.Nop()).Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(migs) == 0 || migs[0].Version != 1 || !strings.Contains(migs[0].SQL, "event_log") {
		t.Fatalf("expected the event_log migration first, got %+v", migs)
	}
}

func TestUp_AppliesPendingOnly(t *testing.T) {
	db := &fakeDB{applied: []appliedRow{{version: 1, at: time.Now()}}}
	m := NewMigrator(db, testFS(), zerolog.Nop())

	n, err := m.Up(context.Background())
	if err != nil {
		t.Fatalf("Up() error: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 applied, got %d", n)
	}
	joined := strings.Join(db.execs, "\n")
	if strings.Contains(joined, "SELECT 1;") {
		t.Error("an applied migration must not run again")
	}
	if !strings.Contains(joined, "SELECT 2;") || !strings.Contains(joined, "SELECT 10;") {
		t.Errorf("pending migrations did not run: %s", joined)
	}
	if !strings.Contains(joined, `"public"."_migrations"`) {
		t.Errorf("expected the default public schema, got %s", joined)
	}

	n, err = m.Up(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("expected a second Up to be a no-op, got %d (%v)", n, err)
	}
}

func TestUp_StopsOnFailure(t *testing.T) {
	db := &fakeDB{failSQL: "SELECT 2;"}
	m := NewMigrator(db, testFS(), zerolog.Nop(), WithSchema("alerts"))

	n, err := m.Up(context.Background())
	if err == nil || !strings.Contains(err.Error(), "002_second.sql") {
		t.Fatalf("expected failure naming the migration, got %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 migration before the failure, got %d", n)
	}
	if !strings.Contains(strings.Join(db.execs, "\n"), `"alerts"`) {
		t.Error("expected the configured schema to be used")
	}
}

func TestStatus(t *testing.T) {
	at := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	db := &fakeDB{applied: []appliedRow{{version: 2, at: at}}}
	statuses, err := NewMigrator(db, testFS(), zerolog.Nop()).Status(context.Background())
	if err != nil {
		t.Fatalf("Status() error: %v", err)
	}
	if len(statuses) != 3 {
		t.Fatalf("expected 3 statuses, got %d", len(statuses))
	}
	if statuses[0].Applied || statuses[0].AppliedAt != nil {
		t.Errorf("expected 001 pending, got %+v", statuses[0])
	}
	if !statuses[1].Applied || !statuses[1].AppliedAt.Equal(at) {
		t.Errorf("expected 002 applied at %v, got %+v", at, statuses[1])
	}
}
