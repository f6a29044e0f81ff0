package db

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func TestOpenMemory(t *testing.T) {
	d, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory() error: %v", err)
	}
	defer d.Close()

	// Verify tables and views exist by counting rows in each one.
	relations := []string{
		"audit_entries", "audit_entries_archive", "audit_view_live",
		"audit_view_all", "audit_chain_heads", "integrity_checkpoints", "users",
	}

	for _, rel := range relations {
		var count int
		err := d.QueryRow("SELECT COUNT(*) FROM " + rel).Scan(&count)
		if err != nil {
			t.Errorf("relation %s: %v", rel, err)
		}
	}
}

func TestMigrateIdempotent(t *testing.T) {
	d, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory() error: %v", err)
	}
	defer d.Close()

	// Running migrate again should not fail.
	if err := d.migrate(); err != nil {
		t.Fatalf("second migrate() error: %v", err)
	}
}

func TestOpenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "audit.db")
	d, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer d.Close()

	if d.Path() != path {
		t.Errorf("Path() = %q, want %q", d.Path(), path)
	}
}

func TestLiveEntriesAreImmutable(t *testing.T) {
	d, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory() error: %v", err)
	}
	defer d.Close()

	_, err = d.Exec(`INSERT INTO audit_entries
		(id, tenant_id, action, entity_type, entity_id, timestamp, sequence_number, hash_chain)
		VALUES ('e1', 't1', 'part.created', 'part', 'p1', '2026-01-01T00:00:00.000000Z', 1, 'h')`)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	if _, err := d.Exec(`UPDATE audit_entries SET hash_chain = 'x' WHERE id = 'e1'`); err == nil {
		t.Fatal("expected update of live audit entry to be rejected")
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	d, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory() error: %v", err)
	}
	defer d.Close()

	ctx := context.Background()
	boom := errors.New("boom")

	err = d.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO users (id, tenant_id, display_name) VALUES ('u1', 't1', 'Alice')`); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTx error = %v, want %v", err, boom)
	}

	var count int
	if err := d.QueryRow("SELECT COUNT(*) FROM users").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Errorf("expected rollback to discard insert, found %d rows", count)
	}
}

func TestWithTxCommits(t *testing.T) {
	d, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory() error: %v", err)
	}
	defer d.Close()

	ctx := context.Background()
	err = d.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO users (id, tenant_id, display_name) VALUES ('u1', 't1', 'Alice')`)
		return err
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}

	var name string
	if err := d.QueryRow("SELECT display_name FROM users WHERE id = 'u1'").Scan(&name); err != nil {
		t.Fatalf("select: %v", err)
	}
	if name != "Alice" {
		t.Errorf("display_name = %q, want Alice", name)
	}
}

func TestCasefoldFoldsUnicode(t *testing.T) {
	d, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory() error: %v", err)
	}
	defer d.Close()

	var got string
	if err := d.QueryRow(`SELECT casefold('Élodie ÇA')`).Scan(&got); err != nil {
		t.Fatalf("casefold: %v", err)
	}
	if got != "élodie ça" {
		t.Errorf("casefold = %q, want %q", got, "élodie ça")
	}

	var null sql.NullString
	if err := d.QueryRow(`SELECT casefold(NULL)`).Scan(&null); err != nil {
		t.Fatalf("casefold(NULL): %v", err)
	}
	if null.Valid {
		t.Errorf("casefold(NULL) = %q, want NULL", null.String)
	}
}

func TestJSONTextDecodesDocument(t *testing.T) {
	d, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory() error: %v", err)
	}
	defer d.Close()

	var got string
	err = d.QueryRow(`SELECT json_text(?)`,
		`{"entityName":"Smith & Co <Ltd>","qty":3,"tags":["a","b"]}`).Scan(&got)
	if err != nil {
		t.Fatalf("json_text: %v", err)
	}
	want := "entityName\nSmith & Co <Ltd>\nqty\n3\ntags\na\nb"
	if got != want {
		t.Errorf("json_text = %q, want %q", got, want)
	}

	var null sql.NullString
	if err := d.QueryRow(`SELECT json_text('not json')`).Scan(&null); err != nil {
		t.Fatalf("json_text(invalid): %v", err)
	}
	if null.Valid {
		t.Errorf("json_text(invalid) = %q, want NULL", null.String)
	}
}

func TestWithTxWaitsForWriteLock(t *testing.T) {
	d, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer d.Close()

	if _, err := d.Exec(`INSERT INTO users (id, tenant_id, display_name) VALUES ('u', 't', 'n')`); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// Each transaction reads before it writes. Deferred transactions would
	// fail to upgrade to the write lock under contention.
	const workers = 8
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		go func() {
			errs <- d.WithTx(context.Background(), func(tx *sql.Tx) error {
				var name string
				if err := tx.QueryRow(`SELECT display_name FROM users WHERE id = 'u'`).Scan(&name); err != nil {
					return err
				}
				_, err := tx.Exec(`UPDATE users SET display_name = ? WHERE id = 'u'`, name+"x")
				return err
			})
		}()
	}
	for i := 0; i < workers; i++ {
		if err := <-errs; err != nil {
			t.Errorf("WithTx: %v", err)
		}
	}

	var name string
	if err := d.QueryRow(`SELECT display_name FROM users WHERE id = 'u'`).Scan(&name); err != nil {
		t.Fatalf("read back: %v", err)
	}
	if want := "n" + strings.Repeat("x", workers); name != want {
		t.Errorf("display_name = %q, want %q (lost update)", name, want)
	}
}
