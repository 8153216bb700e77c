package migrations

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"swapflow/db"
)

func TestSQLFilesAreOrdered(t *testing.T) {
	for _, dir := range []string{"postgres", "sqlite"} {
		names, err := sqlFiles(dir)
		if err != nil {
			t.Fatalf("list %s: %v", dir, err)
		}
		if len(names) == 0 {
			t.Fatalf("expected %s migrations", dir)
		}
		for i := 1; i < len(names); i++ {
			if names[i-1] >= names[i] {
				t.Fatalf("%s migrations out of order: %v", dir, names)
			}
		}
		for _, n := range names {
			if !strings.HasPrefix(n, dir+"/") {
				t.Fatalf("unexpected name %q", n)
			}
		}
	}
}

func TestApplySQLiteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	conn, err := db.OpenSQLite(ctx, filepath.Join(t.TempDir(), "migrate.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	if err := ApplySQLite(ctx, conn); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if err := ApplySQLite(ctx, conn); err != nil {
		t.Fatalf("second apply: %v", err)
	}

	names, _ := sqlFiles("sqlite")
	var count int
	if err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&count); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if count != len(names) {
		t.Fatalf("expected %d recorded migrations, got %d", len(names), count)
	}
}

func TestSQLiteSchemaGuards(t *testing.T) {
	ctx := context.Background()
	conn, err := db.OpenSQLite(ctx, filepath.Join(t.TempDir(), "guards.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	if err := ApplySQLite(ctx, conn); err != nil {
		t.Fatalf("apply: %v", err)
	}

	mustExec := func(q string, args ...any) {
		t.Helper()
		if _, err := conn.ExecContext(ctx, q, args...); err != nil {
			t.Fatalf("exec %q: %v", q, err)
		}
	}
	mustExec(`INSERT INTO items (id, owner_id) VALUES (1, 10), (2, 20)`)
	mustExec(`INSERT INTO exchanges (id, initiator_id, receiver_id, offered_item_id, requested_item_id, status, created_at)
		VALUES (1, 10, 20, 1, 2, 'Sent', 0)`)

	rejected := map[string]string{
		"duplicate open tuple": `INSERT INTO exchanges (initiator_id, receiver_id, offered_item_id, requested_item_id, status, created_at)
			VALUES (10, 20, 1, 2, 'Accepted', 0)`,
		"identical items": `INSERT INTO exchanges (initiator_id, receiver_id, offered_item_id, requested_item_id, status, created_at)
			VALUES (10, 20, 1, 1, 'Sent', 0)`,
		"unknown status":    `UPDATE exchanges SET status = 'Pending' WHERE id = 1`,
		"skip to completed": `UPDATE exchanges SET status = 'Completed' WHERE id = 1`,
		"delete":            `DELETE FROM exchanges WHERE id = 1`,
		"change receiver":   `UPDATE exchanges SET receiver_id = 30 WHERE id = 1`,
	}
	for name, q := range rejected {
		if _, err := conn.ExecContext(ctx, q); err == nil {
			t.Fatalf("%s: expected rejection", name)
		}
	}

	mustExec(`UPDATE exchanges SET status = 'Declined' WHERE id = 1`)
	mustExec(`INSERT INTO exchanges (initiator_id, receiver_id, offered_item_id, requested_item_id, status, created_at)
		VALUES (10, 20, 1, 2, 'Sent', 0)`)
	if _, err := conn.ExecContext(ctx, `UPDATE exchanges SET status = 'Sent' WHERE id = 1`); err == nil {
		t.Fatalf("expected backwards transition to be rejected")
	}
}
