package db

import (
	"path/filepath"
	"testing"
)

func TestOpenAppliesSchemaMigrations(t *testing.T) {
	for _, schema := range []Schema{SchemaOrders, SchemaPayments, SchemaDrones} {
		path := filepath.Join(t.TempDir(), string(schema)+".db")
		d, err := Open(path, schema)
		if err != nil {
			t.Fatalf("open %s: %v", schema, err)
		}
		var n int
		if err := d.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&n); err != nil || n == 0 {
			t.Fatalf("%s: expected applied migrations, got %d (%v)", schema, n, err)
		}
		_ = d.Close()

		// Reopening is a no-op.
		d, err = Open(path, schema)
		if err != nil {
			t.Fatalf("reopen %s: %v", schema, err)
		}
		_ = d.Close()
	}
}

func TestOpenUnknownSchema(t *testing.T) {
	if _, err := Open(filepath.Join(t.TempDir(), "x.db"), Schema("ledger")); err == nil {
		t.Fatalf("expected unknown schema error")
	}
}

func TestRollbackLast(t *testing.T) {
	d, err := Open(filepath.Join(t.TempDir(), "orders.db"), SchemaOrders)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer d.Close()
	if err := RollbackLast(d, SchemaOrders); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	var name string
	err = d.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name='order_counters'`).Scan(&name)
	if err == nil {
		t.Fatalf("expected order_counters to be dropped")
	}
	if err := d.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name='orders'`).Scan(&name); err != nil {
		t.Fatalf("orders table should survive a single rollback: %v", err)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	d, err := Open(filepath.Join(t.TempDir(), "drones.db"), SchemaDrones)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer d.Close()
	insert := `INSERT INTO mission_counters(day, seq) VALUES ('240101', 1)`
	if _, err := d.Exec(insert); err != nil {
		t.Fatalf("insert: %v", err)
	}
	_, err = d.Exec(insert)
	if !IsUniqueViolation(err) || !IsConstraintViolation(err) {
		t.Fatalf("expected unique violation, got %v", err)
	}
	if IsUniqueViolation(nil) {
		t.Fatalf("nil is not a violation")
	}
}
