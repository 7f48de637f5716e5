package app

import (
	"testing"

	"go.uber.org/zap"

	"droneFoodDelivery/internal/db"
	"droneFoodDelivery/internal/testutil"
)

func TestMaintenanceRollsBackLastMigration(t *testing.T) {
	d := testutil.OpenTestDB(t, db.SchemaOrders)
	rt := &Runtime{Name: "order-service", Logger: zap.NewNop(), DB: d, schema: db.SchemaOrders}

	if ran, err := rt.Maintenance(); ran || err != nil {
		t.Fatalf("without the flag nothing runs: ran=%v err=%v", ran, err)
	}

	*rollbackMigration = true
	t.Cleanup(func() { *rollbackMigration = false })
	ran, err := rt.Maintenance()
	if !ran || err != nil {
		t.Fatalf("rollback: ran=%v err=%v", ran, err)
	}
	var name string
	if err := d.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name='order_counters'`).Scan(&name); err == nil {
		t.Fatalf("order_counters should be dropped by the rollback")
	}
}
