package database

import (
	"testing"

	"courier/internal/platform/config"
)

func TestMigrate_Idempotent(t *testing.T) {
	db, err := Open(config.DatabaseConfig{Path: ":memory:"})
	if err != nil {
		t.Fatalf("Failed to open db: %v", err)
	}
	defer db.Close()

	first, err := Migrate(db.DB)
	if err != nil {
		t.Fatalf("first Migrate() error = %v", err)
	}
	if len(first) == 0 {
		t.Fatal("Expected at least one migration to be applied")
	}

	second, err := Migrate(db.DB)
	if err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}
	if len(second) != 0 {
		t.Errorf("Expected no migrations on second run, got %v", second)
	}

	for _, table := range []string{"error_records", "error_alerts", "webhook_endpoints", "webhook_delivery_logs", "audit_logs", "audit_alerts", "audit_trails"} {
		var name string
		if err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name = ?`, table).Scan(&name); err != nil {
			t.Errorf("Expected table %s to exist: %v", table, err)
		}
	}
}
