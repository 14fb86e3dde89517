package storage

import (
	"strings"
	"testing"
)

func TestEmbeddedSchemaCoversCoreTables(t *testing.T) {
	for _, table := range []string{"bookings", "booking_updates", "drivers"} {
		stmt := "CREATE TABLE IF NOT EXISTS " + table
		if !strings.Contains(schemaSQL, stmt) {
			t.Fatalf("embedded schema is missing %q", stmt)
		}
	}
	if !strings.Contains(schemaSQL, "pickup_driver_id") || !strings.Contains(schemaSQL, "return_driver_id") {
		t.Fatal("embedded schema is missing the leg driver columns")
	}
}
