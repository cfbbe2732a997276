package server

import (
	"strings"
	"testing"
)

func TestMigrateRequiresDSN(t *testing.T) {
	err := Migrate("file://migrations", "", "up", 0)
	if err == nil {
		t.Fatalf("expected error for empty dsn")
	}
	if !strings.Contains(err.Error(), "postgres dsn required") {
		t.Fatalf("error = %v", err)
	}
}
