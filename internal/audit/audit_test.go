package audit

import (
	"testing"
)

func TestRecordAndRecent(t *testing.T) {
	log, err := Open(":memory:")
	if err != nil {
		t.Fatalf("failed to open audit log: %v", err)
	}
	defer log.Close()

	if err := log.Record("admin", "node.approve", "web-01-9f3a", ""); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := log.Record("admin", "task.execute", "task-ab12cd34", "uptime"); err != nil {
		t.Fatalf("record: %v", err)
	}

	entries, err := log.Recent(10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}

	// newest first
	if entries[0].Action != "task.execute" {
		t.Errorf("expected newest entry first, got %s", entries[0].Action)
	}
	if entries[1].Target != "web-01-9f3a" {
		t.Errorf("unexpected target: %s", entries[1].Target)
	}
	if entries[0].Timestamp <= 0 {
		t.Error("expected a wall-clock timestamp")
	}
}

func TestRecentLimit(t *testing.T) {
	log, err := Open(":memory:")
	if err != nil {
		t.Fatalf("failed to open audit log: %v", err)
	}
	defer log.Close()

	for i := 0; i < 5; i++ {
		if err := log.Record("system", "sync.round", "", ""); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	entries, err := log.Recent(3)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 3 {
		t.Errorf("expected limit to apply, got %d entries", len(entries))
	}
}
