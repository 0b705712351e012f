package observability

import (
	"context"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jaafar-jad/solostore/dbopen"
)

func TestLogEvent(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	l := NewEventLogger(db)
	ctx := context.Background()

	l.LogEvent(ctx, BusinessEvent{
		EventType:   "app_transition",
		ServiceName: "apps",
		EntityType:  "app",
		EntityID:    "app_1",
		UserID:      "usr-1",
		Action:      "submit",
		Success:     true,
	})

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM business_event_logs`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("events: got %d, want 1", n)
	}
}

func TestCleanupOlderThan(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	l := NewEventLogger(db)
	ctx := context.Background()

	// Backdated row.
	_, err := db.Exec(`
		INSERT INTO business_event_logs
			(event_id, event_type, service_name, entity_type, entity_id, action, success, created_at)
		VALUES ('evt_old', 'x', 's', 'app', 'a', 'y', 1, ?)`,
		time.Now().Add(-48*time.Hour).Unix())
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	l.LogEvent(ctx, BusinessEvent{EventType: "x", ServiceName: "s", EntityType: "app", EntityID: "b", Action: "y", Success: true})

	deleted, err := l.CleanupOlderThan(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted: got %d, want 1", deleted)
	}
}
