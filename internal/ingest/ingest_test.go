package ingest_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"taskline/internal/config"
	"taskline/internal/db"
	"taskline/internal/engine"
	"taskline/internal/ingest"
	"taskline/internal/ledger"
	"taskline/internal/migrate"
)

func newTestIngestor(t *testing.T) (*ingest.Ingestor, *engine.Engine, context.Context) {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	eng.Ledger.Now = eng.Now
	inbox := db.InboxDir(dir)
	if err := os.MkdirAll(inbox, 0o755); err != nil {
		t.Fatal(err)
	}
	return ingest.New(eng, inbox), eng, context.Background()
}

func drop(t *testing.T, inbox, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(inbox, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestScanIngestsRecords(t *testing.T) {
	ing, eng, ctx := newTestIngestor(t)
	drop(t, ing.Inbox, "a.md", "---\ntype: email\ndepartment: sales\nconfidence: 0.9\n---\nping the customer\n")
	drop(t, ing.Inbox, "b.md", "---\ntype: file_arrival\n---\n")

	tasks, err := ing.Scan(ctx)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("got %d tasks, want 2", len(tasks))
	}
	// name order: a.md first
	if tasks[0].Type != "email" || tasks[1].Type != "file_arrival" {
		t.Fatalf("types %s, %s", tasks[0].Type, tasks[1].Type)
	}
	if tasks[0].Status != engine.StatusPending {
		t.Fatalf("status %s, want pending", tasks[0].Status)
	}
	if tasks[0].Content != "ping the customer\n" {
		t.Fatalf("content %q", tasks[0].Content)
	}

	// consumed files are gone; a second scan is a no-op
	again, err := ing.Scan(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 0 {
		t.Fatalf("re-scan ingested %d tasks", len(again))
	}
	counts, err := eng.Store.CountTasksByStatus(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if counts[engine.StatusPending] != 2 {
		t.Fatalf("pending count %d, want 2", counts[engine.StatusPending])
	}
}

func TestMalformedRecordIsQuarantined(t *testing.T) {
	ing, eng, ctx := newTestIngestor(t)
	raw := "not a record at all\n"
	drop(t, ing.Inbox, "junk.md", raw)

	tasks, err := ing.Scan(ctx)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("got %d tasks, want 1", len(tasks))
	}
	q := tasks[0]
	if q.Status != engine.StatusFailed {
		t.Fatalf("status %s, want failed", q.Status)
	}
	if q.FailureReason == nil || *q.FailureReason != "malformed_record" {
		t.Fatalf("failure reason %v", q.FailureReason)
	}
	// raw bytes survive in the task
	if q.Content != raw {
		t.Fatalf("content %q, want original bytes", q.Content)
	}
	entries, err := ledger.Reader{DB: eng.DB}.Latest(ctx, ledger.Filters{Type: ledger.TypeTaskQuarantined, TaskID: q.ID})
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected task.quarantined entry, got %d (%v)", len(entries), err)
	}
}

func TestScanSkipsHiddenFiles(t *testing.T) {
	ing, _, ctx := newTestIngestor(t)
	drop(t, ing.Inbox, ".partial.md.swp", "garbage")
	tasks, err := ing.Scan(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 0 {
		t.Fatalf("hidden file was ingested")
	}
}
