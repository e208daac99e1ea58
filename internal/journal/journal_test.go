package journal

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/lecternlabs/lectern/internal/config"
	"github.com/lecternlabs/lectern/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTestJournal(t *testing.T, cfg config.JournalConfig) *Journal {
	t.Helper()
	if cfg.Path == "" && cfg.RetentionMode != "ephemeral" {
		cfg.Path = filepath.Join(t.TempDir(), "journal.db")
	}
	j, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestOpenEphemeral(t *testing.T) {
	j := openTestJournal(t, config.JournalConfig{RetentionMode: "ephemeral"})
	if j.Enabled() {
		t.Fatal("ephemeral journal must not persist")
	}
	if err := j.RecordEvent(context.Background(), protocol.StageEvent{SessionID: "s"}); err != nil {
		t.Fatalf("ephemeral record: %v", err)
	}
	entries, err := j.SessionEvents(context.Background(), "s", 10)
	if err != nil || entries != nil {
		t.Fatalf("ephemeral list = %v, %v", entries, err)
	}
}

func TestRecordAndQuery(t *testing.T) {
	j := openTestJournal(t, config.JournalConfig{RetentionMode: "session"})
	ctx := context.Background()

	if err := j.RecordSession(ctx, "session-123", "lecture.mp4"); err != nil {
		t.Fatalf("record session: %v", err)
	}
	events := []protocol.StageEvent{
		{SessionID: "session-123", Type: protocol.EventStageStarted, Stage: "extract", State: "video_uploaded"},
		{SessionID: "session-123", Type: protocol.EventStageSucceeded, Stage: "extract", State: "audio_extracted"},
		{SessionID: "session-123", Type: protocol.EventStageFailed, Stage: "denoise", State: "audio_extracted", Message: "boom"},
	}
	for _, evt := range events {
		if err := j.RecordEvent(ctx, evt); err != nil {
			t.Fatalf("record event: %v", err)
		}
	}

	entries, err := j.SessionEvents(ctx, "session-123", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].Type != string(protocol.EventStageStarted) || entries[0].Stage != "extract" {
		t.Fatalf("unexpected first entry: %+v", entries[0])
	}
	if entries[2].Message != "boom" || entries[2].State != "audio_extracted" {
		t.Fatalf("unexpected last entry: %+v", entries[2])
	}
	if entries[0].CreatedAt.IsZero() {
		t.Fatal("created_at must survive the round trip")
	}

	limited, err := j.SessionEvents(ctx, "session-123", 2)
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("limit ignored, got %d entries", len(limited))
	}
}

func TestRecordSessionKeepsSourceFile(t *testing.T) {
	j := openTestJournal(t, config.JournalConfig{RetentionMode: "session"})
	ctx := context.Background()

	if err := j.RecordSession(ctx, "s", "lecture.mp4"); err != nil {
		t.Fatalf("record session: %v", err)
	}
	// later events carry no source; the stored one must survive
	if err := j.RecordSession(ctx, "s", ""); err != nil {
		t.Fatalf("record session again: %v", err)
	}
	var source string
	if err := j.db.QueryRow(`SELECT source_file FROM sessions WHERE session_id = ?`, "s").Scan(&source); err != nil {
		t.Fatalf("query source: %v", err)
	}
	if source != "lecture.mp4" {
		t.Fatalf("source = %q, want lecture.mp4", source)
	}

	// a re-upload replaces it
	if err := j.RecordSession(ctx, "s", "retake.mov"); err != nil {
		t.Fatalf("record session retake: %v", err)
	}
	if err := j.db.QueryRow(`SELECT source_file FROM sessions WHERE session_id = ?`, "s").Scan(&source); err != nil {
		t.Fatalf("query source: %v", err)
	}
	if source != "retake.mov" {
		t.Fatalf("source = %q, want retake.mov", source)
	}
}

func TestDeleteSessionCascades(t *testing.T) {
	j := openTestJournal(t, config.JournalConfig{RetentionMode: "session"})
	ctx := context.Background()

	if err := j.RecordSession(ctx, "gone", "a.mp4"); err != nil {
		t.Fatalf("record session: %v", err)
	}
	if err := j.RecordEvent(ctx, protocol.StageEvent{SessionID: "gone", Type: protocol.EventStageSucceeded, Stage: "upload"}); err != nil {
		t.Fatalf("record event: %v", err)
	}
	if err := j.DeleteSession(ctx, "gone"); err != nil {
		t.Fatalf("delete session: %v", err)
	}
	entries, err := j.SessionEvents(ctx, "gone", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected cascade delete, got %d entries", len(entries))
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	j := openTestJournal(t, config.JournalConfig{
		RetentionMode: "persistent",
		RetentionDays: 1,
		MaxSessions:   1,
	})
	ctx := context.Background()

	j.clock = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := j.RecordSession(ctx, "old-session", "old.mp4"); err != nil {
		t.Fatalf("record session: %v", err)
	}
	if err := j.RecordEvent(ctx, protocol.StageEvent{
		SessionID: "old-session",
		Type:      protocol.EventStageSucceeded,
		Stage:     "upload",
		Timestamp: j.clock(),
	}); err != nil {
		t.Fatalf("record event: %v", err)
	}

	j.clock = func() time.Time { return time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := j.RecordSession(ctx, "new-session", "new.mp4"); err != nil {
		t.Fatalf("record session: %v", err)
	}
	if err := j.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	entries, err := j.SessionEvents(ctx, "old-session", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(entries) != 0 {
		t.Fatal("expected old session pruned")
	}
	var remaining int
	if err := j.db.QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&remaining); err != nil {
		t.Fatalf("count sessions: %v", err)
	}
	if remaining != 1 {
		t.Fatalf("sessions remaining = %d, want 1", remaining)
	}
}
