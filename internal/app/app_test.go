package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"tuneq/internal/queue"
	"tuneq/internal/reputation"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func minimalConfig(journalPath string) string {
	storage := `{"driver": "none"}`
	if journalPath != "" {
		storage = `{"driver": "sqlite", "path": "` + journalPath + `"}`
	}
	return `{
		"logging": {"level": "error", "console": false, "file": {"enabled": false, "path": ""}},
		"storage": ` + storage + `,
		"queue": {"categories": ["pop", "jazz"]},
		"fairness": {"window": "1m", "max_submissions": 50},
		"dispatch": {"enabled": false},
		"sched": {"enabled": false}
	}`
}

func TestLifecycleWithoutJournal(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, minimalConfig(""))

	ctx := context.Background()
	a, err := New(ctx, path, Options{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	req, err := a.Submit(ctx, queue.Submission{Owner: "alice", Category: "pop"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := a.Submit(ctx, queue.Submission{Owner: "alice", Category: "metal"}); !errors.Is(err, queue.ErrInvalidCategory) {
		t.Fatalf("category allowlist must apply: %v", err)
	}
	if err := a.Cancel(ctx, req.ID, "alice"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Stop(sctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestJournalReplayAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	journal := filepath.Join(dir, "q.db")
	path := writeConfig(t, dir, minimalConfig(journal))
	ctx := context.Background()

	a, err := New(ctx, path, Options{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	submitted, err := a.Submit(ctx, queue.Submission{ID: "keep", Owner: "alice", Category: "pop"})
	if err != nil {
		t.Fatal(err)
	}
	a.ApplyReputationEvent(ctx, reputation.Event{
		Grantor: "bob", Recipient: "alice", At: time.Now(), Delta: 10,
	})

	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := a.Stop(sctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	cancel()

	// Second process: the pending request and the event window come back.
	b, err := New(ctx, path, Options{})
	if err != nil {
		t.Fatalf("restart new: %v", err)
	}
	if err := b.Start(ctx); err != nil {
		t.Fatalf("restart start: %v", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = b.Stop(sctx)
	}()

	pos, err := b.Core().Position("keep")
	if err != nil {
		t.Fatalf("replayed request missing: %v", err)
	}
	if pos != 0 {
		t.Fatalf("position = %d, want 0", pos)
	}
	snap := b.Core().Snapshot()
	if len(snap.Entries) != 1 || snap.Entries[0].ID != submitted.ID {
		t.Fatalf("snapshot = %+v", snap.Entries)
	}

	st, ok := b.Directory().Standing("alice")
	if !ok || st.Score != 10 {
		t.Fatalf("replayed standing = %+v (ok=%v), want score 10", st, ok)
	}
}
