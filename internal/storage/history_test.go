package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	logx "vigil/pkg/logx"
)

func openTestHistory(t *testing.T) *History {
	t.Helper()
	h, err := Open(Config{Path: filepath.Join(t.TempDir(), "history.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func TestRecordAndRecent(t *testing.T) {
	t.Parallel()
	h := openTestHistory(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 7, 22, 0, 0, 0, time.UTC)
	for i, title := range []string{"first", "second", "third"} {
		err := h.RecordPlay(ctx, PlayRecord{
			Title:       title,
			Kind:        "remote",
			RequestedBy: "u1",
			PlayedAt:    base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("RecordPlay: %v", err)
		}
	}

	recs, err := h.RecentPlays(ctx, 2)
	if err != nil {
		t.Fatalf("RecentPlays: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	// Newest first.
	if recs[0].Title != "third" || recs[1].Title != "second" {
		t.Fatalf("recent = %q, %q", recs[0].Title, recs[1].Title)
	}
	if !recs[0].PlayedAt.Equal(base.Add(2 * time.Minute)) {
		t.Fatalf("played_at roundtrip = %v", recs[0].PlayedAt)
	}
}

func TestDisabledStore(t *testing.T) {
	t.Parallel()
	h, err := Open(Config{}, logx.Nop())
	if err != nil {
		t.Fatalf("Open with empty path: %v", err)
	}
	if h != nil {
		t.Fatal("empty path should return a nil store")
	}
	// Methods on the nil store degrade to ErrDisabled, not panics.
	if err := h.RecordPlay(context.Background(), PlayRecord{Title: "x"}); err != ErrDisabled {
		t.Fatalf("RecordPlay on nil store = %v, want ErrDisabled", err)
	}
	if _, err := h.RecentPlays(context.Background(), 5); err != ErrDisabled {
		t.Fatalf("RecentPlays on nil store = %v, want ErrDisabled", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close on nil store = %v", err)
	}
}

func TestPruneKeepsNewestRows(t *testing.T) {
	t.Parallel()
	h, err := Open(Config{Path: filepath.Join(t.TempDir(), "history.db"), KeepRows: 5}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		if err := h.RecordPlay(ctx, PlayRecord{Title: "t", Kind: "remote"}); err != nil {
			t.Fatalf("RecordPlay: %v", err)
		}
	}
	h.prune(ctx)

	recs, err := h.RecentPlays(ctx, 100)
	if err != nil {
		t.Fatalf("RecentPlays: %v", err)
	}
	if len(recs) != 5 {
		t.Fatalf("after prune got %d rows, want 5", len(recs))
	}
}
