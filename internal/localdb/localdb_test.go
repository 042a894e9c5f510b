package localdb

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/digkill/fixtral/internal/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(MemoryPath, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func record(id string, ts int64) models.HistoryRecord {
	return models.HistoryRecord{ID: id, PostTitle: "title " + id, Status: models.StatusCompleted, Timestamp: ts}
}

func TestListNewestFirst(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for i, ts := range []int64{200, 100, 300} {
		rec := record(string(rune('a'+i)), ts)
		if err := store.Put(ctx, "u1", rec); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	if err := store.Put(ctx, "u2", record("z", 999)); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := store.List(ctx, "u1", 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []string{"c", "a", "b"}
	if len(got) != len(want) {
		t.Fatalf("List returned %d records, want %d", len(got), len(want))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("List()[%d].ID = %s, want %s", i, got[i].ID, id)
		}
	}

	limited, err := store.List(ctx, "u1", 2)
	if err != nil {
		t.Fatalf("List limited: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("List(limit 2) returned %d records", len(limited))
	}
}

func TestPutReplacesSameID(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.Put(ctx, "u1", record("a", 1)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	updated := record("a", 1)
	updated.PostTitle = "changed"
	if err := store.Put(ctx, "u1", updated); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, _ := store.List(ctx, "u1", 0)
	if len(got) != 1 || got[0].PostTitle != "changed" {
		t.Errorf("List = %+v, want a single updated record", got)
	}
}

func TestDeleteAndClear(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		if err := store.Put(ctx, "u1", record(id, 1)); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	if err := store.Put(ctx, "u2", record("c", 1)); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := store.Delete(ctx, "u1", "a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	got, _ := store.List(ctx, "u1", 0)
	if len(got) != 1 || got[0].ID != "b" {
		t.Errorf("after Delete List = %+v, want only b", got)
	}

	if err := store.Clear(ctx, "u1"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if got, _ := store.List(ctx, "u1", 0); len(got) != 0 {
		t.Errorf("after Clear List returned %d records", len(got))
	}
	if got, _ := store.List(ctx, "u2", 0); len(got) != 1 {
		t.Error("Clear must not touch other owners")
	}
}

func TestOpenFileCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "fixtral.db")
	store, err := Open(path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("Open(%s): %v", path, err)
	}
	defer store.Close()

	if err := store.Put(context.Background(), "u1", record("a", 1)); err != nil {
		t.Fatalf("Put: %v", err)
	}
}
