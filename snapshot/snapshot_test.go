package snapshot

import (
	"context"
	"io"
	"log/slog"
	"marketsync/kvstore"
	"marketsync/pkg/market"
	"testing"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

func TestSaveLoad(t *testing.T) {
	ctx := context.Background()
	s := New(kvstore.NewMemory(nil), slog.New(slog.NewTextHandler(io.Discard, nil)))

	id := 3
	created := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	in := &Snapshot{
		Listings: []market.Listing{{ID: &id, Title: "Desk", Price: 25.5, ImageURLs: []string{"a.jpg"}, CreatedAt: &created}},
		Messages: map[int][]market.Message{
			3: {{ID: 1, Content: "hi", SenderID: 7, ListingID: 3, CreatedAt: created}},
		},
	}
	if err := s.Save(ctx, 7, in); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	out, err := s.Load(ctx, 7)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(out.Listings) != 1 || out.Listings[0].Title != "Desk" || out.Listings[0].IDOrZero() != 3 {
		t.Errorf("Listings = %+v", out.Listings)
	}
	if !out.Listings[0].CreatedAt.Equal(created) {
		t.Errorf("CreatedAt = %v, want %v", out.Listings[0].CreatedAt, created)
	}
	if got := out.Messages[3]; len(got) != 1 || got[0].Content != "hi" {
		t.Errorf("Messages[3] = %+v", got)
	}

	if _, err := s.Load(ctx, 8); err == nil {
		t.Error("Load() for a user without a snapshot should fail")
	}
}

func TestLoadRejectsOtherVersions(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemory(nil)
	s := New(kv, slog.New(slog.NewTextHandler(io.Discard, nil)))

	data, err := msgpack.Marshal(&Snapshot{Version: version + 1})
	if err != nil {
		t.Fatal(err)
	}
	if err := kv.Set(ctx, Key(7), data); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Load(ctx, 7); err == nil {
		t.Error("Load() should reject a snapshot from another version")
	}

	if err := kv.Set(ctx, Key(7), []byte("garbage")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Load(ctx, 7); err == nil {
		t.Error("Load() should reject garbage")
	}
}

func TestKey(t *testing.T) {
	if got := Key(0); got != "snapshot.anonymous" {
		t.Errorf("Key(0) = %q", got)
	}
	if got := Key(42); got != "snapshot.42" {
		t.Errorf("Key(42) = %q", got)
	}
	if !kvstore.ValidKey(Key(0)) || !kvstore.ValidKey(Key(42)) {
		t.Error("snapshot keys must be valid kvstore keys")
	}
}

func TestDeleteAndPurge(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemory(nil)
	s := New(kv, slog.New(slog.NewTextHandler(io.Discard, nil)))

	for _, uid := range []int{0, 7, 8} {
		if err := s.Save(ctx, uid, &Snapshot{}); err != nil {
			t.Fatalf("Save(%d) error = %v", uid, err)
		}
	}
	if err := kv.Set(ctx, "auth.session", []byte(`{}`)); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	if err := s.Delete(ctx, 7); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := s.Load(ctx, 7); !kvstore.IsNotFound(err) {
		t.Errorf("Load() after Delete error = %v, want not found", err)
	}

	n, err := s.Purge(ctx)
	if err != nil {
		t.Fatalf("Purge() error = %v", err)
	}
	if n != 2 {
		t.Errorf("Purge() = %d, want 2", n)
	}
	if keys, _ := kv.Keys(ctx, ""); len(keys) != 1 || keys[0] != "auth.session" {
		t.Errorf("remaining keys = %v, want only the session", keys)
	}
}
