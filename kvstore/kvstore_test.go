package kvstore

import (
	"context"
	"log/slog"
	"os"
	"reflect"
	"testing"

	"github.com/redis/go-redis/v9"
)

func TestValidKey(t *testing.T) {
	tests := []struct {
		key  string
		want bool
	}{
		{"auth.session", true},
		{"readstate.7", true},
		{"snapshot.42", true},
		{"", false},
		{"Auth.Session", false},
		{"../etc/passwd", false},
		{"a/b", false},
		{".hidden", false},
		{"a..b", false},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			if got := ValidKey(tt.key); got != tt.want {
				t.Errorf("ValidKey(%q) = %v, want %v", tt.key, got, tt.want)
			}
		})
	}
}

func exerciseStore(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()

	if _, err := s.Get(ctx, "readstate.1"); !IsNotFound(err) {
		t.Fatalf("Get() on empty store error = %v, want not found", err)
	}

	if err := s.Set(ctx, "readstate.1", []byte(`["3"]`)); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := s.Set(ctx, "readstate.2", []byte(`[]`)); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := s.Set(ctx, "auth.session", []byte(`{}`)); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, err := s.Get(ctx, "readstate.1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got) != `["3"]` {
		t.Errorf("Get() = %q, want %q", got, `["3"]`)
	}

	keys, err := s.Keys(ctx, "readstate.")
	if err != nil {
		t.Fatalf("Keys() error = %v", err)
	}
	if want := []string{"readstate.1", "readstate.2"}; !reflect.DeepEqual(keys, want) {
		t.Errorf("Keys() = %v, want %v", keys, want)
	}

	if err := s.Delete(ctx, "readstate.1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := s.Delete(ctx, "readstate.1"); err != nil {
		t.Fatalf("second Delete() error = %v", err)
	}
	if _, err := s.Get(ctx, "readstate.1"); !IsNotFound(err) {
		t.Errorf("Get() after Delete() error = %v, want not found", err)
	}

	if err := s.Set(ctx, "../escape", []byte("x")); err == nil {
		t.Error("Set() with invalid key should fail")
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemory(nil))
}

func TestLocalStore(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	s, err := NewLocal(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("NewLocal() error = %v", err)
	}
	exerciseStore(t, s)
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	s := NewMemory(nil)
	ctx := context.Background()
	v := []byte("abc")
	if err := s.Set(ctx, "k", v); err != nil {
		t.Fatal(err)
	}
	v[0] = 'z'
	got, _ := s.Get(ctx, "k")
	if string(got) != "abc" {
		t.Errorf("stored value changed through caller slice: %q", got)
	}
}

// TestRedisStore runs against a real Redis when REDIS_ADDR is set.
func TestRedisStore(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer func() {
		if err := rdb.Close(); err != nil {
			t.Logf("close redis: %v", err)
		}
	}()
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis unreachable: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	prefix := "marketsync-test-" + t.Name() + ":"
	s := NewRedis(rdb, prefix, logger)
	t.Cleanup(func() {
		keys, _ := s.Keys(context.Background(), "")
		for _, k := range keys {
			_ = s.Delete(context.Background(), k)
		}
	})
	exerciseStore(t, s)
}
