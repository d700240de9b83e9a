package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"marketsync/config"
	"marketsync/syncengine"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backend is a small fake of the marketplace API with one listing.
type backend struct {
	mu       sync.Mutex
	messages []map[string]any
	auth     []string
}

func (b *backend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.auth = append(b.auth, r.Method+" "+r.URL.Path+" "+r.Header.Get("Authorization"))
	w.Header().Set("Content-Type", "application/json")

	switch {
	case r.URL.Path == "/auth/login":
		_, _ = io.WriteString(w, `{"message":"ok","token":"T","user":{"id":7,"email":"a@utdallas.edu","name":"Ada"}}`)
	case r.URL.Path == "/listings":
		_, _ = io.WriteString(w, `[
			{"id":5,"title":"Desk","price":"40.00","location":"ECSS","userId":3,"user":{"id":3,"email":"s@utdallas.edu","name":"Sam"}},
			{"id":6,"title":"Lamp","price":12,"userId":7}
		]`)
	case r.URL.Path == "/users/7/conversations":
		_, _ = io.WriteString(w, `[]`)
	case r.URL.Path == "/listings/5/messages":
		_ = json.NewEncoder(w).Encode(b.messages)
	case r.URL.Path == "/messages" && r.Method == http.MethodPost:
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		m := map[string]any{
			"id":        len(b.messages) + 1,
			"content":   body["content"],
			"userId":    body["userId"],
			"listingId": body["listingId"],
			"createdAt": time.Date(2024, 4, 1, 12, len(b.messages), 0, 0, time.UTC),
		}
		b.messages = append(b.messages, m)
		_ = json.NewEncoder(w).Encode(m)
	default:
		http.NotFound(w, r)
	}
}

func TestCommands(t *testing.T) {
	be := &backend{messages: []map[string]any{{
		"id": 100, "content": "still available?", "userId": 3, "listingId": 5,
		"createdAt": time.Date(2024, 4, 1, 11, 0, 0, 0, time.UTC),
	}}}
	srv := httptest.NewServer(be)
	defer srv.Close()

	cfg := config.Config{
		Env:            "test",
		APIBaseURL:     srv.URL,
		RequestTimeout: 5 * time.Second,
		SendTimeout:    5 * time.Second,
		RetryAttempts:  1,
		RetryDelay:     time.Millisecond,
		StorageBackend: config.BackendLocal,
		LocalStorage:   t.TempDir(),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	exec := func(args ...string) (string, error) {
		var out bytes.Buffer
		err := run(ctx, cfg, logger, args, &out)
		return out.String(), err
	}

	_, err := exec("conversations")
	assert.ErrorIs(t, err, syncengine.ErrNotAuthenticated)

	out, err := exec("signin", "-email", "a@utdallas.edu", "-password", "x")
	require.NoError(t, err)
	assert.Contains(t, out, "Signed in as Ada (user 7)")

	out, err = exec("whoami")
	require.NoError(t, err)
	assert.Contains(t, out, "Ada (user 7)")

	out, err = exec("listings", "-sort", "price_asc")
	require.NoError(t, err)
	assert.Less(t, strings.Index(out, "Lamp"), strings.Index(out, "Desk"))
	assert.Contains(t, out, "$40.00")

	out, err = exec("listings", "-q", "ecss")
	require.NoError(t, err)
	assert.Contains(t, out, "Desk")
	assert.NotContains(t, out, "Lamp")

	_, err = exec("listings", "-sort", "cheapest")
	assert.Error(t, err)

	out, err = exec("send", "-listing", "5", "-text", "yes, still here")
	require.NoError(t, err)
	assert.Contains(t, out, "Sent.")

	out, err = exec("messages", "-listing", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "still available?")
	assert.Contains(t, out, "me: yes, still here")

	out, err = exec("conversations")
	require.NoError(t, err)
	assert.Contains(t, out, "1 conversations, 0 unread", "my reply was the last message")
	assert.Contains(t, out, "Sam")

	out, err = exec("read", "-conversation", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "Marked conversation 5 as read.")

	watchCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	var watched bytes.Buffer
	require.NoError(t, run(watchCtx, cfg, logger, []string{"watch"}, &watched))
	cancel()
	assert.Contains(t, watched.String(), "Watching 1 conversations, 0 unread.")

	out, err = exec("signout")
	require.NoError(t, err)
	assert.Contains(t, out, "Signed out.")

	_, err = exec("whoami")
	assert.ErrorIs(t, err, syncengine.ErrNotAuthenticated)

	out, err = exec("purge")
	require.NoError(t, err)
	assert.Contains(t, out, "offline snapshots.")
	out, err = exec("purge")
	require.NoError(t, err)
	assert.Contains(t, out, "Removed 0 offline snapshots.")

	be.mu.Lock()
	defer be.mu.Unlock()
	for _, line := range be.auth {
		if strings.HasPrefix(line, "POST /messages") {
			assert.True(t, strings.HasSuffix(line, "Bearer T"), line)
		}
	}
}

func TestUnknownCommand(t *testing.T) {
	var out bytes.Buffer
	cfg := config.Config{StorageBackend: config.BackendMemory, APIBaseURL: "http://localhost:1"}
	err := run(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), []string{"dance"}, &out)
	assert.Error(t, err)
	assert.Contains(t, out.String(), "usage: marketsync")

	out.Reset()
	require.NoError(t, run(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), []string{"help"}, &out))
	assert.Contains(t, out.String(), "conversations")
}
