// Package kvstore handles persistence of small namespaced client records.
package kvstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"github.com/redis/go-redis/v9"
	"google.golang.org/api/iterator"
)

// ErrNotFound is returned by Get when no value is stored under the key.
var ErrNotFound = errors.New("kvstore: key doesn't exist")

var keyRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,127}$`)

const fileSuffix = ".dat"

// Store persists values in exactly one backend: a local directory, a Cloud
// Storage bucket, a Redis database or process memory.
type Store struct {
	client    *storage.Client
	rdb       *redis.Client
	logger    *slog.Logger
	localPath string
	bucket    string
	prefix    string

	mu  sync.Mutex
	mem map[string][]byte
}

// NewLocal creates a store backed by files under path.
func NewLocal(path string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, fmt.Errorf("create local storage directory: %w", err)
	}
	return &Store{localPath: path, logger: logger}, nil
}

// NewGCS creates a store backed by a Cloud Storage bucket. Object names are
// prefix + key.
func NewGCS(client *storage.Client, bucket, prefix string, logger *slog.Logger) *Store {
	return &Store{client: client, bucket: bucket, prefix: prefix, logger: logger}
}

// NewRedis creates a store backed by Redis. Redis keys are prefix + key.
func NewRedis(rdb *redis.Client, prefix string, logger *slog.Logger) *Store {
	return &Store{rdb: rdb, prefix: prefix, logger: logger}
}

// NewMemory creates a store that lives only as long as the process.
func NewMemory(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Store{mem: make(map[string][]byte), logger: logger}
}

// ValidKey reports whether key may be used. Keys double as file names, so
// only a small lower-case alphabet is accepted.
func ValidKey(key string) bool {
	return keyRegex.MatchString(key) && !strings.Contains(key, "..")
}

// IsNotFound checks if an error indicates a missing key.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Backend names the active backend for logging.
func (s *Store) Backend() string {
	switch {
	case s.mem != nil:
		return "memory"
	case s.localPath != "":
		return "local"
	case s.rdb != nil:
		return "redis"
	default:
		return "gcs"
	}
}

func retryOptions(ctx context.Context, logger *slog.Logger, op, key string) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(10 * time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.Info("Retrying storage operation after error", "op", op, "attempt", n, "key", key, "error", err)
		}),
	}
}

// Set stores value under key, replacing any previous value.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if !ValidKey(key) {
		return fmt.Errorf("invalid key %q", key)
	}
	s.logger.Debug("Saving record", "key", key, "backend", s.Backend(), "bytes", len(value))

	switch {
	case s.mem != nil:
		s.mu.Lock()
		s.mem[key] = append([]byte(nil), value...)
		s.mu.Unlock()
		return nil

	case s.localPath != "":
		filePath := filepath.Join(s.localPath, key+fileSuffix)
		tmp := filePath + ".tmp"
		// writers share the tmp name
		s.mu.Lock()
		defer s.mu.Unlock()
		if err := os.WriteFile(tmp, value, 0o600); err != nil {
			return fmt.Errorf("write to local storage: %w", err)
		}
		if err := os.Rename(tmp, filePath); err != nil {
			return fmt.Errorf("replace local record: %w", err)
		}
		return nil

	case s.rdb != nil:
		if err := s.rdb.Set(ctx, s.prefix+key, value, 0).Err(); err != nil {
			return fmt.Errorf("write to redis: %w", err)
		}
		return nil
	}

	err := retry.Do(
		func() error {
			w := s.client.Bucket(s.bucket).Object(s.prefix + key).NewWriter(ctx)
			if _, writeErr := w.Write(value); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retryOptions(ctx, s.logger, "set", key)...,
	)
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}
	return nil
}

// Get returns the value stored under key, or ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if !ValidKey(key) {
		return nil, fmt.Errorf("invalid key %q", key)
	}

	switch {
	case s.mem != nil:
		s.mu.Lock()
		defer s.mu.Unlock()
		v, ok := s.mem[key]
		if !ok {
			return nil, ErrNotFound
		}
		return append([]byte(nil), v...), nil

	case s.localPath != "":
		data, err := os.ReadFile(filepath.Join(s.localPath, key+fileSuffix))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("read from local storage: %w", err)
		}
		return data, nil

	case s.rdb != nil:
		data, err := s.rdb.Get(ctx, s.prefix+key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("read from redis: %w", err)
		}
		return data, nil
	}

	var data []byte
	var missing bool
	err := retry.Do(
		func() error {
			r, openErr := s.client.Bucket(s.bucket).Object(s.prefix + key).NewReader(ctx)
			if openErr != nil {
				if errors.Is(openErr, storage.ErrObjectNotExist) {
					missing = true
					return retry.Unrecoverable(openErr)
				}
				return fmt.Errorf("open storage reader: %w", openErr)
			}
			defer func() {
				if closeErr := r.Close(); closeErr != nil {
					s.logger.Warn("Failed to close storage reader", "error", closeErr)
				}
			}()

			var readErr error
			data, readErr = io.ReadAll(r)
			if readErr != nil {
				return fmt.Errorf("read from storage: %w", readErr)
			}
			return nil
		},
		retryOptions(ctx, s.logger, "get", key)...,
	)
	if missing {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load after retries: %w", err)
	}
	return data, nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if !ValidKey(key) {
		return fmt.Errorf("invalid key %q", key)
	}
	s.logger.Debug("Deleting record", "key", key, "backend", s.Backend())

	switch {
	case s.mem != nil:
		s.mu.Lock()
		delete(s.mem, key)
		s.mu.Unlock()
		return nil

	case s.localPath != "":
		if err := os.Remove(filepath.Join(s.localPath, key+fileSuffix)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete from local storage: %w", err)
		}
		return nil

	case s.rdb != nil:
		if err := s.rdb.Del(ctx, s.prefix+key).Err(); err != nil {
			return fmt.Errorf("delete from redis: %w", err)
		}
		return nil
	}

	err := retry.Do(
		func() error {
			if deleteErr := s.client.Bucket(s.bucket).Object(s.prefix + key).Delete(ctx); deleteErr != nil {
				if errors.Is(deleteErr, storage.ErrObjectNotExist) {
					return nil
				}
				return fmt.Errorf("delete from storage: %w", deleteErr)
			}
			return nil
		},
		retryOptions(ctx, s.logger, "delete", key)...,
	)
	if err != nil {
		return fmt.Errorf("delete after retries: %w", err)
	}
	return nil
}

// Keys lists stored keys starting with prefix, sorted.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string

	switch {
	case s.mem != nil:
		s.mu.Lock()
		for k := range s.mem {
			if strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
		s.mu.Unlock()

	case s.localPath != "":
		entries, err := os.ReadDir(s.localPath)
		if err != nil {
			return nil, fmt.Errorf("read local storage directory: %w", err)
		}
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || !strings.HasSuffix(name, fileSuffix) {
				continue
			}
			key := strings.TrimSuffix(name, fileSuffix)
			if strings.HasPrefix(key, prefix) && ValidKey(key) {
				keys = append(keys, key)
			}
		}

	case s.rdb != nil:
		iter := s.rdb.Scan(ctx, 0, s.prefix+prefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, strings.TrimPrefix(iter.Val(), s.prefix))
		}
		if err := iter.Err(); err != nil {
			return nil, fmt.Errorf("scan redis: %w", err)
		}

	default:
		it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: s.prefix + prefix})
		for {
			attrs, err := it.Next()
			if errors.Is(err, iterator.Done) {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("iterate storage: %w", err)
			}
			keys = append(keys, strings.TrimPrefix(attrs.Name, s.prefix))
		}
	}

	sort.Strings(keys)
	return keys, nil
}
