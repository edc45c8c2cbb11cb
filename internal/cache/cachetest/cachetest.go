// Package cachetest provides in-memory caches and a recording index feed
// for tests.
package cachetest

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/cache"
	"github.com/brandon/mailsync/internal/config"
	"github.com/brandon/mailsync/internal/index"
)

// Logger returns a logger that discards output
func Logger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// NewCache creates an in-memory cache with all migrations applied. It is
// closed when the test completes.
func NewCache(t testing.TB) *cache.Cache {
	t.Helper()

	c, err := cache.NewCache(":memory:", Logger())
	if err != nil {
		t.Fatalf("creating test cache: %v", err)
	}
	t.Cleanup(func() {
		if err := c.Close(); err != nil {
			t.Errorf("closing test cache: %v", err)
		}
	})
	return c
}

// NewStore creates a store over a fresh in-memory cache
func NewStore(t testing.TB, feed index.Feed) *cache.Store {
	t.Helper()
	return cache.NewStore(NewCache(t), feed, Logger())
}

// SeedAccount inserts an account row so folders can reference it
func SeedAccount(t testing.TB, s *cache.Store, id string) *config.AccountConfig {
	t.Helper()

	acc := &config.AccountConfig{
		ID:      id,
		Name:    id,
		Email:   id + "@example.com",
		Backend: config.BackendIMAP,
		IMAP:    config.ServerConfig{Host: "imap.example.com"},
		SMTP:    config.ServerConfig{Host: "smtp.example.com"},
	}
	if err := s.UpsertAccount(context.Background(), acc); err != nil {
		t.Fatalf("seeding account: %v", err)
	}
	return acc
}

// Recorder is an index.Feed that remembers what it was sent
type Recorder struct {
	mu         sync.Mutex
	indexed    []index.Entry
	tombstoned []index.Key
}

func (r *Recorder) Index(_ context.Context, e index.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.indexed = append(r.indexed, e)
	return nil
}

func (r *Recorder) Tombstone(_ context.Context, k index.Key) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tombstoned = append(r.tombstoned, k)
	return nil
}

// Indexed returns the UIDs of every indexed entry, in emission order
func (r *Recorder) Indexed() []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uint32, len(r.indexed))
	for i, e := range r.indexed {
		out[i] = e.UID
	}
	return out
}

// Entries returns a copy of the indexed entries
func (r *Recorder) Entries() []index.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]index.Entry(nil), r.indexed...)
}

// Tombstoned returns the UIDs of every tombstone, in emission order
func (r *Recorder) Tombstoned() []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uint32, len(r.tombstoned))
	for i, k := range r.tombstoned {
		out[i] = k.UID
	}
	return out
}

// Reset forgets everything recorded so far
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.indexed = nil
	r.tombstoned = nil
}
