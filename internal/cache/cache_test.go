package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/capturepipe/capturepipe/internal/capture"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeStore struct {
	mu       sync.Mutex
	released []string
}

func (s *fakeStore) Put(context.Context, string, capture.MediaKind, []byte) (capture.Artifact, error) {
	return capture.Artifact{}, nil
}

func (s *fakeStore) Get(context.Context, string) (capture.Artifact, error) {
	return capture.Artifact{}, nil
}

func (s *fakeStore) Open(context.Context, string) ([]byte, error) { return nil, nil }

func (s *fakeStore) Retain(string) {}

func (s *fakeStore) Release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = append(s.released, id)
}

func (s *fakeStore) releasedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.released...)
}

func successResult(fp, artifactID string) capture.JobResult {
	return capture.JobResult{
		Fingerprint: fp,
		Status:      capture.StatusSucceeded,
		Artifacts:   []capture.Artifact{{ID: artifactID, Kind: capture.MediaImagePNG}},
	}
}

func TestCacheHitMovesEntryToFront(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1000, 0)}
	store := &fakeStore{}
	c := New(Config{Capacity: 2, NegativeTTL: time.Minute}, clock, store, zap.NewNop())

	c.Put("fp-a", successResult("fp-a", "art-a"))
	c.Put("fp-b", successResult("fp-b", "art-b"))

	// Touch fp-a so fp-b becomes the LRU victim.
	_, ok := c.Get("fp-a")
	require.True(t, ok)

	c.Put("fp-c", successResult("fp-c", "art-c"))

	_, ok = c.Get("fp-b")
	require.False(t, ok)
	_, ok = c.Get("fp-a")
	require.True(t, ok)
	require.Equal(t, []string{"art-b"}, store.releasedIDs())
}

func TestCacheEvictsExactlyLRUAtCapacityPlusOne(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1000, 0)}
	store := &fakeStore{}
	capacity := 4
	c := New(Config{Capacity: capacity, NegativeTTL: time.Minute}, clock, store, zap.NewNop())

	for i := 0; i <= capacity; i++ {
		fp := fmt.Sprintf("fp-%d", i)
		c.Put(fp, successResult(fp, fmt.Sprintf("art-%d", i)))
	}

	require.Equal(t, capacity, c.Len())
	_, ok := c.Get("fp-0")
	require.False(t, ok, "oldest entry should be evicted")
	require.Equal(t, []string{"art-0"}, store.releasedIDs())
}

func TestNegativeEntriesExpire(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1000, 0)}
	store := &fakeStore{}
	c := New(Config{Capacity: 4, NegativeTTL: 10 * time.Second}, clock, store, zap.NewNop())

	failed := capture.JobResult{
		Fingerprint: "fp-bad",
		Status:      capture.StatusFailed,
		ErrorKind:   string(capture.KindNavigationError),
	}
	c.Put("fp-bad", failed)

	got, ok := c.Get("fp-bad")
	require.True(t, ok, "negative entry served inside the TTL")
	require.Equal(t, capture.StatusFailed, got.Status)

	clock.Advance(11 * time.Second)
	_, ok = c.Get("fp-bad")
	require.False(t, ok, "negative entry expired after TTL")
	require.Zero(t, c.Len())
}

func TestSucceededEntriesDoNotExpire(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1000, 0)}
	store := &fakeStore{}
	c := New(Config{Capacity: 4, NegativeTTL: 10 * time.Second}, clock, store, zap.NewNop())

	c.Put("fp-ok", successResult("fp-ok", "art-ok"))
	clock.Advance(time.Hour)

	_, ok := c.Get("fp-ok")
	require.True(t, ok)
}

func TestPutReplacesExistingEntry(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1000, 0)}
	store := &fakeStore{}
	c := New(Config{Capacity: 4, NegativeTTL: time.Minute}, clock, store, zap.NewNop())

	c.Put("fp-a", successResult("fp-a", "art-old"))
	c.Put("fp-a", successResult("fp-a", "art-new"))

	require.Equal(t, 1, c.Len())
	require.Equal(t, []string{"art-old"}, store.releasedIDs())

	got, ok := c.Get("fp-a")
	require.True(t, ok)
	require.Equal(t, "art-new", got.Artifacts[0].ID)
}
