package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var savedAt = time.Date(2026, 5, 4, 3, 2, 1, 12345, time.UTC)

func sample(version int) Snapshot {
	return Snapshot{
		Content: "héllo wörld",
		Version: version,
		Metadata: map[string]any{
			"title":  "Notes",
			"nested": map[string]any{"language": "en"},
		},
		SavedAt: savedAt,
	}
}

func requireSnapshot(t *testing.T, want Snapshot, got *Snapshot) {
	t.Helper()
	require.NotNil(t, got)
	assert.Equal(t, want.Content, got.Content)
	assert.Equal(t, want.Version, got.Version)
	assert.Equal(t, want.Metadata, got.Metadata)
	assert.True(t, want.SavedAt.Equal(got.SavedAt), "saved at %v, want %v", got.SavedAt, want.SavedAt)
}

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.DebugLevel)
	return logrus.NewEntry(l)
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	now := savedAt
	m := NewMemoryStore()
	m.now = func() time.Time { return now }

	got, err := m.Get(ctx, "doc")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, m.Set(ctx, "doc", sample(3), time.Minute))
	got, err = m.Get(ctx, "doc")
	require.NoError(t, err)
	requireSnapshot(t, sample(3), got)

	// Callers cannot reach into the stored metadata.
	got.Metadata["title"] = "changed"
	got, _ = m.Get(ctx, "doc")
	assert.Equal(t, "Notes", got.Metadata["title"])

	now = now.Add(time.Minute)
	got, err = m.Get(ctx, "doc")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, m.Close())
	_, err = m.Get(ctx, "doc")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, m.Set(ctx, "doc", sample(1), 0), ErrClosed)
}

func TestCodecRoundTrip(t *testing.T) {
	expires := savedAt.Add(time.Hour)
	buf, err := encodeRecord(sample(9), expires)
	require.NoError(t, err)
	snap, gotExpires, err := decodeRecord(buf)
	require.NoError(t, err)
	requireSnapshot(t, sample(9), &snap)
	assert.True(t, expires.Equal(gotExpires))

	_, _, err = decodeRecord([]byte{0xff, 0x00})
	assert.Error(t, err)
}

func TestBoltStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "snapshots.db")
	s, err := OpenBoltStore(path)
	require.NoError(t, err)

	got, err := s.Get(ctx, "doc")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, s.Set(ctx, "doc", sample(4), 0))
	require.NoError(t, s.Close())

	s, err = OpenBoltStore(path)
	require.NoError(t, err)
	defer s.Close()
	got, err = s.Get(ctx, "doc")
	require.NoError(t, err)
	requireSnapshot(t, sample(4), got)

	now := time.Now()
	s.now = func() time.Time { return now }
	require.NoError(t, s.Set(ctx, "short", sample(1), time.Second))
	now = now.Add(2 * time.Second)
	got, err = s.Get(ctx, "short")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, NewRedisStore(rdb)
}

func TestRedisStore(t *testing.T) {
	ctx := context.Background()
	mr, s := newRedis(t)

	got, err := s.Get(ctx, "doc")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, s.Set(ctx, "doc", sample(7), time.Hour))
	assert.True(t, mr.Exists(snapshotPrefix+"doc"))
	assert.Equal(t, time.Hour, mr.TTL(snapshotPrefix+"doc"))

	got, err = s.Get(ctx, "doc")
	require.NoError(t, err)
	requireSnapshot(t, sample(7), got)

	mr.FastForward(2 * time.Hour)
	got, err = s.Get(ctx, "doc")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisStoreUnavailable(t *testing.T) {
	ctx := context.Background()
	mr, s := newRedis(t)
	mr.Close()

	_, err := s.Get(ctx, "doc")
	assert.Error(t, err)
	assert.Error(t, s.Set(ctx, "doc", sample(1), time.Minute))
}

func TestRedisLease(t *testing.T) {
	ctx := context.Background()
	mr, s := newRedis(t)

	ok, err := s.Acquire(ctx, "doc", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Acquire(ctx, "doc", "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// Re-acquiring by the holder extends the lease.
	mr.FastForward(30 * time.Second)
	ok, err = s.Acquire(ctx, "doc", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, time.Minute, mr.TTL(leasePrefix+"doc"))

	ok, err = s.Renew(ctx, "doc", "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Release(ctx, "doc", "b"))
	assert.True(t, mr.Exists(leasePrefix+"doc"))
	require.NoError(t, s.Release(ctx, "doc", "a"))
	assert.False(t, mr.Exists(leasePrefix+"doc"))

	ok, err = s.Acquire(ctx, "doc", "b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

type failingStore struct{ err error }

func (f failingStore) Get(context.Context, string) (*Snapshot, error) { return nil, f.err }
func (f failingStore) Set(context.Context, string, Snapshot, time.Duration) error {
	return f.err
}
func (f failingStore) Close() error { return nil }

func TestTiered(t *testing.T) {
	ctx := context.Background()
	cache, durable := NewMemoryStore(), NewMemoryStore()
	tiered := &Tiered{Cache: cache, Durable: durable, CacheTTL: time.Minute, Log: testLog()}

	require.NoError(t, tiered.Set(ctx, "doc", sample(2), time.Hour))
	got, _ := cache.Get(ctx, "doc")
	requireSnapshot(t, sample(2), got)
	got, _ = durable.Get(ctx, "doc")
	requireSnapshot(t, sample(2), got)

	// A cold cache is back-filled from the durable tier.
	require.NoError(t, durable.Set(ctx, "cold", sample(5), 0))
	got, err := tiered.Get(ctx, "cold")
	require.NoError(t, err)
	requireSnapshot(t, sample(5), got)
	got, _ = cache.Get(ctx, "cold")
	requireSnapshot(t, sample(5), got)
}

func TestTieredDegrades(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	durable := NewMemoryStore()
	tiered := &Tiered{Cache: failingStore{boom}, Durable: durable, Log: testLog()}

	require.NoError(t, tiered.Set(ctx, "doc", sample(1), time.Hour))
	got, err := tiered.Get(ctx, "doc")
	require.NoError(t, err)
	requireSnapshot(t, sample(1), got)

	tiered = &Tiered{Cache: NewMemoryStore(), Durable: failingStore{boom}, Log: testLog()}
	assert.ErrorIs(t, tiered.Set(ctx, "doc", sample(1), time.Hour), boom)
	got, err = tiered.Get(ctx, "doc")
	require.NoError(t, err, "cache still serves")
	requireSnapshot(t, sample(1), got)

	tiered = &Tiered{Cache: failingStore{boom}, Durable: failingStore{boom}, Log: testLog()}
	_, err = tiered.Get(ctx, "doc")
	assert.ErrorIs(t, err, boom)
}
