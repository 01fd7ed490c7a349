package store

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

// Tiered writes through a cache in front of a durable store. Reads prefer the
// cache and back-fill it from the durable tier. Either tier failing on its own
// is logged and the other keeps serving.
type Tiered struct {
	Cache    SnapshotStore
	Durable  SnapshotStore
	CacheTTL time.Duration
	Log      *logrus.Entry
}

func (t *Tiered) Get(ctx context.Context, id string) (*Snapshot, error) {
	snap, cacheErr := t.Cache.Get(ctx, id)
	if cacheErr != nil {
		t.Log.WithError(cacheErr).WithField("document", id).Warn("cache read failed")
	} else if snap != nil {
		return snap, nil
	}
	snap, err := t.Durable.Get(ctx, id)
	if err != nil {
		if cacheErr != nil {
			return nil, errors.Join(cacheErr, err)
		}
		return nil, err
	}
	if snap != nil && cacheErr == nil {
		if err := t.Cache.Set(ctx, id, *snap, t.CacheTTL); err != nil {
			t.Log.WithError(err).WithField("document", id).Warn("cache back-fill failed")
		}
	}
	return snap, nil
}

// Set reports an error only when the durable write fails; a cache miss is
// repaired on the next read.
func (t *Tiered) Set(ctx context.Context, id string, snap Snapshot, ttl time.Duration) error {
	cacheTTL := t.CacheTTL
	if cacheTTL == 0 {
		cacheTTL = ttl
	}
	if err := t.Cache.Set(ctx, id, snap, cacheTTL); err != nil {
		t.Log.WithError(err).WithField("document", id).Warn("cache write failed")
	}
	return t.Durable.Set(ctx, id, snap, ttl)
}

func (t *Tiered) Close() error {
	return errors.Join(t.Cache.Close(), t.Durable.Close())
}
