package store

import (
	"context"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var snapshotBucket = []byte("snapshots")

// BoltStore keeps snapshots in a single local file. It suits single-node
// deployments with no Postgres.
type BoltStore struct {
	db  *bolt.DB
	now func() time.Time
}

func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(snapshotBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}
	return &BoltStore{db: db, now: time.Now}, nil
}

func (s *BoltStore) Get(ctx context.Context, id string) (*Snapshot, error) {
	var buf []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(snapshotBucket).Get([]byte(id)); v != nil {
			buf = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("bolt get %s: %w", id, err)
	}
	if buf == nil {
		return nil, nil
	}
	snap, expires, err := decodeRecord(buf)
	if err != nil {
		return nil, err
	}
	if !expires.IsZero() && !s.now().Before(expires) {
		return nil, nil
	}
	return &snap, nil
}

func (s *BoltStore) Set(ctx context.Context, id string, snap Snapshot, ttl time.Duration) error {
	var expires time.Time
	if ttl > 0 {
		expires = s.now().Add(ttl)
	}
	buf, err := encodeRecord(snap, expires)
	if err != nil {
		return err
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(snapshotBucket).Put([]byte(id), buf)
	})
	if err != nil {
		return fmt.Errorf("bolt set %s: %w", id, err)
	}
	return nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
