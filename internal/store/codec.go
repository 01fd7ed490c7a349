package store

import (
	"fmt"
	"reflect"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// record is the on-disk form of a Snapshot in the key/value backends.
type record struct {
	Content   string         `cbor:"1,keyasint"`
	Version   int            `cbor:"2,keyasint"`
	Metadata  map[string]any `cbor:"3,keyasint,omitempty"`
	SavedAt   int64          `cbor:"4,keyasint"`
	ExpiresAt int64          `cbor:"5,keyasint,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = (cbor.EncOptions{Sort: cbor.SortCanonical}).EncMode(); err != nil {
		panic(err)
	}
	// Nested metadata objects decode as map[string]any so they stay JSON
	// encodable.
	decMode, err = (cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}).DecMode()
	if err != nil {
		panic(err)
	}
}

func encodeRecord(snap Snapshot, expires time.Time) ([]byte, error) {
	r := record{
		Content:  snap.Content,
		Version:  snap.Version,
		Metadata: snap.Metadata,
		SavedAt:  snap.SavedAt.UnixNano(),
	}
	if !expires.IsZero() {
		r.ExpiresAt = expires.UnixNano()
	}
	buf, err := encMode.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return buf, nil
}

func decodeRecord(buf []byte) (Snapshot, time.Time, error) {
	var r record
	if err := decMode.Unmarshal(buf, &r); err != nil {
		return Snapshot{}, time.Time{}, fmt.Errorf("decode snapshot: %w", err)
	}
	snap := Snapshot{
		Content:  r.Content,
		Version:  r.Version,
		Metadata: r.Metadata,
		SavedAt:  time.Unix(0, r.SavedAt).UTC(),
	}
	var expires time.Time
	if r.ExpiresAt != 0 {
		expires = time.Unix(0, r.ExpiresAt).UTC()
	}
	return snap, expires, nil
}
