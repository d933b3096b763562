// Package sessioncache persists the identity of in-progress resumable upload
// sessions so that an upload interrupted by a crash or a network failure can
// be resumed by a later process.
//
// A Record is keyed by the upload destination (see Key), never by content.
// Two different payloads aimed at the same destination share a key; the
// Record's Fingerprint lets the upload engine tell them apart.
package sessioncache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// FingerprintSize is the maximum number of leading stream bytes kept as a
// content fingerprint.
const FingerprintSize = 16

// ErrNotFound is returned by Store.Get when no record exists for a key.
var ErrNotFound = errors.New("session record not found")

// Record is the persisted state of one resumable upload session.
type Record struct {
	// SessionURI is the opaque session handle issued by the storage service.
	SessionURI string `json:"uri"`

	// Fingerprint holds the first bytes (at most FingerprintSize) ever sent
	// through the session. Empty until the first chunk has been observed.
	Fingerprint []byte `json:"firstChunk,omitempty"`
}

// Store is a flat key/value store of session records. Last writer wins and
// records never expire. Implementations must be safe for concurrent use on
// distinct keys.
type Store interface {
	Get(ctx context.Context, key string) (Record, error)
	Set(ctx context.Context, key string, record Record) error
	Delete(ctx context.Context, key string) error
}

// Key derives the cache key of an upload from its destination. generation is
// only part of the key when a generation precondition is set.
func Key(bucket, object string, generation *int64) string {
	parts := []string{bucket, object}
	if generation != nil {
		parts = append(parts, strconv.FormatInt(*generation, 10))
	}
	return strings.Join(parts, "/")
}

// Forget drops the cached session for a destination. A missing record is not
// an error.
func Forget(ctx context.Context, store Store, bucket, object string, generation *int64) error {
	key := Key(bucket, object, generation)
	if err := store.Delete(ctx, key); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("forget %s: %w", key, err)
	}
	return nil
}

func cloneRecord(r Record) Record {
	if r.Fingerprint != nil {
		fp := make([]byte, len(r.Fingerprint))
		copy(fp, r.Fingerprint)
		r.Fingerprint = fp
	}
	return r
}
