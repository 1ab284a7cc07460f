// Package cache stores serialized intermediate routing results keyed by
// (call id, tree path) so late-route lookups can resolve inner fork nodes
// as the call progresses. Two interchangeable backends exist: a shared
// Redis cache for multi-server installations and an in-process map for
// single-server deployments and tests.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by Get when no entry exists for the key, either
// because it was never written or because its TTL expired.
var ErrMiss = errors.New("cache: entry not found")

// Cache is the narrow gateway the dispatcher consumes. Put accepts
// concurrent writes for distinct keys; a Get after a Put of the same key
// within the TTL returns the stored bytes unchanged.
type Cache interface {
	Put(ctx context.Context, callID, treePath string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, callID, treePath string) ([]byte, error)
}

// Key builds the storage key for an intermediate routing result.
func Key(callID, treePath string) string {
	return "stage1:" + callID + ":" + treePath
}
