// Package cache holds rendered fragments for a bounded time.
//
// Every backend implements Store. A value is either present and unexpired or
// absent; backends never hand back stale entries. A ttl of zero or less is
// rejected by Set, callers that want no caching simply skip the store.
package cache

import (
	"context"
	"time"

	"github.com/keithlinneman/mdembed/internal/xerrors"
)

type Store interface {
	Get(ctx context.Context, key string) (value string, found bool, err error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

var errNonPositiveTTL = xerrors.New("cache ttl must be positive")

func checkTTL(ttl time.Duration) error {
	if ttl <= 0 {
		return errNonPositiveTTL
	}
	return nil
}
