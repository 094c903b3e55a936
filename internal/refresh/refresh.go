// Package refresh evicts a single cached fragment on request from the
// client script embedded in that fragment.
//
// Two checks guard every eviction, in this order: the caller must present a
// valid token for Action, and the key must live in the KeyPrefix namespace.
// Either failure leaves the store untouched.
package refresh

import (
	"context"
	"errors"
	"strings"

	"github.com/keithlinneman/mdembed/internal/cache"
	"github.com/keithlinneman/mdembed/internal/log"
	"github.com/keithlinneman/mdembed/internal/xerrors"
)

const (
	// KeyPrefix namespaces every fragment cache key.
	KeyPrefix = "external_markdown_"

	// Action binds refresh tokens to this operation.
	Action = "external_markdown_refresh"
)

var (
	ErrForbidden  = errors.New("refresh token rejected")
	ErrBadRequest = errors.New("cache key outside refresh namespace")
)

// Result labels reported to Metrics.
const (
	ResultOK         = "ok"
	ResultForbidden  = "forbidden"
	ResultBadRequest = "bad_request"
	ResultError      = "error"
)

// Verifier checks a token issued for action.
type Verifier interface {
	Verify(ctx context.Context, action, token string) (bool, error)
}

type Metrics interface {
	IncRefresh(result string)
}

type Options struct {
	Store    cache.Store
	Verifier Verifier
	Logger   log.Logger
	Metrics  Metrics
}

type Invalidator struct {
	store    cache.Store
	verifier Verifier
	logger   log.Logger
	metrics  Metrics
}

func New(opts Options) (*Invalidator, error) {
	if opts.Store == nil {
		return nil, xerrors.New("refresh: store is required")
	}
	if opts.Verifier == nil {
		return nil, xerrors.New("refresh: verifier is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	return &Invalidator{
		store:    opts.Store,
		verifier: opts.Verifier,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}, nil
}

// Invalidate deletes key after checking token. It returns ErrForbidden or
// ErrBadRequest for rejected requests; any other error is internal.
// Deleting a key that is not cached succeeds.
func (inv *Invalidator) Invalidate(ctx context.Context, token, key string) error {
	ok, err := inv.verifier.Verify(ctx, Action, token)
	if err != nil {
		inv.observe(ResultError)
		return xerrors.Wrap(err, "verify refresh token")
	}
	if !ok {
		inv.observe(ResultForbidden)
		inv.logger.Warn(ctx, "refresh rejected: bad token")
		return ErrForbidden
	}

	if !InNamespace(key) {
		inv.observe(ResultBadRequest)
		inv.logger.Warn(ctx, "refresh rejected: key outside namespace", "cache_key", key)
		return ErrBadRequest
	}

	if err := inv.store.Delete(ctx, key); err != nil {
		inv.observe(ResultError)
		return xerrors.Wrapf(err, "delete cache key %s", key)
	}

	inv.observe(ResultOK)
	inv.logger.Info(ctx, "cache entry refreshed", "cache_key", key)
	return nil
}

// keyHashLen is the length of the hex SHA-256 digest that follows KeyPrefix.
const keyHashLen = 64

// InNamespace reports whether key is KeyPrefix followed by exactly one
// lowercase hex SHA-256 digest, the only shape the render path produces.
func InNamespace(key string) bool {
	hash, ok := strings.CutPrefix(key, KeyPrefix)
	if !ok || len(hash) != keyHashLen {
		return false
	}
	for i := 0; i < len(hash); i++ {
		c := hash[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func (inv *Invalidator) observe(result string) {
	if inv.metrics != nil {
		inv.metrics.IncRefresh(result)
	}
}
