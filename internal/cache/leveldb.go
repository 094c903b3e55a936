package cache

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/keithlinneman/mdembed/internal/log"
	"github.com/keithlinneman/mdembed/internal/xerrors"
)

const (
	entryPrefix = "e:"

	DefaultSweepInterval = 5 * time.Minute
)

type diskEntry struct {
	Value     string
	ExpiresAt int64 // unix nanoseconds
}

// LevelDBStore persists fragments on local disk so a restart does not empty
// the cache. Expired entries are hidden on read and removed by Sweep.
type LevelDBStore struct {
	db     *leveldb.DB
	logger log.Logger
	now    func() time.Time

	// OnSweep, if set, is called by Run with the number of entries removed.
	OnSweep func(n int)
}

func OpenLevelDB(path string, logger log.Logger) (*LevelDBStore, error) {
	if logger == nil {
		logger = log.Nop()
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, xerrors.Wrapf(err, "open leveldb cache at %s", path)
	}
	return &LevelDBStore{db: db, logger: logger, now: time.Now}, nil
}

func (s *LevelDBStore) Close() error {
	return s.db.Close()
}

func (s *LevelDBStore) Get(_ context.Context, key string) (string, bool, error) {
	b, err := s.db.Get([]byte(entryPrefix+key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, xerrors.Wrap(err, "leveldb get")
	}

	ent, err := decodeEntry(b)
	if err != nil {
		return "", false, err
	}
	if s.now().UnixNano() >= ent.ExpiresAt {
		return "", false, nil
	}
	return ent.Value, true, nil
}

func (s *LevelDBStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	if err := checkTTL(ttl); err != nil {
		return err
	}
	b, err := encodeEntry(diskEntry{Value: value, ExpiresAt: s.now().Add(ttl).UnixNano()})
	if err != nil {
		return err
	}
	if err := s.db.Put([]byte(entryPrefix+key), b, nil); err != nil {
		return xerrors.Wrap(err, "leveldb put")
	}
	return nil
}

func (s *LevelDBStore) Delete(_ context.Context, key string) error {
	// leveldb does not report missing keys on delete
	if err := s.db.Delete([]byte(entryPrefix+key), nil); err != nil {
		return xerrors.Wrap(err, "leveldb delete")
	}
	return nil
}

// Sweep deletes every expired or undecodable entry and returns how many it removed.
func (s *LevelDBStore) Sweep(ctx context.Context) (int, error) {
	now := s.now().UnixNano()

	it := s.db.NewIterator(util.BytesPrefix([]byte(entryPrefix)), nil)
	defer it.Release()

	batch := new(leveldb.Batch)
	for it.Next() {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		ent, err := decodeEntry(it.Value())
		if err != nil || now >= ent.ExpiresAt {
			batch.Delete(append([]byte(nil), it.Key()...))
		}
	}
	if err := it.Error(); err != nil {
		return 0, xerrors.Wrap(err, "leveldb iterate")
	}
	if batch.Len() == 0 {
		return 0, nil
	}
	if err := s.db.Write(batch, nil); err != nil {
		return 0, xerrors.Wrap(err, "leveldb sweep")
	}
	return batch.Len(), nil
}

// Run sweeps on every interval until ctx is cancelled.
// Intended to be launched as: go store.Run(ctx, interval)
func (s *LevelDBStore) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := s.Sweep(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.logger.Error(ctx, err, "leveldb cache sweep failed")
				continue
			}
			if n > 0 {
				s.logger.Debug(ctx, "leveldb cache swept", "removed", n)
				if s.OnSweep != nil {
					s.OnSweep(n)
				}
			}
		}
	}
}

func encodeEntry(e diskEntry) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(e); err != nil {
		return nil, xerrors.Wrap(err, "encode cache entry")
	}
	return buf.Bytes(), nil
}

func decodeEntry(b []byte) (diskEntry, error) {
	var e diskEntry
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&e); err != nil {
		return diskEntry{}, xerrors.Wrap(err, "decode cache entry")
	}
	return e, nil
}
