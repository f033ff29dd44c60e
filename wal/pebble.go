package wal

import (
	"io"
	"os"

	"github.com/cockroachdb/pebble"
	log "github.com/sirupsen/logrus"
)

type pebbleKV struct {
	db *pebble.DB
}

func MakePebbleKV(dataDir string, logger *log.Logger) (KV, error) {
	os.MkdirAll(dataDir, 0755)

	db, err := pebble.Open(dataDir, &pebble.Options{Logger: logger})
	if err != nil {
		return nil, err
	}
	return pebbleKV{
		db: db,
	}, nil
}

func (pkv pebbleKV) Get(key []byte, fn func(val []byte) error) error {
	val, closer, err := pkv.db.Get(key)
	if err != nil {
		if err == pebble.ErrNotFound {
			return io.EOF
		}
		return err
	}
	defer closer.Close()

	return fn(val)
}

func (pkv pebbleKV) Set(key, val []byte) error {
	return pkv.db.Set(key, val, pebble.NoSync)
}

func (pkv pebbleKV) Iterate(fn func(key, val []byte) error) error {
	snap := pkv.db.NewSnapshot()
	defer snap.Close()

	it := snap.NewIter(nil)
	defer it.Close()

	for it.First(); it.Valid(); it.Next() {
		err := fn(it.Key(), it.Value())
		if err != nil {
			return err
		}
	}
	return it.Error()
}

func (pkv pebbleKV) Sync() error {
	// An empty synchronous log record forces the write-ahead log to disk.
	return pkv.db.LogData(nil, pebble.Sync)
}

func (pkv pebbleKV) Close() error {
	return pkv.db.Close()
}
