package wal

import (
	"io"
	"os"

	"github.com/dgraph-io/badger"
	log "github.com/sirupsen/logrus"
)

type badgerKV struct {
	db *badger.DB
}

func MakeBadgerKV(dataDir string, logger *log.Logger) (KV, error) {
	os.MkdirAll(dataDir, 0755)

	opts := badger.DefaultOptions(dataDir)
	opts = opts.WithBypassLockGuard(true)
	opts = opts.WithLogger(logger)
	opts = opts.WithSyncWrites(true)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return badgerKV{
		db: db,
	}, nil
}

func (bkv badgerKV) Get(key []byte, fn func(val []byte) error) error {
	tx := bkv.db.NewTransaction(false)
	defer tx.Discard()

	item, err := tx.Get(key)
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return io.EOF
		}
		return err
	}
	return item.Value(
		func(val []byte) error {
			return fn(val)
		})
}

func (bkv badgerKV) Set(key, val []byte) error {
	tx := bkv.db.NewTransaction(true)

	err := tx.Set(key, val)
	if err != nil {
		tx.Discard()
		return err
	}
	return tx.Commit()
}

func (bkv badgerKV) Iterate(fn func(key, val []byte) error) error {
	tx := bkv.db.NewTransaction(false)
	defer tx.Discard()

	it := tx.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		err := item.Value(
			func(val []byte) error {
				return fn(item.Key(), val)
			})
		if err != nil {
			return err
		}
	}
	return nil
}

func (bkv badgerKV) Sync() error {
	// Writes are synchronous.
	return nil
}

func (bkv badgerKV) Close() error {
	return bkv.db.Close()
}
