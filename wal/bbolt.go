package wal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.etcd.io/bbolt"
)

var (
	lineairBucket = []byte{'l', 'i', 'n', 'e', 'a', 'i', 'r'}
)

type bboltKV struct {
	db *bbolt.DB
}

func MakeBBoltKV(dataDir string) (KV, error) {
	os.MkdirAll(dataDir, 0755)

	db, err := bbolt.Open(filepath.Join(dataDir, "lineair.bbolt"), 0644, nil)
	if err != nil {
		return nil, err
	}
	// The flusher syncs explicitly after each batch.
	db.NoSync = true

	tx, err := db.Begin(true)
	if err != nil {
		return nil, err
	}
	if tx.Bucket(lineairBucket) == nil {
		_, err = tx.CreateBucket(lineairBucket)
		if err != nil {
			tx.Rollback()
			return nil, err
		}
		err = tx.Commit()
		if err != nil {
			return nil, err
		}
	} else {
		tx.Rollback()
	}

	return bboltKV{
		db: db,
	}, nil
}

func (bkv bboltKV) begin(writable bool) (*bbolt.Tx, *bbolt.Bucket, error) {
	tx, err := bkv.db.Begin(writable)
	if err != nil {
		return nil, nil, fmt.Errorf("bbolt: begin failed: %s", err)
	}
	bkt := tx.Bucket(lineairBucket)
	if bkt == nil {
		tx.Rollback()
		return nil, nil, errors.New("bbolt: missing lineair bucket")
	}
	return tx, bkt, nil
}

func (bkv bboltKV) Get(key []byte, fn func(val []byte) error) error {
	tx, bkt, err := bkv.begin(false)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	val := bkt.Get(key)
	if val == nil {
		return io.EOF
	}
	return fn(val)
}

func (bkv bboltKV) Set(key, val []byte) error {
	tx, bkt, err := bkv.begin(true)
	if err != nil {
		return err
	}

	err = bkt.Put(key, val)
	if err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (bkv bboltKV) Iterate(fn func(key, val []byte) error) error {
	tx, bkt, err := bkv.begin(false)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	return bkt.ForEach(fn)
}

func (bkv bboltKV) Sync() error {
	return bkv.db.Sync()
}

func (bkv bboltKV) Close() error {
	return bkv.db.Close()
}
