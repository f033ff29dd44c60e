package wal

import (
	"bytes"
	"io"
	"sync"

	"github.com/google/btree"
)

// btreeKV is a volatile log store; it keeps the commit log in memory and is
// used by tests and by configurations that want logging semantics without
// durability.
type btreeKV struct {
	mutex sync.Mutex
	tree  *btree.BTree
}

type btreeItem struct {
	key []byte
	val []byte
}

func (bi btreeItem) Less(item btree.Item) bool {
	return bytes.Compare(bi.key, item.(btreeItem).key) < 0
}

func MakeBTreeKV() (KV, error) {
	return &btreeKV{
		tree: btree.New(16),
	}, nil
}

func (bkv *btreeKV) Get(key []byte, fn func(val []byte) error) error {
	bkv.mutex.Lock()
	item := bkv.tree.Get(btreeItem{key: key})
	bkv.mutex.Unlock()

	if item == nil {
		return io.EOF
	}
	return fn(item.(btreeItem).val)
}

func (bkv *btreeKV) Set(key, val []byte) error {
	bkv.mutex.Lock()
	defer bkv.mutex.Unlock()

	bkv.tree.ReplaceOrInsert(btreeItem{
		key: append(make([]byte, 0, len(key)), key...),
		val: append(make([]byte, 0, len(val)), val...),
	})
	return nil
}

func (bkv *btreeKV) Iterate(fn func(key, val []byte) error) error {
	bkv.mutex.Lock()
	items := make([]btreeItem, 0, bkv.tree.Len())
	bkv.tree.Ascend(
		func(item btree.Item) bool {
			items = append(items, item.(btreeItem))
			return true
		})
	bkv.mutex.Unlock()

	for _, bi := range items {
		err := fn(bi.key, bi.val)
		if err != nil {
			return err
		}
	}
	return nil
}

func (bkv *btreeKV) Sync() error {
	return nil
}

func (bkv *btreeKV) Close() error {
	return nil
}
