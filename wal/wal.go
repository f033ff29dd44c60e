package wal

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Record is one committed write: the key, the installed value, and the
// version it was installed under. A nil value records a tombstone.
type Record struct {
	Key   []byte
	Value []byte
	Epoch uint64
	TID   uint32
	Seq   uint32
}

// Writer accepts the write set of a committed transaction. Enqueue must not
// block on I/O; records are durable once a following Flush returns.
type Writer interface {
	Enqueue(recs []Record)
}

// KV is the minimal store interface a log backend must provide. Backends
// keep the newest record per key; Iterate visits every key in undefined
// order.
type KV interface {
	Get(key []byte, fn func(val []byte) error) error
	Set(key, val []byte) error
	Iterate(fn func(key, val []byte) error) error
	Sync() error
	Close() error
}

// OpenKV opens the named log store backend rooted at dataDir.
func OpenKV(store, dataDir string, logger *log.Logger) (KV, error) {
	switch store {
	case "bbolt":
		return MakeBBoltKV(dataDir)
	case "badger":
		return MakeBadgerKV(dataDir, logger)
	case "pebble":
		return MakePebbleKV(dataDir, logger)
	case "btree":
		return MakeBTreeKV()
	}
	return nil, fmt.Errorf("wal: unknown store: %s", store)
}

const recordHeaderLen = 17

func encodeRecord(rec Record) []byte {
	buf := make([]byte, recordHeaderLen+len(rec.Value))
	binary.BigEndian.PutUint64(buf, rec.Epoch)
	binary.BigEndian.PutUint32(buf[8:], rec.TID)
	binary.BigEndian.PutUint32(buf[12:], rec.Seq)
	if rec.Value != nil {
		buf[16] = 1
		copy(buf[recordHeaderLen:], rec.Value)
	}
	return buf
}

func decodeRecord(key, val []byte) (Record, error) {
	if len(val) < recordHeaderLen {
		return Record{}, fmt.Errorf("wal: key %v: record too short: %d", key, len(val))
	}
	rec := Record{
		Key:   append(make([]byte, 0, len(key)), key...),
		Epoch: binary.BigEndian.Uint64(val),
		TID:   binary.BigEndian.Uint32(val[8:]),
		Seq:   binary.BigEndian.Uint32(val[12:]),
	}
	if val[16] == 1 {
		rec.Value = append(make([]byte, 0, len(val)-recordHeaderLen), val[recordHeaderLen:]...)
	}
	return rec, nil
}

func newer(a, b Record) bool {
	if a.Epoch != b.Epoch {
		return a.Epoch > b.Epoch
	}
	if a.Seq != b.Seq {
		return a.Seq > b.Seq
	}
	return a.TID > b.TID
}

// Log batches committed write sets and flushes them to a KV backend in the
// background, no later than once per flush interval.
type Log struct {
	kv     KV
	logger *log.Logger

	mutex   sync.Mutex
	pending []Record

	stop chan struct{}
	done chan struct{}
}

func Open(store, dataDir string, interval time.Duration, logger *log.Logger) (*Log, error) {
	kv, err := OpenKV(store, dataDir, logger)
	if err != nil {
		return nil, err
	}
	return NewLog(kv, interval, logger), nil
}

func NewLog(kv KV, interval time.Duration, logger *log.Logger) *Log {
	if logger == nil {
		logger = log.StandardLogger()
	}
	l := &Log{
		kv:     kv,
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go l.run(interval)
	return l
}

func (l *Log) Enqueue(recs []Record) {
	l.mutex.Lock()
	l.pending = append(l.pending, recs...)
	l.mutex.Unlock()
}

// Flush writes every pending record to the backend, keeping only the newest
// version per key, and syncs.
func (l *Log) Flush() error {
	l.mutex.Lock()
	pending := l.pending
	l.pending = nil
	l.mutex.Unlock()

	if len(pending) == 0 {
		return nil
	}

	for _, rec := range pending {
		var cur Record
		var found bool
		err := l.kv.Get(rec.Key,
			func(val []byte) error {
				var err error
				cur, err = decodeRecord(rec.Key, val)
				found = err == nil
				return err
			})
		if err != nil && err != io.EOF {
			return err
		}
		if found && !newer(rec, cur) {
			continue
		}
		err = l.kv.Set(rec.Key, encodeRecord(rec))
		if err != nil {
			return err
		}
	}

	return l.kv.Sync()
}

func (l *Log) run(interval time.Duration) {
	defer close(l.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			err := l.Flush()
			if err != nil {
				l.logger.WithField("error", err).Error("wal: background flush failed")
			}
		}
	}
}

func (l *Log) Close() error {
	close(l.stop)
	<-l.done

	err := l.Flush()
	if err != nil {
		l.kv.Close()
		return err
	}
	return l.kv.Close()
}

// Recover visits the newest logged record for every key.
func Recover(kv KV, fn func(rec Record) error) error {
	return kv.Iterate(
		func(key, val []byte) error {
			rec, err := decodeRecord(key, val)
			if err != nil {
				return err
			}
			return fn(rec)
		})
}
