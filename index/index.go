package index

import (
	"bytes"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/google/btree"
)

// Version orders every installed value. Epochs dominate; within an epoch the
// per-epoch sequence number orders commits and the worker id breaks ties
// between concurrent committers that drew the same sequence number.
type Version struct {
	Epoch uint64
	TID   uint32
	Seq   uint32
}

func (v Version) Less(o Version) bool {
	if v.Epoch != o.Epoch {
		return v.Epoch < o.Epoch
	}
	if v.Seq != o.Seq {
		return v.Seq < o.Seq
	}
	return v.TID < o.TID
}

func (v Version) IsZero() bool {
	return v == Version{}
}

// state is the payload of a slot; it is immutable once published so a single
// load observes a value and its version together.
type state struct {
	value   []byte // nil means the key is absent (never written, or deleted)
	version Version
}

// Slot is one record in the point index. Its identity is stable for the
// lifetime of the database; the id gives the total order used to acquire
// locks at precommit.
//
// word is the slot's concurrency word: the low bit is the lock and the
// remaining bits count lock acquisitions. An unchanged, even word around a
// state load brackets an interval with no install, which is what lets
// readers and validators take a consistent (value, version, locked)
// snapshot.
type Slot struct {
	id    uint64
	key   []byte
	word  uint64       // atomic
	state atomic.Value // *state
}

func (sl *Slot) ID() uint64 {
	return sl.id
}

func (sl *Slot) Key() []byte {
	return sl.key
}

// Read spins while a writer holds the slot and returns a copy of the value
// with the version it was installed under. The concurrency word is read on
// both sides of the load; a changed word means a lock was taken in between
// and the snapshot is retried.
func (sl *Slot) Read() ([]byte, Version) {
	for {
		w := atomic.LoadUint64(&sl.word)
		if w&1 != 0 {
			runtime.Gosched()
			continue
		}
		st := sl.state.Load().(*state)
		if atomic.LoadUint64(&sl.word) != w {
			continue
		}
		return copyValue(st.value), st.version
	}
}

// Peek returns a consistent snapshot of the current version and lock bit
// without copying the value. When the slot is reported unlocked, the
// version is the one current for the whole observation; when it is
// reported locked, the version is only meaningful to the lock holder.
func (sl *Slot) Peek() (Version, bool) {
	for {
		w := atomic.LoadUint64(&sl.word)
		st := sl.state.Load().(*state)
		if w&1 != 0 {
			return st.version, true
		}
		if atomic.LoadUint64(&sl.word) == w {
			return st.version, false
		}
	}
}

func (sl *Slot) TryLock() bool {
	w := atomic.LoadUint64(&sl.word)
	if w&1 != 0 {
		return false
	}
	return atomic.CompareAndSwapUint64(&sl.word, w, w+1)
}

func (sl *Slot) Lock() {
	for !sl.TryLock() {
		runtime.Gosched()
	}
}

func (sl *Slot) Unlock() {
	atomic.AddUint64(&sl.word, 1)
}

// Install publishes a new value and version; the caller must hold the lock.
// The new state is visible to readers before the lock is released.
func (sl *Slot) Install(value []byte, ver Version) {
	sl.state.Store(&state{
		value:   copyValue(value),
		version: ver,
	})
}

func copyValue(value []byte) []byte {
	if value == nil {
		return nil
	}
	return append(make([]byte, 0, len(value)), value...)
}

type slotItem struct {
	slot *Slot
}

func (it slotItem) Less(item btree.Item) bool {
	return bytes.Compare(it.slot.key, item.(slotItem).slot.key) < 0
}

// Index is the concurrent key to slot mapping. Slots are created lazily and
// never removed; a deleted key keeps its slot with an absent value.
type Index struct {
	mutex  sync.RWMutex
	tree   *btree.BTree
	lastID uint64
}

func NewIndex() *Index {
	return &Index{
		tree: btree.New(16),
	}
}

func (idx *Index) Get(key []byte) (*Slot, bool) {
	idx.mutex.RLock()
	item := idx.tree.Get(slotItem{slot: &Slot{key: key}})
	idx.mutex.RUnlock()

	if item == nil {
		return nil, false
	}
	return item.(slotItem).slot, true
}

// GetOrCreate returns the slot for key, creating it if necessary. Concurrent
// creators converge on a single slot.
func (idx *Index) GetOrCreate(key []byte) *Slot {
	if sl, ok := idx.Get(key); ok {
		return sl
	}

	idx.mutex.Lock()
	defer idx.mutex.Unlock()

	item := idx.tree.Get(slotItem{slot: &Slot{key: key}})
	if item != nil {
		return item.(slotItem).slot
	}

	idx.lastID += 1
	sl := &Slot{
		id:  idx.lastID,
		key: append(make([]byte, 0, len(key)), key...),
	}
	sl.state.Store(&state{})
	idx.tree.ReplaceOrInsert(slotItem{slot: sl})
	return sl
}

func (idx *Index) Len() int {
	idx.mutex.RLock()
	defer idx.mutex.RUnlock()
	return idx.tree.Len()
}
