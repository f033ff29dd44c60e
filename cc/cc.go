package cc

import (
	"bytes"

	"github.com/leftmike/lineair/epoch"
	"github.com/leftmike/lineair/index"
	"github.com/leftmike/lineair/wal"
)

type TxStatus int

const (
	Committed TxStatus = iota
	Aborted
)

func (st TxStatus) String() string {
	switch st {
	case Committed:
		return "committed"
	case Aborted:
		return "aborted"
	}
	return "unknown"
}

// Snapshot records one key access: a copy of the bytes observed or buffered,
// and for reads, the version the copy was pinned at. A nil Value means the
// key is absent.
type Snapshot struct {
	Key               []byte
	Value             []byte
	Version           index.Version
	IsReadModifyWrite bool

	slot *index.Slot
}

func (sp *Snapshot) Present() bool {
	return sp.Value != nil
}

// Reset replaces the buffered bytes in place; the snapshot keeps its
// position in the write set.
func (sp *Snapshot) Reset(value []byte) {
	sp.Value = copyBytes(value)
}

func (sp *Snapshot) Slot() *index.Slot {
	return sp.slot
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append(make([]byte, 0, len(b)), b...)
}

// ReadSet and WriteSet are kept in first-access order and hold at most one
// snapshot per key; transactions are small so lookups are linear scans.
type ReadSet []*Snapshot

func (rs ReadSet) Find(key []byte) *Snapshot {
	for _, sp := range rs {
		if bytes.Equal(sp.Key, key) {
			return sp
		}
	}
	return nil
}

type WriteSet []*Snapshot

func (ws WriteSet) Find(key []byte) *Snapshot {
	for _, sp := range ws {
		if bytes.Equal(sp.Key, key) {
			return sp
		}
	}
	return nil
}

func (ws WriteSet) hasSlot(sl *index.Slot) bool {
	for _, sp := range ws {
		if sp.slot == sl {
			return true
		}
	}
	return false
}

// Protocol is the concurrency control algorithm run by one transaction.
// Read and Write are called while the transaction executes; Precommit
// validates it against concurrent work and installs its writes; and
// PostProcessing runs exactly once with the final status.
type Protocol interface {
	Read(key []byte) *Snapshot
	Write(key, value []byte) *Snapshot
	Precommit() bool
	PostProcessing(st TxStatus)

	// CommitEpoch is the epoch the transaction committed at; it is only
	// meaningful after a successful Precommit.
	CommitEpoch() uint64
}

// Refs is what a protocol instance needs from its transaction and database:
// the shared point index, the worker's epoch handle, the transaction's own
// read and write sets, and the commit log (nil when logging is disabled).
type Refs struct {
	Index    *index.Index
	Handle   *epoch.Handle
	Log      wal.Writer
	ReadSet  *ReadSet
	WriteSet *WriteSet
}
