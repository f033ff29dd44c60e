package cc

import (
	"github.com/leftmike/lineair/index"
)

// SiloNWR is Silo with non-visible write reduction: a committing transaction
// whose writes are all blind may skip installing them when every target slot
// already carries a newer version produced by one concurrent transaction.
// The elided writes are equivalent to versions that commit immediately
// before that transaction's and are overwritten before any reader can pin
// them, so no committed read ever observes an elided value.
//
// The elision test is deliberately narrow:
//
//   - the read set must be empty (a read-modify-write is never elided, and
//     a transaction with reads has already been serialized after the
//     transactions whose writes it observed);
//   - every write-set slot must carry the same newer version, so the whole
//     transaction can be ordered immediately before that single overwriter.
//
// Anything else falls back to a plain Silo install.
type SiloNWR struct {
	silo   Silo
	elided int
}

func NewSiloNWR(refs Refs) *SiloNWR {
	return &SiloNWR{silo: Silo{refs: refs}}
}

func (snwr *SiloNWR) Read(key []byte) *Snapshot {
	return snwr.silo.Read(key)
}

func (snwr *SiloNWR) Write(key, value []byte) *Snapshot {
	return snwr.silo.Write(key, value)
}

func (snwr *SiloNWR) CommitEpoch() uint64 {
	return snwr.silo.commitEpoch
}

func (snwr *SiloNWR) Precommit() bool {
	si := &snwr.silo

	ws := si.lockWriteSet()
	if !si.validateReadSet() {
		si.releaseLocks(ws)
		return false
	}

	if snwr.elide(ws) {
		si.releaseLocks(ws)
		snwr.elided = len(ws)
		return true
	}

	si.install(ws, si.newVersion(ws))
	return true
}

// elide reports whether every write can be skipped. The candidate version is
// the one the transaction would install; if a single concurrent transaction
// has already installed a newer version on every target slot, this
// transaction serializes immediately before it and its writes are never
// visible. The worker's sequence counter is not advanced for an elided
// commit.
func (snwr *SiloNWR) elide(ws WriteSet) bool {
	si := &snwr.silo

	if len(ws) == 0 || len(*si.refs.ReadSet) != 0 {
		return false
	}
	for _, w := range ws {
		if w.IsReadModifyWrite {
			return false
		}
	}

	// The candidate is the version the transaction would install before any
	// raise past the slots' current versions.
	lastEpoch, lastSeq := si.refs.Handle.LastSeq()
	candidate := index.Version{
		Epoch: si.commitEpoch,
		TID:   si.refs.Handle.TID(),
		Seq:   1,
	}
	if lastEpoch >= candidate.Epoch {
		candidate.Epoch = lastEpoch
		candidate.Seq = lastSeq + 1
	}

	var pivot index.Version
	for i, w := range ws {
		cur, _ := w.slot.Peek()
		if !candidate.Less(cur) {
			return false
		}
		if i == 0 {
			pivot = cur
		} else if cur != pivot {
			return false
		}
	}
	return true
}

// Elided is the number of writes skipped by the last successful precommit.
func (snwr *SiloNWR) Elided() int {
	return snwr.elided
}

func (snwr *SiloNWR) PostProcessing(st TxStatus) {
	snwr.silo.postProcessing(st)
}
