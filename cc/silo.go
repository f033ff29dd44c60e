package cc

import (
	"sort"

	"github.com/leftmike/lineair/index"
	"github.com/leftmike/lineair/wal"
)

// Silo is optimistic concurrency control with per-record version validation:
// reads run without locks and pin the version they observed; at precommit
// the write set is locked in slot order, the read set is revalidated, and
// the writes are installed under a version stamped with the commit epoch.
type Silo struct {
	refs        Refs
	commitEpoch uint64
	locksHeld   bool
}

func NewSilo(refs Refs) *Silo {
	return &Silo{refs: refs}
}

func (si *Silo) Read(key []byte) *Snapshot {
	sl := si.refs.Index.GetOrCreate(key)
	value, ver := sl.Read()
	return &Snapshot{
		Key:     copyBytes(key),
		Value:   value,
		Version: ver,
		slot:    sl,
	}
}

func (si *Silo) Write(key, value []byte) *Snapshot {
	// Record intent only; the slot is resolved and locked at precommit.
	return &Snapshot{
		Key:   copyBytes(key),
		Value: copyBytes(value),
	}
}

func (si *Silo) Precommit() bool {
	ws := si.lockWriteSet()
	if !si.validateReadSet() {
		si.releaseLocks(ws)
		return false
	}
	si.install(ws, si.newVersion(ws))
	return true
}

func (si *Silo) CommitEpoch() uint64 {
	return si.commitEpoch
}

// lockWriteSet resolves each write to its slot and acquires the slot locks
// in ascending slot id. Every transaction locks in this same total order,
// so no lock cycle is possible.
func (si *Silo) lockWriteSet() WriteSet {
	ws := *si.refs.WriteSet
	for _, w := range ws {
		if w.slot == nil {
			w.slot = si.refs.Index.GetOrCreate(w.Key)
		}
	}
	sort.Slice(ws, func(i, j int) bool {
		return ws[i].slot.ID() < ws[j].slot.ID()
	})
	for _, w := range ws {
		w.slot.Lock()
	}
	si.locksHeld = true

	// The write locks are visible before the reads are revalidated; the
	// commit epoch is read after the locks are acquired.
	si.commitEpoch = si.refs.Handle.Local()
	return ws
}

func (si *Silo) validateReadSet() bool {
	ws := *si.refs.WriteSet
	for _, r := range *si.refs.ReadSet {
		ver, locked := r.slot.Peek()
		if locked && !ws.hasSlot(r.slot) {
			return false
		}
		if ver != r.Version {
			return false
		}
	}
	return true
}

// newVersion computes the transaction's commit version: strictly greater
// than every version it read, the version currently installed on every
// slot it writes, and every version this worker produced before. The floor
// can sit at an epoch above the commit epoch (a slower worker committing
// after a faster one already stamped the next epoch), in which case the
// version is stamped with the floor's epoch.
func (si *Silo) newVersion(ws WriteSet) index.Version {
	floorEpoch, floorSeq := si.refs.Handle.LastSeq()
	raise := func(v index.Version) {
		if v.Epoch > floorEpoch || (v.Epoch == floorEpoch && v.Seq > floorSeq) {
			floorEpoch, floorSeq = v.Epoch, v.Seq
		}
	}
	for _, r := range *si.refs.ReadSet {
		raise(r.Version)
	}
	for _, w := range ws {
		cur, _ := w.slot.Peek()
		raise(cur)
	}

	epoch := si.commitEpoch
	seq := uint32(1)
	if floorEpoch >= epoch {
		epoch = floorEpoch
		seq = floorSeq + 1
	}
	si.refs.Handle.SetSeq(epoch, seq)

	return index.Version{
		Epoch: epoch,
		TID:   si.refs.Handle.TID(),
		Seq:   seq,
	}
}

func (si *Silo) install(ws WriteSet, ver index.Version) {
	for _, w := range ws {
		w.slot.Install(w.Value, ver)
		w.Version = ver
		w.slot.Unlock()
	}
	si.locksHeld = false
}

func (si *Silo) releaseLocks(ws WriteSet) {
	for _, w := range ws {
		w.slot.Unlock()
	}
	si.locksHeld = false
}

func (si *Silo) PostProcessing(st TxStatus) {
	si.postProcessing(st)
}

func (si *Silo) postProcessing(st TxStatus) {
	if st == Committed {
		if si.refs.Log != nil {
			si.refs.Log.Enqueue(si.commitRecords())
		}
		return
	}

	if si.locksHeld {
		si.releaseLocks(*si.refs.WriteSet)
	}
	*si.refs.WriteSet = nil
}

// commitRecords converts the installed writes to log records; writes which
// were never installed (an elided blind write) are not logged.
func (si *Silo) commitRecords() []wal.Record {
	ws := *si.refs.WriteSet
	recs := make([]wal.Record, 0, len(ws))
	for _, w := range ws {
		if w.Version.IsZero() {
			continue
		}
		recs = append(recs, wal.Record{
			Key:   w.Key,
			Value: w.Value,
			Epoch: w.Version.Epoch,
			TID:   w.Version.TID,
			Seq:   w.Version.Seq,
		})
	}
	return recs
}
