package db

import (
	"github.com/leftmike/lineair/cc"
	"github.com/leftmike/lineair/config"
	"github.com/leftmike/lineair/epoch"
	"github.com/leftmike/lineair/wal"
)

// Tx is one transaction, bound to a single worker; it owns the read and
// write sets and deduplicates accesses against them before handing a key to
// the protocol.
type Tx struct {
	userAborted bool
	readSet     cc.ReadSet
	writeSet    cc.WriteSet
	protocol    cc.Protocol
}

func newTx(d *DB, h *epoch.Handle) *Tx {
	tx := &Tx{}

	var w wal.Writer
	if d.wlog != nil {
		w = d.wlog
	}
	refs := cc.Refs{
		Index:    d.index,
		Handle:   h,
		Log:      w,
		ReadSet:  &tx.readSet,
		WriteSet: &tx.writeSet,
	}

	switch d.cfg.Protocol {
	case config.Silo:
		tx.protocol = cc.NewSilo(refs)
	default:
		tx.protocol = cc.NewSiloNWR(refs)
	}
	return tx
}

// Read returns the value of key, or absent. A key this transaction wrote
// reads back its buffered value; a key it already read returns the pinned
// copy, so reads are repeatable.
func (tx *Tx) Read(key []byte) ([]byte, bool) {
	if tx.userAborted {
		return nil, false
	}

	if sp := tx.writeSet.Find(key); sp != nil {
		return sp.Value, sp.Present()
	}
	if sp := tx.readSet.Find(key); sp != nil {
		return sp.Value, sp.Present()
	}

	sp := tx.protocol.Read(key)
	tx.readSet = append(tx.readSet, sp)
	return sp.Value, sp.Present()
}

// Write buffers value for key; nothing is visible to other transactions
// until the transaction commits. Writing a key this transaction already
// read marks the access read-modify-write.
func (tx *Tx) Write(key, value []byte) {
	if tx.userAborted {
		return
	}

	isRMW := false
	if sp := tx.readSet.Find(key); sp != nil {
		isRMW = true
		sp.IsReadModifyWrite = true
	}

	if sp := tx.writeSet.Find(key); sp != nil {
		sp.Reset(value)
		if isRMW {
			sp.IsReadModifyWrite = true
		}
		return
	}

	sp := tx.protocol.Write(key, value)
	if isRMW {
		sp.IsReadModifyWrite = true
	}
	tx.writeSet = append(tx.writeSet, sp)
}

// Abort marks the transaction terminally aborted; all further Read and
// Write calls are no-ops and the final status will be Aborted.
func (tx *Tx) Abort() {
	tx.userAborted = true
}

func (tx *Tx) precommit() bool {
	if tx.userAborted {
		tx.protocol.PostProcessing(cc.Aborted)
		return false
	}

	committed := tx.protocol.Precommit()
	if committed {
		tx.protocol.PostProcessing(cc.Committed)
	} else {
		tx.protocol.PostProcessing(cc.Aborted)
	}
	return committed
}
