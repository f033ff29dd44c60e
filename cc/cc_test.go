package cc_test

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/leftmike/lineair/cc"
	"github.com/leftmike/lineair/epoch"
	"github.com/leftmike/lineair/index"
	"github.com/leftmike/lineair/wal"
)

type logCapture struct {
	mutex sync.Mutex
	recs  []wal.Record
}

func (lc *logCapture) Enqueue(recs []wal.Record) {
	lc.mutex.Lock()
	lc.recs = append(lc.recs, recs...)
	lc.mutex.Unlock()
}

type testTx struct {
	rs       cc.ReadSet
	ws       cc.WriteSet
	protocol cc.Protocol
}

func newSilo(idx *index.Index, h *epoch.Handle, log wal.Writer) *testTx {
	tx := &testTx{}
	tx.protocol = cc.NewSilo(cc.Refs{
		Index:    idx,
		Handle:   h,
		Log:      log,
		ReadSet:  &tx.rs,
		WriteSet: &tx.ws,
	})
	return tx
}

func newSiloNWR(idx *index.Index, h *epoch.Handle, log wal.Writer) *testTx {
	tx := &testTx{}
	tx.protocol = cc.NewSiloNWR(cc.Refs{
		Index:    idx,
		Handle:   h,
		Log:      log,
		ReadSet:  &tx.rs,
		WriteSet: &tx.ws,
	})
	return tx
}

func (tx *testTx) read(key string) *cc.Snapshot {
	sp := tx.protocol.Read([]byte(key))
	tx.rs = append(tx.rs, sp)
	return sp
}

func (tx *testTx) write(key, value string) *cc.Snapshot {
	sp := tx.protocol.Write([]byte(key), []byte(value))
	if rsp := tx.rs.Find([]byte(key)); rsp != nil {
		rsp.IsReadModifyWrite = true
		sp.IsReadModifyWrite = true
	}
	tx.ws = append(tx.ws, sp)
	return sp
}

func (tx *testTx) precommit() bool {
	committed := tx.protocol.Precommit()
	if committed {
		tx.protocol.PostProcessing(cc.Committed)
	} else {
		tx.protocol.PostProcessing(cc.Aborted)
	}
	return committed
}

func TestReadAbsent(t *testing.T) {
	idx := index.NewIndex()
	fw := epoch.NewFramework(time.Hour)
	h := fw.Register()
	h.Enter()

	tx := newSilo(idx, h, nil)
	sp := tx.read("alice")
	if sp.Present() {
		t.Error("Read(alice) got a value for a never-written key")
	}
	if !sp.Version.IsZero() {
		t.Errorf("Read(alice) got version %v want zero", sp.Version)
	}
	if !tx.precommit() {
		t.Error("Precommit() of a read-only transaction failed")
	}
}

func TestEmptyPrecommit(t *testing.T) {
	idx := index.NewIndex()
	fw := epoch.NewFramework(time.Hour)
	h := fw.Register()
	h.Enter()

	if !newSilo(idx, h, nil).precommit() {
		t.Error("silo: Precommit() of an empty transaction failed")
	}
	if !newSiloNWR(idx, h, nil).precommit() {
		t.Error("silonwr: Precommit() of an empty transaction failed")
	}
}

func TestCommitInstalls(t *testing.T) {
	idx := index.NewIndex()
	fw := epoch.NewFramework(time.Hour)
	h := fw.Register()
	e := h.Enter()

	tx := newSilo(idx, h, nil)
	tx.write("alice", "hello")
	if !tx.precommit() {
		t.Fatal("Precommit() failed")
	}

	sl, ok := idx.Get([]byte("alice"))
	if !ok {
		t.Fatal("commit did not create the slot")
	}
	value, ver := sl.Read()
	if !bytes.Equal(value, []byte("hello")) {
		t.Errorf("slot value got %q want hello", value)
	}
	if ver.Epoch != e {
		t.Errorf("installed epoch got %d want %d", ver.Epoch, e)
	}
	if ver.TID != h.TID() {
		t.Errorf("installed tid got %d want %d", ver.TID, h.TID())
	}
	if ver.Seq == 0 {
		t.Error("installed seq got 0")
	}
	if _, locked := sl.Peek(); locked {
		t.Error("slot still locked after commit")
	}
}

func TestVersionsAdvancePerCommit(t *testing.T) {
	idx := index.NewIndex()
	fw := epoch.NewFramework(time.Hour)
	h := fw.Register()
	h.Enter()

	var last index.Version
	for i := 0; i < 5; i += 1 {
		tx := newSilo(idx, h, nil)
		tx.write("alice", "value")
		if !tx.precommit() {
			t.Fatal("Precommit() failed")
		}

		sl, _ := idx.Get([]byte("alice"))
		_, ver := sl.Read()
		if !last.Less(ver) {
			t.Fatalf("version %v did not advance past %v", ver, last)
		}
		last = ver
	}
}

func TestInstallAboveNewerEpoch(t *testing.T) {
	idx := index.NewIndex()
	fw := epoch.NewFramework(time.Hour)
	h1 := fw.Register()
	h2 := fw.Register()

	// h1 is pinned at an older local epoch while h2 commits at the next
	// one; h1's blind write must still install a strictly greater version.
	h1.Enter()
	fw.SetGlobal(2)
	h2.Enter()

	t2 := newSilo(idx, h2, nil)
	t2.write("alice", "newer")
	if !t2.precommit() {
		t.Fatal("t2 Precommit() failed")
	}

	sl, _ := idx.Get([]byte("alice"))
	_, before := sl.Read()
	if before.Epoch != 2 {
		t.Fatalf("setup version got epoch %d want 2", before.Epoch)
	}

	t1 := newSilo(idx, h1, nil)
	t1.write("alice", "older-worker")
	if !t1.precommit() {
		t.Fatal("t1 Precommit() failed")
	}

	value, after := sl.Read()
	if !bytes.Equal(value, []byte("older-worker")) {
		t.Errorf("slot value got %q want older-worker", value)
	}
	if !before.Less(after) {
		t.Errorf("installed version %v is not greater than %v", after, before)
	}
}

func TestValidationAbort(t *testing.T) {
	idx := index.NewIndex()
	fw := epoch.NewFramework(time.Hour)
	h1 := fw.Register()
	h2 := fw.Register()
	h1.Enter()
	h2.Enter()

	// t1 pins alice, then t2 commits a write to alice.
	t1 := newSilo(idx, h1, nil)
	t1.read("alice")

	t2 := newSilo(idx, h2, nil)
	t2.write("alice", "changed")
	if !t2.precommit() {
		t.Fatal("t2 Precommit() failed")
	}

	if t1.precommit() {
		t.Error("t1 Precommit() succeeded with a stale read")
	}
}

func TestValidationAbortOnLockedSlot(t *testing.T) {
	idx := index.NewIndex()
	fw := epoch.NewFramework(time.Hour)
	h := fw.Register()
	h.Enter()

	tx := newSilo(idx, h, nil)
	tx.read("alice")

	// Another transaction is holding the slot.
	sl := idx.GetOrCreate([]byte("alice"))
	sl.Lock()
	if tx.precommit() {
		t.Error("Precommit() succeeded with a read-set slot locked by another transaction")
	}
	sl.Unlock()
}

func TestReadModifyWriteCommits(t *testing.T) {
	idx := index.NewIndex()
	fw := epoch.NewFramework(time.Hour)
	h := fw.Register()
	h.Enter()

	t1 := newSilo(idx, h, nil)
	t1.write("alice", "one")
	if !t1.precommit() {
		t.Fatal("t1 Precommit() failed")
	}

	// A transaction may lock a slot it also read.
	t2 := newSilo(idx, h, nil)
	sp := t2.read("alice")
	if !bytes.Equal(sp.Value, []byte("one")) {
		t.Fatalf("read got %q want one", sp.Value)
	}
	wsp := t2.write("alice", "two")
	if !wsp.IsReadModifyWrite {
		t.Error("write after read is not flagged read-modify-write")
	}
	if !t2.precommit() {
		t.Fatal("t2 Precommit() failed")
	}

	sl, _ := idx.Get([]byte("alice"))
	value, _ := sl.Read()
	if !bytes.Equal(value, []byte("two")) {
		t.Errorf("slot value got %q want two", value)
	}
}

func TestCommitLog(t *testing.T) {
	idx := index.NewIndex()
	fw := epoch.NewFramework(time.Hour)
	h := fw.Register()
	e := h.Enter()

	lc := logCapture{}
	tx := newSilo(idx, h, &lc)
	tx.write("alice", "hello")
	tx.write("bob", "world")
	if !tx.precommit() {
		t.Fatal("Precommit() failed")
	}

	if len(lc.recs) != 2 {
		t.Fatalf("logged %d records want 2", len(lc.recs))
	}
	for _, rec := range lc.recs {
		if rec.Epoch != e {
			t.Errorf("logged epoch got %d want %d", rec.Epoch, e)
		}
	}
}

func TestNWRElidesBlindWrite(t *testing.T) {
	idx := index.NewIndex()
	fw := epoch.NewFramework(time.Hour)
	h1 := fw.Register()
	h2 := fw.Register()
	h1.Enter()
	h2.Enter()

	// Two commits on h2 leave alice at seq 2; h1's sequence counter is
	// still behind, so its blind write is not visible in any serial order.
	for _, value := range []string{"one", "two"} {
		tx := newSiloNWR(idx, h2, nil)
		tx.write("alice", value)
		if !tx.precommit() {
			t.Fatal("setup Precommit() failed")
		}
	}

	sl, _ := idx.Get([]byte("alice"))
	_, before := sl.Read()

	lc := logCapture{}
	tx := newSiloNWR(idx, h1, &lc)
	tx.write("alice", "elided")
	if !tx.precommit() {
		t.Fatal("Precommit() failed")
	}

	snwr := tx.protocol.(*cc.SiloNWR)
	if snwr.Elided() != 1 {
		t.Fatalf("Elided() got %d want 1", snwr.Elided())
	}

	value, after := sl.Read()
	if !bytes.Equal(value, []byte("two")) {
		t.Errorf("slot value got %q want two", value)
	}
	if after != before {
		t.Errorf("elided write changed the version: %v -> %v", before, after)
	}
	if _, locked := sl.Peek(); locked {
		t.Error("slot still locked after elided commit")
	}
	if len(lc.recs) != 0 {
		t.Errorf("elided write was logged: %d records", len(lc.recs))
	}
}

func TestNWRNeverElidesRMW(t *testing.T) {
	idx := index.NewIndex()
	fw := epoch.NewFramework(time.Hour)
	h1 := fw.Register()
	h2 := fw.Register()
	h1.Enter()
	h2.Enter()

	for _, value := range []string{"one", "two"} {
		tx := newSiloNWR(idx, h2, nil)
		tx.write("alice", value)
		if !tx.precommit() {
			t.Fatal("setup Precommit() failed")
		}
	}

	tx := newSiloNWR(idx, h1, nil)
	tx.read("alice")
	tx.write("alice", "three")
	if !tx.precommit() {
		t.Fatal("Precommit() failed")
	}

	snwr := tx.protocol.(*cc.SiloNWR)
	if snwr.Elided() != 0 {
		t.Fatalf("Elided() got %d want 0 for a read-modify-write", snwr.Elided())
	}

	sl, _ := idx.Get([]byte("alice"))
	value, _ := sl.Read()
	if !bytes.Equal(value, []byte("three")) {
		t.Errorf("slot value got %q want three", value)
	}
}

func TestNWRNoElisionAcrossWriters(t *testing.T) {
	idx := index.NewIndex()
	fw := epoch.NewFramework(time.Hour)
	h1 := fw.Register()
	h2 := fw.Register()
	h1.Enter()
	h2.Enter()

	// alice has a newer version but bob does not; the writes cannot all be
	// ordered before a single overwriter, so nothing is elided.
	setup := newSiloNWR(idx, h2, nil)
	setup.write("alice", "one")
	if !setup.precommit() {
		t.Fatal("setup Precommit() failed")
	}
	setup = newSiloNWR(idx, h2, nil)
	setup.write("alice", "two")
	if !setup.precommit() {
		t.Fatal("setup Precommit() failed")
	}

	tx := newSiloNWR(idx, h1, nil)
	tx.write("alice", "mine")
	tx.write("bob", "mine")
	if !tx.precommit() {
		t.Fatal("Precommit() failed")
	}

	snwr := tx.protocol.(*cc.SiloNWR)
	if snwr.Elided() != 0 {
		t.Fatalf("Elided() got %d want 0", snwr.Elided())
	}

	for _, key := range []string{"alice", "bob"} {
		sl, _ := idx.Get([]byte(key))
		value, _ := sl.Read()
		if !bytes.Equal(value, []byte("mine")) {
			t.Errorf("slot %s got %q want mine", key, value)
		}
	}
}

func TestLockOrdering(t *testing.T) {
	idx := index.NewIndex()
	fw := epoch.NewFramework(time.Hour)
	h1 := fw.Register()
	h2 := fw.Register()
	h1.Enter()
	h2.Enter()

	// Two transactions writing the same keys in opposite program order must
	// not deadlock; locks are acquired in slot order, not program order.
	done := make(chan struct{})
	go func() {
		defer close(done)

		var wg sync.WaitGroup
		for i := 0; i < 100; i += 1 {
			wg.Add(2)
			go func() {
				defer wg.Done()
				tx := newSilo(idx, h1, nil)
				tx.write("alice", "a")
				tx.write("bob", "b")
				tx.precommit()
			}()
			go func() {
				defer wg.Done()
				tx := newSilo(idx, h2, nil)
				tx.write("bob", "b")
				tx.write("alice", "a")
				tx.precommit()
			}()
			wg.Wait()
		}
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("lock ordering deadlocked")
	}
}

func TestSnapshotSets(t *testing.T) {
	rs := cc.ReadSet{
		{Key: []byte("alice"), Value: []byte("a")},
		{Key: []byte("bob"), Value: []byte("b")},
	}
	if sp := rs.Find([]byte("alice")); sp == nil || !bytes.Equal(sp.Value, []byte("a")) {
		t.Error("ReadSet.Find(alice) failed")
	}
	if sp := rs.Find([]byte("carol")); sp != nil {
		t.Error("ReadSet.Find(carol) found a missing key")
	}

	ws := cc.WriteSet{{Key: []byte("alice"), Value: []byte("a")}}
	sp := ws.Find([]byte("alice"))
	if sp == nil {
		t.Fatal("WriteSet.Find(alice) failed")
	}
	sp.Reset([]byte("changed"))
	if !bytes.Equal(ws[0].Value, []byte("changed")) {
		t.Error("Reset did not update the snapshot in place")
	}
	sp.Reset(nil)
	if ws[0].Present() {
		t.Error("Reset(nil) left the snapshot present")
	}
}
