// Package db is the embedding surface of lineair: an in-memory key-value
// store running serializable transactions under optimistic concurrency
// control. Procedures submitted to ExecuteTransaction run on a worker pool
// and report Committed or Aborted through a callback.
package db

import (
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/leftmike/lineair/cc"
	"github.com/leftmike/lineair/config"
	"github.com/leftmike/lineair/epoch"
	"github.com/leftmike/lineair/index"
	"github.com/leftmike/lineair/wal"
)

type TxStatus = cc.TxStatus

const (
	Committed = cc.Committed
	Aborted   = cc.Aborted
)

type work struct {
	proc func(*Tx)
	cb   func(TxStatus)
}

type Stats struct {
	Commits      uint64
	Aborts       uint64
	ElidedWrites uint64
}

// DB is an embedded in-memory transactional key-value store. Transaction
// procedures are scheduled onto a pool of workers; each transaction runs on
// one worker from start to final status.
type DB struct {
	cfg    config.Config
	logger *log.Logger
	index  *index.Index
	epochs *epoch.Framework
	wlog   *wal.Log

	queue chan work
	wg    sync.WaitGroup

	mutex       sync.Mutex
	cond        *sync.Cond
	outstanding int
	closed      bool

	commits uint64 // atomic
	aborts  uint64 // atomic
	elided  uint64 // atomic
}

// Open starts a database with the given configuration. A nil logger uses
// the logrus standard logger.
func Open(cfg config.Config, logger *log.Logger) (*DB, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.StandardLogger()
	}

	d := &DB{
		cfg:    cfg,
		logger: logger,
		index:  index.NewIndex(),
		epochs: epoch.NewFramework(cfg.EpochDuration),
		queue:  make(chan work, cfg.MaxThreads*8),
	}
	d.cond = sync.NewCond(&d.mutex)

	if cfg.EnableLogging || cfg.EnableRecovery {
		kv, err := wal.OpenKV(cfg.WALStore, cfg.LogDir, logger)
		if err != nil {
			return nil, err
		}

		if cfg.EnableRecovery {
			err = d.recoverFrom(kv)
			if err != nil {
				kv.Close()
				return nil, err
			}
		}

		if cfg.EnableLogging {
			d.wlog = wal.NewLog(kv, cfg.EpochDuration, logger)
		} else {
			err = kv.Close()
			if err != nil {
				return nil, err
			}
		}
	}

	d.epochs.Start()
	for i := 0; i < cfg.MaxThreads; i += 1 {
		h := d.epochs.Register()
		d.wg.Add(1)
		go d.worker(h)
	}

	logger.WithField("protocol", cfg.Protocol).Info("lineair: database started")
	return d, nil
}

// recoverFrom replays the newest logged version of each key into the index
// and restarts the epoch clock past the highest recovered epoch. It runs
// before any worker starts, so the slots need no locking.
func (d *DB) recoverFrom(kv wal.KV) error {
	var maxEpoch uint64
	var count int
	err := wal.Recover(kv,
		func(rec wal.Record) error {
			sl := d.index.GetOrCreate(rec.Key)
			sl.Lock()
			sl.Install(rec.Value,
				index.Version{Epoch: rec.Epoch, TID: rec.TID, Seq: rec.Seq})
			sl.Unlock()
			if rec.Epoch > maxEpoch {
				maxEpoch = rec.Epoch
			}
			count += 1
			return nil
		})
	if err != nil {
		return err
	}

	if maxEpoch > 0 {
		d.epochs.SetGlobal(maxEpoch + 1)
	}
	if count > 0 {
		d.logger.WithField("keys", count).Info("lineair: recovered")
	}
	return nil
}

func (d *DB) Config() config.Config {
	return d.cfg
}

func (d *DB) Stats() Stats {
	return Stats{
		Commits:      atomic.LoadUint64(&d.commits),
		Aborts:       atomic.LoadUint64(&d.aborts),
		ElidedWrites: atomic.LoadUint64(&d.elided),
	}
}

// ExecuteTransaction schedules proc on a worker. proc may call Read, Write,
// and Abort on its transaction; after proc returns the transaction is
// validated and cb, if not nil, is invoked on the worker with the final
// status. A proc that panics is treated as a user abort.
func (d *DB) ExecuteTransaction(proc func(*Tx), cb func(TxStatus)) {
	d.mutex.Lock()
	if d.closed {
		d.mutex.Unlock()
		d.logger.Warn("lineair: execute transaction on closed database")
		if cb != nil {
			cb(Aborted)
		}
		return
	}
	d.outstanding += 1
	d.mutex.Unlock()

	d.queue <- work{proc: proc, cb: cb}
}

// Fence returns once every transaction submitted before the call has
// reached its final status, its epoch is durable, and the commit log has
// drained.
func (d *DB) Fence() {
	d.mutex.Lock()
	for d.outstanding > 0 {
		d.cond.Wait()
	}
	d.mutex.Unlock()

	d.epochs.WaitForDurable(d.epochs.Global())

	if d.wlog != nil {
		err := d.wlog.Flush()
		if err != nil {
			d.logger.WithField("error", err).Error("lineair: fence flush failed")
		}
	}
}

// Close fences, stops the workers and the epoch clock, and closes the
// commit log. The database may not be used afterward.
func (d *DB) Close() error {
	d.mutex.Lock()
	if d.closed {
		d.mutex.Unlock()
		return nil
	}
	d.closed = true
	for d.outstanding > 0 {
		d.cond.Wait()
	}
	d.mutex.Unlock()

	close(d.queue)
	d.wg.Wait()
	d.epochs.Stop()

	if d.wlog != nil {
		return d.wlog.Close()
	}
	return nil
}

func (d *DB) worker(h *epoch.Handle) {
	defer d.wg.Done()

	for w := range d.queue {
		d.run(h, w)
	}
}

func (d *DB) run(h *epoch.Handle, w work) {
	h.Enter()
	tx := newTx(d, h)
	d.runProc(tx, w.proc)
	committed := tx.precommit()
	h.Leave()

	status := Aborted
	if committed {
		status = Committed
		atomic.AddUint64(&d.commits, 1)
		if snwr, ok := tx.protocol.(*cc.SiloNWR); ok {
			atomic.AddUint64(&d.elided, uint64(snwr.Elided()))
		}
	} else {
		atomic.AddUint64(&d.aborts, 1)
	}

	if w.cb != nil {
		d.runCallback(w.cb, status)
	}

	d.mutex.Lock()
	d.outstanding -= 1
	d.cond.Broadcast()
	d.mutex.Unlock()
}

// runProc runs the user's procedure; a panic is swallowed at the worker
// boundary and converted to a user abort.
func (d *DB) runProc(tx *Tx, proc func(*Tx)) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.WithField("panic", r).Warn("lineair: transaction procedure panicked")
			tx.Abort()
		}
	}()

	proc(tx)
}

func (d *DB) runCallback(cb func(TxStatus), status TxStatus) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.WithField("panic", r).Warn("lineair: transaction callback panicked")
		}
	}()

	cb(status)
}
