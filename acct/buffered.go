// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package acct

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-msgpack/v2/codec"
	"go.etcd.io/bbolt"

	"github.com/hashicorp/quarry/quarry/structs"
)

// Spool record operations.
const (
	opJobStart     = "job_start"
	opJobSuspend   = "job_suspend"
	opJobEnd       = "job_end"
	opStepStart    = "step_start"
	opStepComplete = "step_complete"
	opNodeEvent    = "node_event"
	opReservation  = "reservation"
	opCapacity     = "capacity"
	opHourly       = "rollup_hourly"
	opDaily        = "rollup_daily"
	opMonthly      = "rollup_monthly"
)

var spoolBucket = []byte("spool")

// envelope is the durable form of one spooled operation.
type envelope struct {
	Op   string
	Data []byte
}

type capacityRecord struct {
	Cluster string
	CPUs    uint32
	T       time.Time
}

type rollupRecord struct {
	Start time.Time
}

// BufferedStore spools every accounting write to a local bbolt file and
// replays it to the backend in order. Backend failures back off
// exponentially and never drop a record; ordering is preserved because a
// record is only deleted after the backend accepts it.
type BufferedStore struct {
	logger  hclog.Logger
	backend Store
	db      *bbolt.DB

	notifyCh chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}

	// backoff bounds for backend retries.
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

// NewBufferedStore opens (or creates) the spool at path and starts the
// replay worker.
func NewBufferedStore(logger hclog.Logger, backend Store, path string) (*BufferedStore, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("accounting spool: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(spoolBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("accounting spool: %w", err)
	}
	b := &BufferedStore{
		logger:      logger.Named("acct.spool"),
		backend:     backend,
		db:          db,
		notifyCh:    make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		baseBackoff: time.Second,
		maxBackoff:  5 * time.Minute,
	}
	go b.run()
	// Kick the worker in case a previous process left records behind.
	b.notify()
	return b, nil
}

// Close stops the replay worker and closes the spool. Unreplayed records
// stay on disk for the next start.
func (b *BufferedStore) Close() error {
	close(b.stopCh)
	<-b.doneCh
	return b.db.Close()
}

func (b *BufferedStore) AddJobStart(rec *JobRecord) error    { return b.enqueue(opJobStart, rec) }
func (b *BufferedStore) AddJobSuspend(rec *SuspendRecord) error { return b.enqueue(opJobSuspend, rec) }
func (b *BufferedStore) AddJobEnd(rec *JobRecord) error      { return b.enqueue(opJobEnd, rec) }
func (b *BufferedStore) AddStepStart(rec *StepRecord) error  { return b.enqueue(opStepStart, rec) }
func (b *BufferedStore) AddStepComplete(rec *StepRecord) error { return b.enqueue(opStepComplete, rec) }
func (b *BufferedStore) AddNodeEvent(rec *NodeEventRecord) error { return b.enqueue(opNodeEvent, rec) }
func (b *BufferedStore) AddReservation(rec *ReservationRecord) error {
	return b.enqueue(opReservation, rec)
}

func (b *BufferedStore) AddClusterCapacity(cluster string, cpus uint32, t time.Time) error {
	return b.enqueue(opCapacity, &capacityRecord{Cluster: cluster, CPUs: cpus, T: t})
}

func (b *BufferedStore) RunHourlyRollup(hourStart time.Time) error {
	return b.enqueue(opHourly, &rollupRecord{Start: hourStart})
}

func (b *BufferedStore) RunDailyRollup(dayStart time.Time) error {
	return b.enqueue(opDaily, &rollupRecord{Start: dayStart})
}

func (b *BufferedStore) RunMonthlyRollup(monthStart time.Time) error {
	return b.enqueue(opMonthly, &rollupRecord{Start: monthStart})
}

// Depth returns the number of spooled records not yet accepted by the
// backend.
func (b *BufferedStore) Depth() (int, error) {
	var n int
	err := b.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(spoolBucket).Stats().KeyN
		return nil
	})
	return n, err
}

// Flush blocks until the spool drains or the timeout passes.
func (b *BufferedStore) Flush(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		n, err := b.Depth()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("accounting spool not drained: %d records: %w",
				n, structs.ErrDeadlineExceeded)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (b *BufferedStore) enqueue(op string, payload interface{}) error {
	var data bytes.Buffer
	if err := codec.NewEncoder(&data, structs.MsgpackHandle).Encode(payload); err != nil {
		return err
	}
	var buf bytes.Buffer
	env := envelope{Op: op, Data: data.Bytes()}
	if err := codec.NewEncoder(&buf, structs.MsgpackHandle).Encode(&env); err != nil {
		return err
	}
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(spoolBucket)
		seq, err := bkt.NextSequence()
		if err != nil {
			return err
		}
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], seq)
		return bkt.Put(key[:], buf.Bytes())
	})
	if err != nil {
		return fmt.Errorf("accounting spool write: %w", err)
	}
	metrics.IncrCounter([]string{"quarry", "acct", "spooled"}, 1)
	b.notify()
	return nil
}

func (b *BufferedStore) notify() {
	select {
	case b.notifyCh <- struct{}{}:
	default:
	}
}

// run replays spooled records in key order. A failed dispatch leaves the
// record in place and backs off; a success deletes it and resets the
// backoff.
func (b *BufferedStore) run() {
	defer close(b.doneCh)
	backoff := b.baseBackoff
	for {
		key, env, ok, err := b.head()
		if err != nil {
			b.logger.Error("spool read failed", "error", err)
			ok = false
		}
		if !ok {
			select {
			case <-b.stopCh:
				return
			case <-b.notifyCh:
			}
			continue
		}

		if err := b.dispatch(env); err != nil {
			b.logger.Warn("accounting backend rejected record",
				"op", env.Op, "backoff", backoff, "error", err)
			metrics.IncrCounter([]string{"quarry", "acct", "retry"}, 1)
			select {
			case <-b.stopCh:
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > b.maxBackoff {
				backoff = b.maxBackoff
			}
			continue
		}
		backoff = b.baseBackoff

		err = b.db.Update(func(tx *bbolt.Tx) error {
			return tx.Bucket(spoolBucket).Delete(key)
		})
		if err != nil {
			b.logger.Error("spool delete failed", "error", err)
		}
		// Drain without waiting while records remain.
		b.notify()
	}
}

// head returns the oldest spooled record.
func (b *BufferedStore) head() ([]byte, *envelope, bool, error) {
	var key []byte
	var env envelope
	found := false
	err := b.db.View(func(tx *bbolt.Tx) error {
		k, v := tx.Bucket(spoolBucket).Cursor().First()
		if k == nil {
			return nil
		}
		key = append([]byte(nil), k...)
		if err := codec.NewDecoder(bytes.NewReader(v), structs.MsgpackHandle).Decode(&env); err != nil {
			return err
		}
		found = true
		return nil
	})
	return key, &env, found, err
}

func (b *BufferedStore) dispatch(env *envelope) error {
	dec := codec.NewDecoder(bytes.NewReader(env.Data), structs.MsgpackHandle)
	switch env.Op {
	case opJobStart:
		rec := new(JobRecord)
		if err := dec.Decode(rec); err != nil {
			return err
		}
		return b.backend.AddJobStart(rec)
	case opJobSuspend:
		rec := new(SuspendRecord)
		if err := dec.Decode(rec); err != nil {
			return err
		}
		return b.backend.AddJobSuspend(rec)
	case opJobEnd:
		rec := new(JobRecord)
		if err := dec.Decode(rec); err != nil {
			return err
		}
		return b.backend.AddJobEnd(rec)
	case opStepStart:
		rec := new(StepRecord)
		if err := dec.Decode(rec); err != nil {
			return err
		}
		return b.backend.AddStepStart(rec)
	case opStepComplete:
		rec := new(StepRecord)
		if err := dec.Decode(rec); err != nil {
			return err
		}
		return b.backend.AddStepComplete(rec)
	case opNodeEvent:
		rec := new(NodeEventRecord)
		if err := dec.Decode(rec); err != nil {
			return err
		}
		return b.backend.AddNodeEvent(rec)
	case opReservation:
		rec := new(ReservationRecord)
		if err := dec.Decode(rec); err != nil {
			return err
		}
		return b.backend.AddReservation(rec)
	case opCapacity:
		rec := new(capacityRecord)
		if err := dec.Decode(rec); err != nil {
			return err
		}
		return b.backend.AddClusterCapacity(rec.Cluster, rec.CPUs, rec.T)
	case opHourly:
		rec := new(rollupRecord)
		if err := dec.Decode(rec); err != nil {
			return err
		}
		return b.backend.RunHourlyRollup(rec.Start)
	case opDaily:
		rec := new(rollupRecord)
		if err := dec.Decode(rec); err != nil {
			return err
		}
		return b.backend.RunDailyRollup(rec.Start)
	case opMonthly:
		rec := new(rollupRecord)
		if err := dec.Decode(rec); err != nil {
			return err
		}
		return b.backend.RunMonthlyRollup(rec.Start)
	default:
		// Unknown op from a newer writer; drop it rather than wedge the
		// spool.
		b.logger.Warn("dropping unknown spool op", "op", env.Op)
		return nil
	}
}
