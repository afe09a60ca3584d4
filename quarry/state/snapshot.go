// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-memdb"
	"github.com/hashicorp/go-msgpack/v2/codec"

	"github.com/hashicorp/quarry/quarry/structs"
)

// State directory file names. Each is written as "<name>.new", fsynced,
// then rotated so the previous generation survives as "<name>.old".
const (
	nodeStateFile = "node_state"
	jobStateFile  = "job_state"
	partStateFile = "part_state"
	resvStateFile = "resv_state"
)

var errMissingField = errors.New("state record missing required field")

// snapshotHeader is the first entry in every state file.
type snapshotHeader struct {
	CreateTime time.Time
	// NextJobID is meaningful in job_state only.
	NextJobID uint64
	// NextResvID is meaningful in resv_state only.
	NextResvID uint32
}

// Checkpoint writes all tables to dir atomically. The on-disk current
// generation only advances when every file lands.
func (s *StateStore) Checkpoint(dir string) error {
	s.configLock.RLock()
	defer s.configLock.RUnlock()
	s.jobLock.RLock()
	defer s.jobLock.RUnlock()
	s.nodeLock.RLock()
	defer s.nodeLock.RUnlock()
	s.partLock.RLock()
	defer s.partLock.RUnlock()

	now := time.Now()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("state directory: %w", err)
	}

	files := []struct {
		name    string
		persist func(*codec.Encoder, *bufio.Writer) error
	}{
		{nodeStateFile, func(enc *codec.Encoder, w *bufio.Writer) error {
			if err := enc.Encode(snapshotHeader{CreateTime: now}); err != nil {
				return err
			}
			if s.meta != nil {
				w.WriteByte(byte(structs.ClusterMetaRecordType))
				if err := enc.Encode(s.meta); err != nil {
					return err
				}
			}
			for _, n := range s.nodes {
				w.WriteByte(byte(structs.NodeRecordType))
				if err := enc.Encode(n); err != nil {
					return err
				}
			}
			return nil
		}},
		{jobStateFile, func(enc *codec.Encoder, w *bufio.Writer) error {
			if err := enc.Encode(snapshotHeader{CreateTime: now, NextJobID: s.nextJobID}); err != nil {
				return err
			}
			txn := s.db.Txn(false)
			iter, err := txn.Get(tableJobs, "id")
			if err != nil {
				return err
			}
			for raw := iter.Next(); raw != nil; raw = iter.Next() {
				w.WriteByte(byte(structs.JobRecordType))
				if err := enc.Encode(raw.(*structs.Job)); err != nil {
					return err
				}
			}
			return nil
		}},
		{partStateFile, func(enc *codec.Encoder, w *bufio.Writer) error {
			if err := enc.Encode(snapshotHeader{CreateTime: now}); err != nil {
				return err
			}
			for _, p := range s.Partitions() {
				w.WriteByte(byte(structs.PartitionRecordType))
				if err := enc.Encode(p); err != nil {
					return err
				}
			}
			return nil
		}},
		{resvStateFile, func(enc *codec.Encoder, w *bufio.Writer) error {
			if err := enc.Encode(snapshotHeader{CreateTime: now, NextResvID: s.nextResvID}); err != nil {
				return err
			}
			for _, r := range s.Reservations() {
				w.WriteByte(byte(structs.ReservationRecordType))
				if err := enc.Encode(r); err != nil {
					return err
				}
			}
			return nil
		}},
	}

	for _, f := range files {
		if err := writeStateFile(filepath.Join(dir, f.name), f.persist); err != nil {
			return fmt.Errorf("checkpoint %s: %w", f.name, err)
		}
	}
	return nil
}

// writeStateFile writes "<path>.new", fsyncs it, keeps the old current as
// "<path>.old", and promotes the new file. On any failure the previous
// current generation is left untouched.
func writeStateFile(path string, persist func(*codec.Encoder, *bufio.Writer) error) error {
	newPath := path + ".new"
	fh, err := os.OpenFile(newPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(fh)
	enc := codec.NewEncoder(w, structs.MsgpackHandle)
	if err := persist(enc, w); err != nil {
		fh.Close()
		os.Remove(newPath)
		return err
	}
	if err := w.Flush(); err != nil {
		fh.Close()
		os.Remove(newPath)
		return err
	}
	if err := fh.Sync(); err != nil {
		fh.Close()
		os.Remove(newPath)
		return err
	}
	if err := fh.Close(); err != nil {
		os.Remove(newPath)
		return err
	}
	if _, err := os.Stat(path); err == nil {
		if err := os.Rename(path, path+".old"); err != nil {
			return err
		}
	}
	return os.Rename(newPath, path)
}

// Restore replaces in-memory state with the contents of dir. Missing
// files fall back to their ".old" generation, then to empty. Unknown
// trailing record tags are tolerated for forward compatibility.
func (s *StateStore) Restore(dir string) error {
	s.configLock.Lock()
	defer s.configLock.Unlock()
	s.jobLock.Lock()
	defer s.jobLock.Unlock()
	s.nodeLock.Lock()
	defer s.nodeLock.Unlock()
	s.partLock.Lock()
	defer s.partLock.Unlock()

	db, err := memdb.NewMemDB(stateStoreSchema())
	if err != nil {
		return err
	}
	s.db = db
	s.nextJobID = 1
	s.meta = nil
	s.templates = make(map[uint64]*structs.NodeConfigTemplate)
	s.nodes = nil
	s.nodeIndex = make(map[string]uint)
	s.partitions = make(map[string]*structs.Partition)
	s.resvs = make(map[string]*structs.Reservation)
	s.nextResvID = 1

	if err := s.restoreNodeFile(filepath.Join(dir, nodeStateFile)); err != nil {
		return err
	}
	if err := s.restoreJobFile(filepath.Join(dir, jobStateFile)); err != nil {
		return err
	}
	if err := s.restorePartFile(filepath.Join(dir, partStateFile)); err != nil {
		return err
	}
	if err := s.restoreResvFile(filepath.Join(dir, resvStateFile)); err != nil {
		return err
	}

	size := uint(len(s.nodes))
	if size == 0 {
		size = 8
	}
	mk := func() structs.Bitmap {
		b, _ := structs.NewBitmap(size)
		return b
	}
	s.up, s.idle, s.completing, s.live = mk(), mk(), mk(), mk()
	for _, n := range s.nodes {
		if !n.Flags.Has(structs.NodeFlagTombstone) {
			s.live.Set(n.Index)
		}
		s.refreshDerived(n)
	}
	return nil
}

// openStateFile opens "<path>" falling back to "<path>.old". A nil reader
// with nil error means both generations are absent.
func openStateFile(path string) (io.ReadCloser, error) {
	fh, err := os.Open(path)
	if err == nil {
		return fh, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	fh, err = os.Open(path + ".old")
	if err == nil {
		return fh, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	return nil, nil
}

// restoreRecords reads the header and then dispatches tagged records
// until EOF or an unrecognized tag.
func restoreRecords(path string, header *snapshotHeader, apply func(structs.MessageType, *codec.Decoder) error) error {
	fh, err := openStateFile(path)
	if err != nil || fh == nil {
		return err
	}
	defer fh.Close()

	r := bufio.NewReader(fh)
	dec := codec.NewDecoder(r, structs.MsgpackHandle)
	if err := dec.Decode(header); err != nil {
		return fmt.Errorf("%s header: %w", filepath.Base(path), err)
	}
	for {
		tag, err := r.ReadByte()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		msgType := structs.MessageType(tag)
		if err := apply(msgType, dec); err != nil {
			if errors.Is(err, errUnknownRecord) {
				// Forward compatibility: newer writers may append record
				// kinds this build does not know.
				return nil
			}
			return fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
	}
}

var errUnknownRecord = errors.New("unknown state record type")

func (s *StateStore) restoreNodeFile(path string) error {
	var header snapshotHeader
	return restoreRecords(path, &header, func(t structs.MessageType, dec *codec.Decoder) error {
		switch t {
		case structs.ClusterMetaRecordType:
			meta := new(structs.ClusterMeta)
			if err := dec.Decode(meta); err != nil {
				return err
			}
			s.meta = meta
			return nil
		case structs.NodeRecordType:
			n := new(structs.Node)
			if err := dec.Decode(n); err != nil {
				return err
			}
			if n.Name == "" {
				return fmt.Errorf("node: %w: name", errMissingField)
			}
			if n.Config != nil {
				tpl := s.internTemplate(n.Config)
				n.Config = tpl
				if !n.Flags.Has(structs.NodeFlagTombstone) {
					tpl.RefCount++
				}
			}
			if n.ActiveJobs == nil {
				n.ActiveJobs = make(map[uint64]struct{})
			}
			n.Index = uint(len(s.nodes))
			s.nodes = append(s.nodes, n)
			s.nodeIndex[n.Name] = n.Index
			return nil
		default:
			return errUnknownRecord
		}
	})
}

func (s *StateStore) restoreJobFile(path string) error {
	var header snapshotHeader
	err := restoreRecords(path, &header, func(t structs.MessageType, dec *codec.Decoder) error {
		if t != structs.JobRecordType {
			return errUnknownRecord
		}
		job := new(structs.Job)
		if err := dec.Decode(job); err != nil {
			return err
		}
		if job.ID == 0 {
			return fmt.Errorf("job: %w: id", errMissingField)
		}
		txn := s.db.Txn(true)
		defer txn.Abort()
		if err := txn.Insert(tableJobs, job); err != nil {
			return err
		}
		txn.Commit()
		return nil
	})
	if err != nil {
		return err
	}
	if header.NextJobID > 0 {
		s.nextJobID = header.NextJobID
	}
	return nil
}

func (s *StateStore) restorePartFile(path string) error {
	var header snapshotHeader
	return restoreRecords(path, &header, func(t structs.MessageType, dec *codec.Decoder) error {
		if t != structs.PartitionRecordType {
			return errUnknownRecord
		}
		p := new(structs.Partition)
		if err := dec.Decode(p); err != nil {
			return err
		}
		if p.Name == "" {
			return fmt.Errorf("partition: %w: name", errMissingField)
		}
		s.partitions[p.Name] = p
		return nil
	})
}

func (s *StateStore) restoreResvFile(path string) error {
	var header snapshotHeader
	err := restoreRecords(path, &header, func(t structs.MessageType, dec *codec.Decoder) error {
		if t != structs.ReservationRecordType {
			return errUnknownRecord
		}
		r := new(structs.Reservation)
		if err := dec.Decode(r); err != nil {
			return err
		}
		if r.Name == "" {
			return fmt.Errorf("reservation: %w: name", errMissingField)
		}
		s.resvs[r.Name] = r
		return nil
	})
	if err != nil {
		return err
	}
	if header.NextResvID > 0 {
		s.nextResvID = header.NextResvID
	}
	return nil
}
