// Package journal persists the original instructions of installed
// tracepoints, so a later run can restore text left patched by a crash.
package journal

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"github.com/kubescape/pidtrap/pkg/logger"
	"github.com/kubescape/pidtrap/pkg/process"
	"github.com/kubescape/pidtrap/pkg/tracepoint"
)

var tracepointsBucket = []byte("tracepoints")

// Entry is one journaled tracepoint. Process identifies the process the
// trap was installed in; Seq tells installs at the same address apart.
type Entry struct {
	Pid       int32
	Addr      uint64
	Process   process.Identity
	Seq       uint64
	Instr     []byte
	Installed time.Time
}

type op int

const (
	opPut op = iota
	opDelete
	opSync
)

type record struct {
	op    op
	tp    *tracepoint.Tracepoint
	entry Entry
	done  chan struct{}
}

// Journal records tracepoint installs and removals to a bolt database. It
// implements tracepoint.Observer; writes happen on a background worker.
type Journal struct {
	path       string
	identifier process.Identifier
	fileDB     *bolt.DB
	ch         chan record
	exited     chan struct{}
	log        logrus.FieldLogger

	// keys maps each journaled tracepoint to its entry. Owned by the worker.
	keys map[*tracepoint.Tracepoint][]byte
}

var _ tracepoint.Observer = (*Journal)(nil)

func NewJournal(path string, identifier process.Identifier) *Journal {
	return &Journal{
		path:       path,
		identifier: identifier,
		log:        logger.GetLogger().WithField("component", "journal"),
		keys:       make(map[*tracepoint.Tracepoint][]byte),
	}
}

func (j *Journal) Start() error {
	if err := os.MkdirAll(filepath.Dir(j.path), 0o700); err != nil {
		return fmt.Errorf("creating journal directory: %w", err)
	}
	db, err := bolt.Open(j.path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return fmt.Errorf("opening journal %s: %w", j.path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(tracepointsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return fmt.Errorf("initializing journal: %w", err)
	}
	j.fileDB = db
	j.ch = make(chan record, 10000)
	j.exited = make(chan struct{})
	go j.worker()
	return nil
}

// Stop drains pending writes and closes the database. The file stays for
// the next run.
func (j *Journal) Stop() error {
	close(j.ch)
	<-j.exited
	return j.fileDB.Close()
}

// entryKey orders entries by pid, process start time, address and install
// sequence.
func entryKey(e *Entry) []byte {
	var key [28]byte
	binary.BigEndian.PutUint32(key[:4], uint32(e.Pid))
	binary.BigEndian.PutUint64(key[4:12], e.Process.Start)
	binary.BigEndian.PutUint64(key[12:20], e.Addr)
	binary.BigEndian.PutUint64(key[20:], e.Seq)
	return key[:]
}

func (j *Journal) worker() {
	defer close(j.exited)
	for rec := range j.ch {
		var err error
		switch rec.op {
		case opSync:
			close(rec.done)
		case opPut:
			err = j.put(rec.tp, &rec.entry)
		case opDelete:
			err = j.delete(rec.tp)
		}
		if err != nil {
			j.log.WithError(err).WithField("pid", rec.tp.Pid()).Error("failed to update journal")
		}
	}
}

func (j *Journal) put(tp *tracepoint.Tracepoint, e *Entry) error {
	var key []byte
	err := j.fileDB.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(tracepointsBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		e.Seq = seq
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(e); err != nil {
			return err
		}
		key = entryKey(e)
		return b.Put(key, buf.Bytes())
	})
	if err != nil {
		return err
	}
	j.keys[tp] = key
	return nil
}

func (j *Journal) delete(tp *tracepoint.Tracepoint) error {
	key, ok := j.keys[tp]
	if !ok {
		return nil
	}
	delete(j.keys, tp)
	return j.fileDB.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(tracepointsBucket).Delete(key)
	})
}

// Installed journals tp together with the identity of its process. A
// process that can no longer be identified is not journaled: it is gone
// or exiting, so nothing would be left to restore.
func (j *Journal) Installed(tp *tracepoint.Tracepoint) {
	id, err := j.identifier.Identify(tp.Pid())
	if err != nil {
		j.log.WithError(err).WithField("pid", tp.Pid()).Debug("not journaling tracepoint of unidentified process")
		return
	}
	j.ch <- record{op: opPut, tp: tp, entry: Entry{
		Pid:       tp.Pid(),
		Addr:      tp.Addr(),
		Process:   id,
		Instr:     append([]byte(nil), tp.Instr...),
		Installed: time.Now(),
	}}
}

// Removed drops the entry written for tp by Installed, if any.
func (j *Journal) Removed(tp *tracepoint.Tracepoint) {
	j.ch <- record{op: opDelete, tp: tp}
}

// Sync waits until every record sent so far is written.
func (j *Journal) Sync() {
	done := make(chan struct{})
	j.ch <- record{op: opSync, done: done}
	<-done
}

// Entries returns every journaled tracepoint.
func (j *Journal) Entries() ([]Entry, error) {
	var entries []Entry
	err := j.fileDB.View(func(tx *bolt.Tx) error {
		return tx.Bucket(tracepointsBucket).ForEach(func(_, v []byte) error {
			var e Entry
			if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&e); err != nil {
				return err
			}
			entries = append(entries, e)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("reading journal: %w", err)
	}
	return entries, nil
}

// Forget drops an entry synchronously.
func (j *Journal) Forget(e Entry) error {
	return j.fileDB.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(tracepointsBucket).Delete(entryKey(&e))
	})
}

// Current reports whether e.Pid still runs the process e was recorded in.
// A reused pid or a replaced image is not current.
func (j *Journal) Current(e Entry) bool {
	id, err := j.identifier.Identify(e.Pid)
	return err == nil && id == e.Process
}
