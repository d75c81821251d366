package sink

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	batchesBucket = []byte("batches")
	metaBucket    = []byte("meta")
)

// ErrNoRecord is returned when a recorder file holds no data for a run.
var ErrNoRecord = errors.New("no recorded run")

// Recorder persists batch summaries and run metadata in a bbolt file, so that a run can be
// inspected after the process exits. Occurrence records are not stored.
type Recorder struct {
	db *bolt.DB
}

var _ Sink = &Recorder{}

// NewRecorder opens (or creates) a recorder file and stores the run metadata. A previous run in
// the same file is overwritten.
func NewRecorder(path string, meta map[string]string) (*Recorder, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open recorder file %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{batchesBucket, metaBucket} {
			if tx.Bucket(name) != nil {
				if err := tx.DeleteBucket(name); err != nil {
					return err
				}
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		b := tx.Bucket(metaBucket)
		for k, v := range meta {
			if err := b.Put([]byte(k), []byte(v)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize recorder file %s: %w", path, err)
	}

	return &Recorder{db: db}, nil
}

func (r *Recorder) Emit(Record) error { return nil }

func (r *Recorder) Flush(s BatchSummary) error {
	value, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(batchesBucket).Put(batchKey(s.Batch), value)
	})
}

func (r *Recorder) Close() error { return r.db.Close() }

func batchKey(batch uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], batch)
	return k[:]
}

// Run is the content of a recorder file.
type Run struct {
	Meta    map[string]string
	Batches []BatchSummary
}

// ReadRecord loads a recorder file written by a finished run, batches in order.
func ReadRecord(path string) (*Run, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to open recorder file %s: %w", path, err)
	}
	defer db.Close()

	run := &Run{Meta: map[string]string{}}
	err = db.View(func(tx *bolt.Tx) error {
		mb, bb := tx.Bucket(metaBucket), tx.Bucket(batchesBucket)
		if mb == nil || bb == nil {
			return ErrNoRecord
		}
		if err := mb.ForEach(func(k, v []byte) error {
			run.Meta[string(k)] = string(v)
			return nil
		}); err != nil {
			return err
		}
		return bb.ForEach(func(_, v []byte) error {
			var s BatchSummary
			if err := json.Unmarshal(v, &s); err != nil {
				return err
			}
			run.Batches = append(run.Batches, s)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}
