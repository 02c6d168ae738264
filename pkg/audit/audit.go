package audit

import (
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/sandboxd/pkg/alert"
	"github.com/cuemby/sandboxd/pkg/sberr"
)

var bucketEntries = []byte("entries")

// Kind distinguishes the two classes of event this log records.
type Kind string

const (
	KindPrivilegedOp Kind = "privileged_op"
	KindAlert        Kind = "alert"
)

// Entry is one immutable audit record.
type Entry struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Sandbox   string    `json:"sandbox,omitempty"`
	Operation string    `json:"operation"`
	Allowed   bool      `json:"allowed"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

// Log is an append-only audit trail backed by a single bbolt bucket.
type Log struct {
	db *bolt.DB
}

// Open creates (or opens) a bbolt-backed audit log at path.
func Open(path string) (*Log, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, sberr.Wrap("opening audit log", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEntries)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, sberr.Wrap("creating audit bucket", err)
	}
	return &Log{db: db}, nil
}

// Close closes the underlying database.
func (l *Log) Close() error {
	return l.db.Close()
}

// RecordPrivilegedOp appends one privileged-operation attempt: shutdown or
// reload_policy (capability or shared-secret form), allowed or rejected.
func (l *Log) RecordPrivilegedOp(sandbox, operation string, allowed bool, detail string, at time.Time) error {
	return l.append(Entry{
		ID: uuid.NewString(), Kind: KindPrivilegedOp,
		Sandbox: sandbox, Operation: operation, Allowed: allowed, Detail: detail, At: at,
	})
}

// RecordAlert appends one delivered violation alert.
func (l *Log) RecordAlert(v alert.Violation, at time.Time) error {
	detail := ""
	if v.Err != nil {
		detail = v.Err.Error()
	}
	return l.append(Entry{
		ID: uuid.NewString(), Kind: KindAlert,
		Sandbox: v.Sandbox, Operation: v.Op, Allowed: false, Detail: detail, At: at,
	})
}

func (l *Log) append(e Entry) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		data, err := json.Marshal(e)
		if err != nil {
			return sberr.Wrap("marshaling audit entry", err)
		}
		return b.Put(entryKey(e.At, e.ID), data)
	})
}

// List returns every recorded entry in chronological order.
func (l *Log) List() ([]Entry, error) {
	var entries []Entry
	err := l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		return b.ForEach(func(_, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			entries = append(entries, e)
			return nil
		})
	})
	if err != nil {
		return nil, sberr.Wrap("listing audit entries", err)
	}
	return entries, nil
}

// entryKey orders entries chronologically under bbolt's lexicographic key
// iteration: an 8-byte big-endian nanosecond timestamp, then the entry's
// own ID to break ties between same-instant entries.
func entryKey(at time.Time, id string) []byte {
	key := make([]byte, 8+len(id))
	binary.BigEndian.PutUint64(key[:8], uint64(at.UnixNano()))
	copy(key[8:], id)
	return key
}
