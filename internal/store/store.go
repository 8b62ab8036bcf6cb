package store

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

const (
	// storeDirPerm is the permission mode for the data directory.
	storeDirPerm = fs.FileMode(0o700)

	// storeFilePerm is the permission mode for the database file.
	storeFilePerm = fs.FileMode(0o600)

	// storeOpenTimeout is the maximum time to wait for the bolt file lock.
	storeOpenTimeout = 5 * time.Second
)

var (
	metaBucket        = []byte("meta")
	queueBucket       = []byte("queue")
	transfersBucket   = []byte("transfers")
	conflictLogBucket = []byte("conflict_log")

	deviceIDKey = []byte("device_id")
)

func recordsBucket(table string) []byte {
	return []byte("records:" + table)
}

// Store wraps a bbolt database holding all persistent sync state: records
// per collection, the operation queue, resumable transfer snapshots, and
// the conflict audit log. All mutations are single short transactions; no
// transaction ever spans a network call.
type Store struct {
	db *bolt.DB
}

// Open opens the database at the given path, creating it and its fixed
// buckets if needed. Per-collection record buckets are created lazily on
// first write.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), storeDirPerm); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	db, err := bolt.Open(path, storeFilePerm, &bolt.Options{Timeout: storeOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(metaBucket); err != nil {
			return err
		}

		if _, err := tx.CreateBucketIfNotExists(queueBucket); err != nil {
			return err
		}

		if _, err := tx.CreateBucketIfNotExists(transfersBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(conflictLogBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DeviceID returns the stable identifier for this device, generating and
// persisting one on first call.
func (s *Store) DeviceID() (string, error) {
	var id string

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(metaBucket)

		v := b.Get(deviceIDKey)
		if v != nil {
			id = string(v)
			return nil
		}

		id = uuid.NewString()

		return b.Put(deviceIDKey, []byte(id))
	})
	if err != nil {
		return "", fmt.Errorf("reading device id: %w", err)
	}

	return id, nil
}

// PutRecord persists a record, creating the collection bucket if needed.
func (s *Store) PutRecord(rec Record) error {
	if rec.ID == "" || rec.Table == "" {
		return fmt.Errorf("record is missing id or table")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(recordsBucket(rec.Table))
		if err != nil {
			return err
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}

		return b.Put([]byte(rec.ID), data)
	})
}

// GetRecord returns a record by collection and id, or nil if not found.
func (s *Store) GetRecord(table, id string) (*Record, error) {
	var rec *Record

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(recordsBucket(table))
		if b == nil {
			return nil
		}

		v := b.Get([]byte(id))
		if v == nil {
			return nil
		}

		rec = &Record{}

		return json.Unmarshal(v, rec)
	})

	return rec, err
}

// DeleteRecord removes a record row entirely. Soft deletion is a record
// update (Deleted=true), not this.
func (s *Store) DeleteRecord(table, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(recordsBucket(table))
		if b == nil {
			return nil
		}

		return b.Delete([]byte(id))
	})
}

// AllRecords returns every record in a collection, ordered by CreatedAt
// ascending (ties broken by id for a stable order).
func (s *Store) AllRecords(table string) ([]Record, error) {
	var recs []Record

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(recordsBucket(table))
		if b == nil {
			return nil
		}

		return b.ForEach(func(k, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}

			recs = append(recs, rec)

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sortRecords(recs)

	return recs, nil
}

// RecordsByUploadStatus returns records in a collection whose upload
// status matches any of the given statuses, ordered by CreatedAt ascending.
func (s *Store) RecordsByUploadStatus(table string, statuses ...UploadStatus) ([]Record, error) {
	all, err := s.AllRecords(table)
	if err != nil {
		return nil, err
	}

	var recs []Record

	for _, rec := range all {
		for _, st := range statuses {
			if rec.UploadStatus == st {
				recs = append(recs, rec)
				break
			}
		}
	}

	return recs, nil
}

// mutateRecord applies fn to an existing record in a single transaction.
// No-op if the record does not exist.
func (s *Store) mutateRecord(table, id string, fn func(*Record)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(recordsBucket(table))
		if b == nil {
			return nil
		}

		v := b.Get([]byte(id))
		if v == nil {
			return nil
		}

		var rec Record
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}

		fn(&rec)

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}

		return b.Put([]byte(id), data)
	})
}

// MarkRecordSynced stamps the sync checkpoint on a record. No-op if the
// record does not exist.
func (s *Store) MarkRecordSynced(table, id string, at time.Time) error {
	return s.mutateRecord(table, id, func(rec *Record) {
		rec.SyncedAt = at
	})
}

// SetUploadStatus moves a record to the given upload pipeline status.
// No-op if the record does not exist.
func (s *Store) SetUploadStatus(table, id string, status UploadStatus) error {
	return s.mutateRecord(table, id, func(rec *Record) {
		rec.UploadStatus = status
	})
}

// FailUpload marks a record's upload failed and records the reason.
func (s *Store) FailUpload(table, id, reason string) error {
	return s.mutateRecord(table, id, func(rec *Record) {
		rec.UploadStatus = UploadFailed
		rec.UploadError = reason
	})
}

// CompleteUpload marks a record's media as uploaded and stores the
// backend object reference.
func (s *Store) CompleteUpload(table, id, remoteURL string) error {
	return s.mutateRecord(table, id, func(rec *Record) {
		rec.UploadStatus = UploadDone
		rec.RemoteURL = remoteURL
		rec.UploadError = ""
	})
}

// RetryFailedUploads resets every failed record in the given collection
// back to pending. An empty table resets failed records in all
// collections. Returns the number of records reset.
func (s *Store) RetryFailedUploads(table string) (int, error) {
	reset := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		type write struct {
			bucket []byte
			key    []byte
			value  []byte
		}

		var writes []write

		err := tx.ForEach(func(name []byte, b *bolt.Bucket) error {
			if !bytes.HasPrefix(name, []byte("records:")) {
				return nil
			}

			if table != "" && !bytes.Equal(name, recordsBucket(table)) {
				return nil
			}

			return b.ForEach(func(k, v []byte) error {
				var rec Record
				if err := json.Unmarshal(v, &rec); err != nil {
					return err
				}

				if rec.UploadStatus != UploadFailed {
					return nil
				}

				rec.UploadStatus = UploadPending
				rec.UploadError = ""

				data, err := json.Marshal(rec)
				if err != nil {
					return err
				}

				writes = append(writes, write{
					bucket: bytes.Clone(name),
					key:    bytes.Clone(k),
					value:  data,
				})

				return nil
			})
		})
		if err != nil {
			return err
		}

		// Writes are applied after iteration; mutating a bucket while
		// iterating it invalidates the cursor.
		for _, w := range writes {
			if err := tx.Bucket(w.bucket).Put(w.key, w.value); err != nil {
				return err
			}
		}

		reset = len(writes)

		return nil
	})
	if err != nil {
		return 0, err
	}

	return reset, nil
}

// InsertQueueItem persists a new queue item, assigning its insertion
// sequence number. The sequence breaks FIFO ties between items created
// in the same instant.
func (s *Store) InsertQueueItem(item QueueItem) (QueueItem, error) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(queueBucket)

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}

		item.Seq = seq

		data, err := json.Marshal(item)
		if err != nil {
			return err
		}

		return b.Put([]byte(item.ID), data)
	})
	if err != nil {
		return QueueItem{}, err
	}

	return item, nil
}

// PutQueueItem overwrites an existing queue item. The caller must not
// change Seq.
func (s *Store) PutQueueItem(item QueueItem) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(item)
		if err != nil {
			return err
		}

		return tx.Bucket(queueBucket).Put([]byte(item.ID), data)
	})
}

// GetQueueItem returns a queue item by id, or nil if not found.
func (s *Store) GetQueueItem(id string) (*QueueItem, error) {
	var item *QueueItem

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(queueBucket).Get([]byte(id))
		if v == nil {
			return nil
		}

		item = &QueueItem{}

		return json.Unmarshal(v, item)
	})

	return item, err
}

// DeleteQueueItem removes a queue item. No-op if absent.
func (s *Store) DeleteQueueItem(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(queueBucket).Delete([]byte(id))
	})
}

// AllQueueItems returns every queue item ordered by CreatedAt ascending,
// ties broken by insertion sequence.
func (s *Store) AllQueueItems() ([]QueueItem, error) {
	var items []QueueItem

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(queueBucket).ForEach(func(k, v []byte) error {
			var item QueueItem
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}

			items = append(items, item)

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}

		return items[i].Seq < items[j].Seq
	})

	return items, nil
}

// GetTransferState returns the resumable transfer snapshot for a record,
// or nil if none exists.
func (s *Store) GetTransferState(recordID string) (*TransferState, error) {
	var ts *TransferState

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(transfersBucket).Get([]byte(recordID))
		if v == nil {
			return nil
		}

		ts = &TransferState{}

		return json.Unmarshal(v, ts)
	})

	return ts, err
}

// SetTransferState persists a resumable transfer snapshot.
func (s *Store) SetTransferState(ts TransferState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(ts)
		if err != nil {
			return err
		}

		return tx.Bucket(transfersBucket).Put([]byte(ts.RecordID), data)
	})
}

// DeleteTransferState removes a resumable transfer snapshot. No-op if absent.
func (s *Store) DeleteTransferState(recordID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(transfersBucket).Delete([]byte(recordID))
	})
}

// AppendConflictLog writes one immutable audit entry. There is no update
// or delete counterpart: the log only grows.
func (s *Store) AppendConflictLog(entry ConflictLogEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(conflictLogBucket)

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}

		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}

		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)

		return b.Put(key, data)
	})
}

// ConflictLog returns up to limit audit entries, newest first. A limit of
// zero or less returns all entries.
func (s *Store) ConflictLog(limit int) ([]ConflictLogEntry, error) {
	var entries []ConflictLogEntry

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(conflictLogBucket).Cursor()

		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var entry ConflictLogEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}

			entries = append(entries, entry)

			if limit > 0 && len(entries) >= limit {
				return nil
			}
		}

		return nil
	})

	return entries, err
}

func sortRecords(recs []Record) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.Before(recs[j].CreatedAt)
		}

		return recs[i].ID < recs[j].ID
	})
}
