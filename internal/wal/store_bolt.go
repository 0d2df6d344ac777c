package wal

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/boltdb/bolt"
)

var (
	bucketTxns  = []byte("wal_txns")
	bucketIndex = []byte("wal_index") // state|next_attempt_at|txn_id -> txn_id, for ScanDue/ScanOlderThan
)

// BoltStore is the durable Store implementation (spec §6 "must survive
// crash"). Each transaction record is gob-encoded and stamped with a
// trailing CRC32 checksum, layered on top of bolt's own page-level
// checksums. The record carries no schema version field. A secondary
// index bucket keyed by state and next-attempt deadline lets the
// scheduler and reaper scan without a full table walk.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens (creating if absent) a bolt-backed WAL store.
func OpenBoltStore(path string, timeout time.Duration) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("wal: open bolt db %q: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketTxns); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketIndex)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("wal: init buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Close releases the underlying bolt file handle.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func encodeTxn(txn *Transaction) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(txn); err != nil {
		return nil, err
	}
	sum := crc32.ChecksumIEEE(buf.Bytes())
	out := buf.Bytes()
	var trailer [4]byte
	binary.BigEndian.PutUint32(trailer[:], sum)
	return append(out, trailer[:]...), nil
}

func decodeTxn(raw []byte) (*Transaction, error) {
	if len(raw) < 4 {
		return nil, fmt.Errorf("wal: record too short (%d bytes)", len(raw))
	}
	body, trailer := raw[:len(raw)-4], raw[len(raw)-4:]
	want := binary.BigEndian.Uint32(trailer)
	got := crc32.ChecksumIEEE(body)
	if got != want {
		return nil, fmt.Errorf("wal: checksum mismatch (want %x, got %x): %w", want, got, errCorruptRecord)
	}
	var txn Transaction
	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(&txn); err != nil {
		return nil, fmt.Errorf("wal: decode record: %w", err)
	}
	return &txn, nil
}

var errCorruptRecord = fmt.Errorf("wal: corrupt record")

func indexKey(state TxnState, nextAttemptAt time.Time, id string) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%d|%020d|%s", state, nextAttemptAt.UnixNano(), id)
	return buf.Bytes()
}

func (s *BoltStore) Put(_ context.Context, txn *Transaction) error {
	encoded, err := encodeTxn(txn)
	if err != nil {
		return fmt.Errorf("wal: encode transaction %s: %w", txn.ID, err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		txBkt := tx.Bucket(bucketTxns)
		idxBkt := tx.Bucket(bucketIndex)

		if old := txBkt.Get([]byte(txn.ID)); old != nil {
			if prev, err := decodeTxn(old); err == nil {
				idxBkt.Delete(indexKey(prev.State, prev.NextAttemptAt, prev.ID))
			}
		}
		if err := txBkt.Put([]byte(txn.ID), encoded); err != nil {
			return err
		}
		return idxBkt.Put(indexKey(txn.State, txn.NextAttemptAt, txn.ID), []byte(txn.ID))
	})
}

func (s *BoltStore) Get(_ context.Context, id string) (*Transaction, bool, error) {
	var txn *Transaction
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketTxns).Get([]byte(id))
		if raw == nil {
			return nil
		}
		decoded, err := decodeTxn(raw)
		if err != nil {
			return err
		}
		txn = decoded
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("wal: get transaction %s: %w", id, err)
	}
	return txn, txn != nil, nil
}

func (s *BoltStore) Delete(_ context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		txBkt := tx.Bucket(bucketTxns)
		raw := txBkt.Get([]byte(id))
		if raw != nil {
			if prev, err := decodeTxn(raw); err == nil {
				tx.Bucket(bucketIndex).Delete(indexKey(prev.State, prev.NextAttemptAt, prev.ID))
			}
		}
		return txBkt.Delete([]byte(id))
	})
}

func (s *BoltStore) ScanAll(_ context.Context) ([]*Transaction, error) {
	var out []*Transaction
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTxns).ForEach(func(_, v []byte) error {
			txn, err := decodeTxn(v)
			if err != nil {
				return err
			}
			out = append(out, txn)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("wal: scan all: %w", err)
	}
	return out, nil
}

// ScanDue walks the index bucket per candidate state, since the index key
// is prefixed by state then deadline: a bolt cursor can seek directly to
// the state's range instead of scanning the whole bucket.
func (s *BoltStore) ScanDue(_ context.Context, states []TxnState, now time.Time) ([]*Transaction, error) {
	var out []*Transaction
	err := s.db.View(func(tx *bolt.Tx) error {
		idxBkt := tx.Bucket(bucketIndex)
		txBkt := tx.Bucket(bucketTxns)
		for _, state := range states {
			prefix := []byte(fmt.Sprintf("%d|", state))
			c := idxBkt.Cursor()
			for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
				deadlineNanos, ok := parseIndexDeadline(k, prefix)
				if !ok || deadlineNanos > now.UnixNano() {
					continue
				}
				raw := txBkt.Get(v)
				if raw == nil {
					continue
				}
				txn, err := decodeTxn(raw)
				if err != nil {
					return err
				}
				out = append(out, txn)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("wal: scan due: %w", err)
	}
	return out, nil
}

func (s *BoltStore) ScanOlderThan(_ context.Context, states []TxnState, cutoff time.Time) ([]*Transaction, error) {
	all, err := s.ScanAll(context.Background())
	if err != nil {
		return nil, err
	}
	wanted := toStateSet(states)
	var out []*Transaction
	for _, txn := range all {
		if wanted[txn.State] && txn.CreatedAt.Before(cutoff) {
			out = append(out, txn)
		}
	}
	return out, nil
}

func parseIndexDeadline(key, prefix []byte) (int64, bool) {
	rest := key[len(prefix):]
	idx := bytes.IndexByte(rest, '|')
	if idx < 0 {
		return 0, false
	}
	var nanos int64
	_, err := fmt.Sscanf(string(rest[:idx]), "%020d", &nanos)
	if err != nil {
		return 0, false
	}
	return nanos, true
}
