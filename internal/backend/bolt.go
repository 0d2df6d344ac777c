package backend

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"time"

	"github.com/boltdb/bolt"

	"github.com/romilpunetha/tao-sub001/internal/model"
)

var (
	bucketObjects = []byte("objects")
	bucketAssocs  = []byte("assocs")
)

// BoltBackend is a durable, single-node Backend implementation on top of
// boltdb/bolt (grounded on zhu733756-influxdb-cluster's go.mod, which lists
// the same module for its local metadata store). Every object is keyed by
// its big-endian TaoID; every association is keyed by its serialized
// AssocKey so range scans over a fixed (id1, atype) prefix are contiguous.
type BoltBackend struct {
	db *bolt.DB
}

// OpenBolt opens (creating if absent) a bolt-backed backend at path. The
// caller owns the returned backend's lifetime and must call Close.
func OpenBolt(path string, timeout time.Duration) (*BoltBackend, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("backend: open bolt db %q: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketObjects); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketAssocs)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("backend: init buckets: %w", err)
	}
	return &BoltBackend{db: db}, nil
}

// Close releases the underlying bolt file handle.
func (b *BoltBackend) Close() error {
	return b.db.Close()
}

func objKey(id model.TaoID) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(id))
	return buf
}

// assocKeyBytes lays out id1 then atype then id2 so a bolt cursor positioned
// at Seek(prefix(id1, atype)) walks every matching association contiguously.
func assocKeyBytes(id1 model.TaoID, atype string, id2 model.TaoID) []byte {
	var buf bytes.Buffer
	var scratch [8]byte
	binary.BigEndian.PutUint64(scratch[:], uint64(id1))
	buf.Write(scratch[:])
	buf.WriteString(atype)
	buf.WriteByte(0) // NUL separator: atype is not length-prefixed
	binary.BigEndian.PutUint64(scratch[:], uint64(id2))
	buf.Write(scratch[:])
	return buf.Bytes()
}

func assocPrefix(id1 model.TaoID, atype string) []byte {
	var buf bytes.Buffer
	var scratch [8]byte
	binary.BigEndian.PutUint64(scratch[:], uint64(id1))
	buf.Write(scratch[:])
	buf.WriteString(atype)
	buf.WriteByte(0)
	return buf.Bytes()
}

func encodeObject(obj model.Object) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(obj); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeObject(raw []byte) (model.Object, error) {
	var obj model.Object
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&obj); err != nil {
		return model.Object{}, err
	}
	return obj, nil
}

func encodeAssoc(a model.Association) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(a); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeAssoc(raw []byte) (model.Association, error) {
	var a model.Association
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&a); err != nil {
		return model.Association{}, err
	}
	return a, nil
}

func (b *BoltBackend) ObjPut(_ context.Context, obj model.Object) error {
	raw, err := encodeObject(obj)
	if err != nil {
		return fmt.Errorf("backend: encode object %s: %w", obj.ID, err)
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketObjects).Put(objKey(obj.ID), raw)
	})
}

func (b *BoltBackend) ObjGet(_ context.Context, id model.TaoID) (model.Object, bool, error) {
	var obj model.Object
	var found bool
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketObjects).Get(objKey(id))
		if raw == nil {
			return nil
		}
		found = true
		decoded, err := decodeObject(raw)
		if err != nil {
			return err
		}
		obj = decoded
		return nil
	})
	if err != nil {
		return model.Object{}, false, fmt.Errorf("backend: get object %s: %w", id, err)
	}
	return obj, found, nil
}

func (b *BoltBackend) ObjUpdate(_ context.Context, id model.TaoID, data []byte, ts int64) (model.Object, error) {
	var updated model.Object
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketObjects)
		raw := bkt.Get(objKey(id))
		if raw == nil {
			return fmt.Errorf("obj %s: %w", id, model.ErrNotFound)
		}
		obj, err := decodeObject(raw)
		if err != nil {
			return err
		}
		obj.Data = append([]byte(nil), data...)
		obj.UpdatedAt = ts
		encoded, err := encodeObject(obj)
		if err != nil {
			return err
		}
		if err := bkt.Put(objKey(id), encoded); err != nil {
			return err
		}
		updated = obj
		return nil
	})
	if err != nil {
		return model.Object{}, err
	}
	return updated, nil
}

func (b *BoltBackend) ObjDelete(_ context.Context, id model.TaoID) (bool, error) {
	var existed bool
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketObjects)
		if bkt.Get(objKey(id)) != nil {
			existed = true
		}
		return bkt.Delete(objKey(id))
	})
	if err != nil {
		return false, fmt.Errorf("backend: delete object %s: %w", id, err)
	}
	return existed, nil
}

func (b *BoltBackend) AssocPut(_ context.Context, a model.Association) error {
	raw, err := encodeAssoc(a)
	if err != nil {
		return fmt.Errorf("backend: encode assoc %s: %w", a.Key(), err)
	}
	key := assocKeyBytes(a.ID1, a.Atype, a.ID2)
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAssocs).Put(key, raw)
	})
}

func (b *BoltBackend) AssocDelete(_ context.Context, id1 model.TaoID, atype string, id2 model.TaoID) (bool, error) {
	key := assocKeyBytes(id1, atype, id2)
	var existed bool
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketAssocs)
		if bkt.Get(key) != nil {
			existed = true
		}
		return bkt.Delete(key)
	})
	if err != nil {
		return false, fmt.Errorf("backend: delete assoc: %w", err)
	}
	return existed, nil
}

func (b *BoltBackend) AssocDeleteAllFrom(_ context.Context, id1 model.TaoID) ([]model.Association, error) {
	var deleted []model.Association
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketAssocs)
		c := bkt.Cursor()
		var prefix [8]byte
		binary.BigEndian.PutUint64(prefix[:], uint64(id1))

		var keysToDelete [][]byte
		for k, v := c.Seek(prefix[:]); k != nil && bytes.HasPrefix(k, prefix[:]); k, v = c.Next() {
			a, err := decodeAssoc(v)
			if err != nil {
				return err
			}
			deleted = append(deleted, a)
			keysToDelete = append(keysToDelete, append([]byte(nil), k...))
		}
		for _, k := range keysToDelete {
			if err := bkt.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("backend: cascade delete from %s: %w", id1, err)
	}
	return deleted, nil
}

func (b *BoltBackend) AssocQuery(_ context.Context, q model.AssocQuery) ([]model.Association, error) {
	var matched []model.Association
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAssocs).Cursor()
		prefix := assocPrefix(q.ID1, q.Atype)
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			a, err := decodeAssoc(v)
			if err != nil {
				return err
			}
			if q.HighTime != 0 && a.Time > q.HighTime {
				continue
			}
			if q.LowTime != 0 && a.Time < q.LowTime {
				continue
			}
			if q.ID2Set != nil {
				if _, ok := q.ID2Set[a.ID2]; !ok {
					continue
				}
			}
			matched = append(matched, a)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("backend: query assocs: %w", err)
	}

	sortAssocsByTimeDesc(matched)

	if q.Offset > 0 {
		if q.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[q.Offset:]
	}
	if q.Limit > 0 && q.Limit < len(matched) {
		matched = matched[:q.Limit]
	}
	return matched, nil
}

func (b *BoltBackend) AssocCount(_ context.Context, id1 model.TaoID, atype string) (int64, error) {
	var count int64
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAssocs).Cursor()
		prefix := assocPrefix(id1, atype)
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("backend: count assocs: %w", err)
	}
	return count, nil
}

func (b *BoltBackend) Ping(context.Context) error {
	return b.db.View(func(*bolt.Tx) error { return nil })
}

func sortAssocsByTimeDesc(assocs []model.Association) {
	// insertion sort is fine here: bolt already yields keys id2-ascending
	// within a prefix, and query result sets are small (spec §6 limits).
	for i := 1; i < len(assocs); i++ {
		for j := i; j > 0 && assocs[j].Time > assocs[j-1].Time; j-- {
			assocs[j], assocs[j-1] = assocs[j-1], assocs[j]
		}
	}
}
