package exec

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"time"

	"github.com/boltdb/bolt"
)

var resultsBucket = []byte("results")

type boltRecord struct {
	Expires time.Time
	Result  *Result
}

// BoltBackend persists results in a bolt database file.
type BoltBackend struct {
	db  *bolt.DB
	now func() time.Time
}

// OpenBolt opens or creates the database at path. timeout bounds the wait
// for the file lock held by another process.
func OpenBolt(path string, timeout time.Duration) (*BoltBackend, error) {
	db, err := bolt.Open(path, 0640, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("open result cache %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(resultsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltBackend{db: db, now: time.Now}, nil
}

func boltKey(key uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], key)
	return b[:]
}

func (b *BoltBackend) Get(ctx context.Context, key uint64) (*Result, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	var rec *boltRecord
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(resultsBucket).Get(boltKey(key))
		if v == nil {
			return nil
		}
		rec = new(boltRecord)
		return gob.NewDecoder(bytes.NewReader(v)).Decode(rec)
	})
	if err != nil {
		return nil, false, err
	}
	if rec == nil {
		return nil, false, nil
	}
	if !rec.Expires.IsZero() && !b.now().Before(rec.Expires) {
		return nil, false, b.delete(key)
	}
	if rec.Result == nil {
		rec.Result = &Result{}
	}
	return rec.Result, true, nil
}

func (b *BoltBackend) Put(ctx context.Context, key uint64, r *Result, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec := boltRecord{Result: r}
	if ttl > 0 {
		rec.Expires = b.now().Add(ttl)
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&rec); err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(resultsBucket).Put(boltKey(key), buf.Bytes())
	})
}

func (b *BoltBackend) delete(key uint64) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(resultsBucket).Delete(boltKey(key))
	})
}

func (b *BoltBackend) Close() error { return b.db.Close() }
