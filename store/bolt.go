package store

import (
	"context"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"
)

var blobsBucket = []byte("blobs")

// record is what is actually written to bbolt, so we know when a blob was last replaced.
type record struct {
	Value     []byte `msgpack:"v"`
	UpdatedAt int64  `msgpack:"t"`
}

type BoltStore struct {
	db *bbolt.DB
}

func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open bolt %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(blobsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	var rec record
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(blobsBucket).Get([]byte(key))
		if raw == nil {
			return ErrNotFound
		}
		return msgpack.Unmarshal(raw, &rec)
	})
	if err != nil {
		return nil, err
	}
	return rec.Value, nil
}

// UpdatedAt returns when key was last written.
func (s *BoltStore) UpdatedAt(key string) (time.Time, error) {
	var rec record
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(blobsBucket).Get([]byte(key))
		if raw == nil {
			return ErrNotFound
		}
		return msgpack.Unmarshal(raw, &rec)
	})
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(rec.UpdatedAt), nil
}

func (s *BoltStore) Put(ctx context.Context, key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	raw, err := msgpack.Marshal(record{Value: value, UpdatedAt: time.Now().UnixMilli()})
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(blobsBucket).Put([]byte(key), raw)
	})
}

func (s *BoltStore) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(blobsBucket).Delete([]byte(key))
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
