package bolt

import (
	"bytes"
	"fmt"
	"path/filepath"
	"time"

	"github.com/elnosh/fedmint/mint/storage"
	bolt "go.etcd.io/bbolt"
)

const guardianBucket = "guardian"

type BoltDB struct {
	bolt *bolt.DB
}

func InitBolt(path string) (*BoltDB, error) {
	db, err := bolt.Open(filepath.Join(path, "guardian.db"), 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("error setting bolt db: %v", err)
	}

	boltdb := &BoltDB{bolt: db}
	if err := boltdb.initGuardianBucket(); err != nil {
		db.Close()
		return nil, fmt.Errorf("error setting bolt db: %v", err)
	}

	return boltdb, nil
}

func (db *BoltDB) initGuardianBucket() error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(guardianBucket))
		return err
	})
}

func (db *BoltDB) Close() error {
	return db.bolt.Close()
}

func (db *BoltDB) View(fn func(storage.Tx) error) error {
	return db.bolt.View(func(tx *bolt.Tx) error {
		return fn(&boltTx{bucket: tx.Bucket([]byte(guardianBucket))})
	})
}

func (db *BoltDB) Update(fn func(storage.Tx) error) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		return fn(&boltTx{bucket: tx.Bucket([]byte(guardianBucket))})
	})
}

type boltTx struct {
	bucket *bolt.Bucket
}

func (tx *boltTx) Get(key []byte) ([]byte, error) {
	value := tx.bucket.Get(key)
	if value == nil {
		return nil, nil
	}
	// values are only valid for the life of the bolt transaction
	return bytes.Clone(value), nil
}

func (tx *boltTx) Put(key, value []byte) error {
	return tx.bucket.Put(key, value)
}

func (tx *boltTx) Remove(key []byte) error {
	return tx.bucket.Delete(key)
}

func (tx *boltTx) ForEachPrefix(prefix []byte, fn func(key, value []byte) error) error {
	c := tx.bucket.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		if err := fn(bytes.Clone(k), bytes.Clone(v)); err != nil {
			return err
		}
	}
	return nil
}
