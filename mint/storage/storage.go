// Package storage defines the keyed store that backs a guardian's
// durable state. A round's writes happen inside one Update call and
// are committed or discarded together.
package storage

import (
	"encoding/binary"
	"errors"
)

var ErrClosed = errors.New("store is closed")

type Tx interface {
	// Get returns nil if key is not present.
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Remove(key []byte) error
	// ForEachPrefix calls fn in ascending key order for every key that
	// starts with prefix. Returning an error from fn stops the iteration.
	ForEachPrefix(prefix []byte, fn func(key, value []byte) error) error
}

type KVStore interface {
	View(fn func(Tx) error) error
	Update(fn func(Tx) error) error
	Close() error
}

// Key joins the parts of a key with '/'.
func Key(parts ...[]byte) []byte {
	size := 0
	for _, part := range parts {
		size += len(part) + 1
	}
	key := make([]byte, 0, size)
	for i, part := range parts {
		if i > 0 {
			key = append(key, '/')
		}
		key = append(key, part...)
	}
	return key
}

// Uint64Key encodes n big endian so keys sort numerically.
func Uint64Key(n uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, n)
	return key
}

func Uint32Key(n uint32) []byte {
	key := make([]byte, 4)
	binary.BigEndian.PutUint32(key, n)
	return key
}
