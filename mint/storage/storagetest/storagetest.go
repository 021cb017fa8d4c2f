// Package storagetest holds the behaviour every storage.KVStore backend must share.
package storagetest

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/elnosh/fedmint/mint/storage"
)

func TestKVStore(t *testing.T, store storage.KVStore) {
	t.Run("get put remove", func(t *testing.T) { testGetPutRemove(t, store) })
	t.Run("prefix iteration", func(t *testing.T) { testForEachPrefix(t, store) })
	t.Run("rollback on error", func(t *testing.T) { testRollback(t, store) })
}

func testGetPutRemove(t *testing.T, store storage.KVStore) {
	key := []byte("kv/key")

	err := store.Update(func(tx storage.Tx) error {
		value, err := tx.Get(key)
		if err != nil {
			return err
		}
		if value != nil {
			return fmt.Errorf("expected nil value for missing key but got '%x'", value)
		}
		if err := tx.Put(key, []byte("first")); err != nil {
			return err
		}
		return tx.Put(key, []byte("second"))
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var value []byte
	store.View(func(tx storage.Tx) error {
		value, err = tx.Get(key)
		return err
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(value, []byte("second")) {
		t.Fatalf("expected value '%s' but got '%s'", "second", value)
	}

	if err := store.Update(func(tx storage.Tx) error { return tx.Remove(key) }); err != nil {
		t.Fatalf("unexpected error removing key: %v", err)
	}
	store.View(func(tx storage.Tx) error {
		value, err = tx.Get(key)
		return err
	})
	if value != nil {
		t.Fatalf("expected key to be removed but got value '%s'", value)
	}
}

func testForEachPrefix(t *testing.T, store storage.KVStore) {
	keys := [][]byte{
		storage.Key([]byte("prefix"), storage.Uint64Key(256)),
		storage.Key([]byte("prefix"), storage.Uint64Key(2)),
		storage.Key([]byte("prefix"), storage.Uint64Key(1)),
		storage.Key([]byte("prefixed"), []byte("other")),
		storage.Key([]byte("other"), []byte("key")),
	}

	err := store.Update(func(tx storage.Tx) error {
		for i, key := range keys {
			if err := tx.Put(key, []byte{byte(i)}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var values []byte
	err = store.View(func(tx storage.Tx) error {
		return tx.ForEachPrefix([]byte("prefix/"), func(key, value []byte) error {
			values = append(values, value...)
			return nil
		})
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// ascending numeric order of the big endian suffix
	expected := []byte{2, 1, 0}
	if !bytes.Equal(values, expected) {
		t.Fatalf("expected values '%v' but got '%v'", expected, values)
	}

	stop := errors.New("stop")
	count := 0
	err = store.View(func(tx storage.Tx) error {
		return tx.ForEachPrefix([]byte("prefix/"), func(key, value []byte) error {
			count++
			return stop
		})
	})
	if !errors.Is(err, stop) {
		t.Fatalf("expected error '%v' but got '%v'", stop, err)
	}
	if count != 1 {
		t.Fatalf("expected iteration to stop after 1 key but got %v", count)
	}
}

func testRollback(t *testing.T, store storage.KVStore) {
	key := []byte("rollback/key")
	failed := errors.New("round failed")

	err := store.Update(func(tx storage.Tx) error {
		if err := tx.Put(key, []byte("value")); err != nil {
			return err
		}
		return failed
	})
	if !errors.Is(err, failed) {
		t.Fatalf("expected error '%v' but got '%v'", failed, err)
	}

	var value []byte
	store.View(func(tx storage.Tx) error {
		value, err = tx.Get(key)
		return err
	})
	if value != nil {
		t.Fatalf("expected write to be discarded but got value '%s'", value)
	}
}
