package sqlite

import (
	"log"
	"os"
	"testing"

	"github.com/elnosh/fedmint/mint/storage/storagetest"
)

var (
	db *SQLiteDB
)

func TestMain(m *testing.M) {
	code, err := testMain(m)
	if err != nil {
		log.Println(err)
	}
	os.Exit(code)
}

func testMain(m *testing.M) (int, error) {
	dbpath := "./testsqlite"
	err := os.MkdirAll(dbpath, 0750)
	if err != nil {
		return 1, err
	}
	defer os.RemoveAll(dbpath)

	db, err = InitSQLite(dbpath)
	if err != nil {
		return 1, err
	}
	defer db.Close()

	return m.Run(), nil
}

func TestSQLiteKVStore(t *testing.T) {
	storagetest.TestKVStore(t, db)
}

func TestMigrationsIdempotent(t *testing.T) {
	dbpath := t.TempDir()
	first, err := InitSQLite(dbpath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	first.Close()

	// second init finds the schema already applied
	second, err := InitSQLite(dbpath)
	if err != nil {
		t.Fatalf("unexpected error reopening db: %v", err)
	}
	second.Close()
}
