package sqlite

import (
	"bytes"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/elnosh/fedmint/mint/storage"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrations embed.FS

type SQLiteDB struct {
	db *sql.DB
}

func InitSQLite(path string) (*SQLiteDB, error) {
	dbpath := filepath.Join(path, "guardian.sqlite.db")
	db, err := sql.Open("sqlite3", dbpath)
	if err != nil {
		return nil, err
	}
	// one writer at a time, and reads wait behind the round being committed
	db.SetMaxOpenConns(1)

	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		return nil, err
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, fmt.Sprintf("sqlite3://%s", dbpath))
	if err != nil {
		return nil, err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	return &SQLiteDB{db: db}, nil
}

func (sqlite *SQLiteDB) Close() error {
	return sqlite.db.Close()
}

func (sqlite *SQLiteDB) View(fn func(storage.Tx) error) error {
	tx, err := sqlite.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	return fn(&sqliteTx{tx: tx})
}

func (sqlite *SQLiteDB) Update(fn func(storage.Tx) error) error {
	tx, err := sqlite.db.Begin()
	if err != nil {
		return err
	}

	if err := fn(&sqliteTx{tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%v (rollback: %v)", err, rbErr)
		}
		return err
	}

	return tx.Commit()
}

type sqliteTx struct {
	tx *sql.Tx
}

func (s *sqliteTx) Get(key []byte) ([]byte, error) {
	var value []byte
	row := s.tx.QueryRow("SELECT value FROM kv WHERE key = ?", key)
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return value, nil
}

func (s *sqliteTx) Put(key, value []byte) error {
	_, err := s.tx.Exec(`
		INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

func (s *sqliteTx) Remove(key []byte) error {
	_, err := s.tx.Exec("DELETE FROM kv WHERE key = ?", key)
	return err
}

type kvPair struct {
	key   []byte
	value []byte
}

func (s *sqliteTx) ForEachPrefix(prefix []byte, fn func(key, value []byte) error) error {
	if prefix == nil {
		prefix = []byte{}
	}
	// blobs compare with memcmp so this is the same order bolt iterates in
	rows, err := s.tx.Query("SELECT key, value FROM kv WHERE key >= ? ORDER BY key", prefix)
	if err != nil {
		return err
	}

	// collect first so fn can write through the same transaction
	pairs := []kvPair{}
	for rows.Next() {
		var pair kvPair
		if err := rows.Scan(&pair.key, &pair.value); err != nil {
			rows.Close()
			return err
		}
		if !bytes.HasPrefix(pair.key, prefix) {
			break
		}
		pairs = append(pairs, pair)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, pair := range pairs {
		if err := fn(pair.key, pair.value); err != nil {
			return err
		}
	}
	return nil
}
