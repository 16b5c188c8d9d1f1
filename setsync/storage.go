package setsync

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// StorageAdapter is the platform-uniform persistent key-value store: whole
// string blobs keyed by name, replaced atomically per key. the sync engine
// only ever writes full blobs, so a reader sees either the old value or the
// new one.
type StorageAdapter interface {
	GetItem(ctx context.Context, key string) (value string, ok bool, err error)
	SetItem(ctx context.Context, key string, value string) error
	RemoveItem(ctx context.Context, key string) error
}

// FileStorage keeps one file per key under a directory. writes go to a
// temp file and rename into place so a partial write never replaces a
// good blob.
type FileStorage struct {
	dir string
}

func NewFileStorage(dir string) (*FileStorage, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	return &FileStorage{
		dir: dir,
	}, nil
}

func (self *FileStorage) path(key string) string {
	// keys are simple names; guard against separators anyway
	name := strings.ReplaceAll(key, string(os.PathSeparator), "_")
	return filepath.Join(self.dir, name)
}

func (self *FileStorage) GetItem(ctx context.Context, key string) (string, bool, error) {
	valueBytes, err := os.ReadFile(self.path(key))
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(valueBytes), true, nil
}

func (self *FileStorage) SetItem(ctx context.Context, key string, value string) error {
	path := self.path(key)
	tempPath := fmt.Sprintf("%s.tmp", path)
	if err := os.WriteFile(tempPath, []byte(value), 0600); err != nil {
		return err
	}
	return os.Rename(tempPath, path)
}

func (self *FileStorage) RemoveItem(ctx context.Context, key string) error {
	err := os.Remove(self.path(key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// SqliteStorage keeps all keys in a single kv table. upserts are atomic per
// key, which satisfies the whole-blob replace contract.
type SqliteStorage struct {
	db *sql.DB
}

func NewSqliteStorage(path string) (*SqliteStorage, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &SqliteStorage{
		db: db,
	}, nil
}

func (self *SqliteStorage) GetItem(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := self.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (self *SqliteStorage) SetItem(ctx context.Context, key string, value string) error {
	_, err := self.db.ExecContext(
		ctx,
		`INSERT INTO kv (key, value) VALUES (?, ?)
			ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		key,
		value,
	)
	return err
}

func (self *SqliteStorage) RemoveItem(ctx context.Context, key string) error {
	_, err := self.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	return err
}

func (self *SqliteStorage) Close() error {
	return self.db.Close()
}

// MemoryStorage is for tests and ephemeral sessions
type MemoryStorage struct {
	mutex sync.Mutex
	items map[string]string
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		items: map[string]string{},
	}
}

func (self *MemoryStorage) GetItem(ctx context.Context, key string) (string, bool, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	value, ok := self.items[key]
	return value, ok, nil
}

func (self *MemoryStorage) SetItem(ctx context.Context, key string, value string) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.items[key] = value
	return nil
}

func (self *MemoryStorage) RemoveItem(ctx context.Context, key string) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	delete(self.items, key)
	return nil
}
