package cache

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"
)

// Store is a shared on-disk response cache. Writers serialize through a
// file lock so several CLI processes can share one database.
type Store struct {
	db   *sql.DB
	lock *flock.Flock
	now  func() time.Time
}

type Entry struct {
	Hit   bool
	Value []byte
	Age   time.Duration
	Stale bool
	// Expired means the entry is past its ttl plus the allowed staleness.
	Expired bool
}

func Open(path, lockPath string) (*Store, error) {
	for _, dir := range []string{filepath.Dir(path), filepath.Dir(lockPath)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite cache: %w", err)
	}
	schema := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		`CREATE TABLE IF NOT EXISTS responses (
			key TEXT PRIMARY KEY,
			namespace TEXT NOT NULL,
			value BLOB NOT NULL,
			stored_at INTEGER NOT NULL,
			ttl_seconds INTEGER NOT NULL
		);`,
		"CREATE INDEX IF NOT EXISTS responses_namespace ON responses(namespace);",
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init cache schema: %w", err)
		}
	}

	store := &Store{db: db, lock: flock.New(lockPath), now: time.Now}
	_ = store.Prune()
	return store, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Key derives a stable cache key for a namespace ("tools", "balances") from
// the request parts.
func Key(namespace string, parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return namespace + ":" + hex.EncodeToString(sum[:12])
}

// Prune drops entries whose ttl has elapsed.
func (s *Store) Prune() error {
	if s == nil || s.db == nil {
		return nil
	}
	if _, err := s.db.Exec("DELETE FROM responses WHERE stored_at + ttl_seconds < ?", s.now().UTC().Unix()); err != nil {
		return fmt.Errorf("prune cache: %w", err)
	}
	return nil
}

func (s *Store) Lookup(key string, maxStale time.Duration) (Entry, error) {
	var (
		value    []byte
		storedAt int64
		ttlSecs  int64
	)
	err := s.db.QueryRow("SELECT value, stored_at, ttl_seconds FROM responses WHERE key = ?", key).Scan(&value, &storedAt, &ttlSecs)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, nil
	}
	if err != nil {
		return Entry{}, fmt.Errorf("cache read: %w", err)
	}

	age := s.now().Sub(time.Unix(storedAt, 0))
	if age < 0 {
		age = 0
	}
	ttl := time.Duration(ttlSecs) * time.Second
	stale := age > ttl
	return Entry{
		Hit:     true,
		Value:   value,
		Age:     age,
		Stale:   stale,
		Expired: stale && maxStale >= 0 && age > ttl+maxStale,
	}, nil
}

func (s *Store) Put(key string, value []byte, ttl time.Duration) error {
	return s.withLock(func() error {
		secs := int64(ttl / time.Second)
		if secs <= 0 {
			secs = 1
		}
		_, err := s.db.Exec(`
			INSERT INTO responses (key, namespace, value, stored_at, ttl_seconds)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET
				value=excluded.value,
				stored_at=excluded.stored_at,
				ttl_seconds=excluded.ttl_seconds
		`, key, namespaceOf(key), value, s.now().UTC().Unix(), secs)
		if err != nil {
			return fmt.Errorf("cache write: %w", err)
		}
		return nil
	})
}

// Purge removes every entry in namespace, or all entries when it is empty.
func (s *Store) Purge(namespace string) (int64, error) {
	var affected int64
	err := s.withLock(func() error {
		var (
			res sql.Result
			err error
		)
		if namespace == "" {
			res, err = s.db.Exec("DELETE FROM responses")
		} else {
			res, err = s.db.Exec("DELETE FROM responses WHERE namespace = ?", namespace)
		}
		if err != nil {
			return fmt.Errorf("cache purge: %w", err)
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	return affected, err
}

func (s *Store) withLock(fn func() error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	locked, err := s.lock.TryLockContext(ctx, 10*time.Millisecond)
	if err != nil {
		return fmt.Errorf("lock cache: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock cache: timeout acquiring lock")
	}
	defer func() { _ = s.lock.Unlock() }()
	return fn()
}

func namespaceOf(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return ""
}
